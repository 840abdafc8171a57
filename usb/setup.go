package usb

import (
	"encoding/binary"
	"fmt"
)

// bmRequestType bits.
const (
	RequestDirOut   = 0x00
	RequestDirIn    = 0x80
	RequestStandard = 0x00
	RequestClass    = 0x20
	RequestVendor   = 0x40
	RequestTypeMask = 0x60

	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
)

// Standard request codes (bRequest).
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0a
	ReqSetInterface     = 0x0b
)

// SetupPacket is the 8-byte setup stage of a control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// IsIn reports whether the data stage moves device to host.
func (s SetupPacket) IsIn() bool { return s.RequestType&RequestDirIn != 0 }

// Type returns the request type bits (standard, class or vendor).
func (s SetupPacket) Type() uint8 { return s.RequestType & RequestTypeMask }

// Bytes encodes the setup packet in wire order.
func (s SetupPacket) Bytes() [8]byte {
	var b [8]byte
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

func (s SetupPacket) String() string {
	return fmt.Sprintf("setup{type=%#02x req=%#02x val=%#04x idx=%#04x len=%d}",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}

// ParseSetup decodes 8 setup bytes.
func ParseSetup(b []byte) (SetupPacket, error) {
	if len(b) != 8 {
		return SetupPacket{}, fmt.Errorf("setup packet: %d bytes: %w", len(b), ErrMalformedDescriptor)
	}
	return SetupPacket{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}
