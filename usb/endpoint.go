package usb

import "fmt"

// TransferType is the endpoint transfer class encoded in bits 0..1 of
// bmAttributes.
type TransferType uint8

const (
	Control     TransferType = 0
	Isochronous TransferType = 1
	Bulk        TransferType = 2
	Interrupt   TransferType = 3
)

func (t TransferType) String() string {
	switch t {
	case Control:
		return "control"
	case Isochronous:
		return "iso"
	case Bulk:
		return "bulk"
	case Interrupt:
		return "int"
	}
	return fmt.Sprintf("TransferType(%d)", uint8(t))
}

// Direction is bit 7 of an endpoint address.
type Direction uint8

const (
	DirOut Direction = 0x00
	DirIn  Direction = 0x80
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

const (
	endpointNumberMask = 0x0f
	endpointDirMask    = 0x80
	transferTypeMask   = 0x03
)

// Number returns the endpoint number without the direction bit.
func (e EndpointDescriptor) Number() uint8 { return e.BEndpointAddress & endpointNumberMask }

// Direction returns the data direction of the endpoint.
func (e EndpointDescriptor) Direction() Direction {
	return Direction(e.BEndpointAddress & endpointDirMask)
}

// IsIn reports whether the endpoint moves data device to host.
func (e EndpointDescriptor) IsIn() bool { return e.Direction() == DirIn }

// TransferType returns the transfer class of the endpoint.
func (e EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.BMAttributes & transferTypeMask)
}

func (e EndpointDescriptor) String() string {
	return fmt.Sprintf("ep%d-%s(%s, mps=%d)", e.Number(), e.Direction(), e.TransferType(), e.WMaxPacketSize)
}

// Speed values as carried by USB/IP (enum usb_device_speed).
const (
	SpeedUnknown  uint32 = 0
	SpeedLow      uint32 = 1
	SpeedFull     uint32 = 2
	SpeedHigh     uint32 = 3
	SpeedWireless uint32 = 4
	SpeedSuper    uint32 = 5
)

// SpeedString names a bus speed the way the kernel logs it.
func SpeedString(s uint32) string {
	switch s {
	case SpeedLow:
		return "low-speed"
	case SpeedFull:
		return "full-speed"
	case SpeedHigh:
		return "high-speed"
	case SpeedWireless:
		return "wireless"
	case SpeedSuper:
		return "super-speed"
	}
	return "UNKNOWN"
}
