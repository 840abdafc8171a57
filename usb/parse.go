package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// ErrMalformedDescriptor is returned when descriptor bytes cannot be decoded.
var ErrMalformedDescriptor = errors.New("malformed descriptor")

// ParseDeviceDescriptor decodes an 18-byte device descriptor.
func ParseDeviceDescriptor(b []byte) (DeviceDescriptor, error) {
	if len(b) < DeviceDescLen || b[0] < DeviceDescLen || b[1] != DeviceDescType {
		return DeviceDescriptor{}, fmt.Errorf("device descriptor: %w", ErrMalformedDescriptor)
	}
	return DeviceDescriptor{
		BcdUSB:             binary.LittleEndian.Uint16(b[2:4]),
		BDeviceClass:       b[4],
		BDeviceSubClass:    b[5],
		BDeviceProtocol:    b[6],
		BMaxPacketSize0:    b[7],
		IDVendor:           binary.LittleEndian.Uint16(b[8:10]),
		IDProduct:          binary.LittleEndian.Uint16(b[10:12]),
		BcdDevice:          binary.LittleEndian.Uint16(b[12:14]),
		IManufacturer:      b[14],
		IProduct:           b[15],
		ISerialNumber:      b[16],
		BNumConfigurations: b[17],
	}, nil
}

// ParseConfigDescriptor walks a full configuration descriptor and returns
// every interface alternate setting with its endpoints. Class-specific
// descriptors between an interface and its endpoints are kept as ClassData;
// anything else unknown is skipped.
func ParseConfigDescriptor(b []byte) ([]InterfaceConfig, error) {
	if len(b) < ConfigDescLen || b[1] != ConfigDescType {
		return nil, fmt.Errorf("config descriptor: %w", ErrMalformedDescriptor)
	}
	total := int(binary.LittleEndian.Uint16(b[2:4]))
	if total > len(b) {
		return nil, fmt.Errorf("config descriptor: wTotalLength %d exceeds %d bytes: %w", total, len(b), ErrMalformedDescriptor)
	}
	b = b[:total]

	var out []InterfaceConfig
	cur := -1
	for off := int(b[0]); off < len(b); {
		if off+2 > len(b) {
			return nil, fmt.Errorf("truncated descriptor at offset %d: %w", off, ErrMalformedDescriptor)
		}
		l := int(b[off])
		if l < 2 || off+l > len(b) {
			return nil, fmt.Errorf("bad descriptor length %d at offset %d: %w", l, off, ErrMalformedDescriptor)
		}
		d := b[off : off+l]
		switch d[1] {
		case InterfaceDescType:
			if l < InterfaceDescLen {
				return nil, fmt.Errorf("short interface descriptor: %w", ErrMalformedDescriptor)
			}
			out = append(out, InterfaceConfig{Descriptor: InterfaceDescriptor{
				BInterfaceNumber:   d[2],
				BAlternateSetting:  d[3],
				BNumEndpoints:      d[4],
				BInterfaceClass:    d[5],
				BInterfaceSubClass: d[6],
				BInterfaceProtocol: d[7],
				IInterface:         d[8],
			}})
			cur = len(out) - 1
		case EndpointDescType:
			if l < EndpointDescLen {
				return nil, fmt.Errorf("short endpoint descriptor: %w", ErrMalformedDescriptor)
			}
			if cur < 0 {
				return nil, fmt.Errorf("endpoint outside interface: %w", ErrMalformedDescriptor)
			}
			out[cur].Endpoints = append(out[cur].Endpoints, EndpointDescriptor{
				BEndpointAddress: d[2],
				BMAttributes:     d[3],
				WMaxPacketSize:   binary.LittleEndian.Uint16(d[4:6]),
				BInterval:        d[6],
			})
		default:
			if cur >= 0 && len(out[cur].Endpoints) == 0 {
				out[cur].ClassData = append(out[cur].ClassData, d...)
			}
		}
		off += l
	}
	return out, nil
}

// DecodeStringDescriptor converts a UTF-16LE string descriptor to a Go string.
func DecodeStringDescriptor(b []byte) (string, error) {
	if len(b) < 2 || b[1] != StringDescType || int(b[0]) > len(b) {
		return "", fmt.Errorf("string descriptor: %w", ErrMalformedDescriptor)
	}
	body := b[2:b[0]]
	u := make([]uint16, len(body)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(body[i*2:])
	}
	return string(utf16.Decode(u)), nil
}
