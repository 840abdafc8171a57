package usb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// ReadDescriptors enumerates t with standard GET_DESCRIPTOR requests: the
// device descriptor, the first configuration and the manufacturer, product
// and serial strings. Strings the device refuses are left out. The speed is
// not part of any descriptor and is left for the caller to fill in.
func ReadDescriptors(ctx context.Context, t Transport, timeout time.Duration) (*Descriptor, error) {
	get := func(value, index uint16, buf []byte) ([]byte, error) {
		n, err := t.Control(ctx, SetupPacket{
			RequestType: RequestDirIn | RequestStandard | RecipientDevice,
			Request:     ReqGetDescriptor,
			Value:       value,
			Index:       index,
			Length:      uint16(len(buf)),
		}, buf, timeout)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}

	raw, err := get(DeviceDescType<<8, 0, make([]byte, DeviceDescLen))
	if err != nil {
		return nil, fmt.Errorf("get device descriptor: %w", err)
	}
	dev, err := ParseDeviceDescriptor(raw)
	if err != nil {
		return nil, err
	}

	hdr, err := get(ConfigDescType<<8, 0, make([]byte, ConfigDescLen))
	if err != nil {
		return nil, fmt.Errorf("get config header: %w", err)
	}
	if len(hdr) < 4 {
		return nil, fmt.Errorf("config header: %w", ErrMalformedDescriptor)
	}
	total := binary.LittleEndian.Uint16(hdr[2:4])
	full, err := get(ConfigDescType<<8, 0, make([]byte, total))
	if err != nil {
		return nil, fmt.Errorf("get config descriptor: %w", err)
	}
	ifaces, err := ParseConfigDescriptor(full)
	if err != nil {
		return nil, err
	}

	desc := &Descriptor{Device: dev, Interfaces: ifaces, Strings: map[uint8]string{}}
	for _, idx := range []uint8{dev.IManufacturer, dev.IProduct, dev.ISerialNumber} {
		if idx == 0 {
			continue
		}
		raw, err := get(StringDescType<<8|uint16(idx), langIDEnglishUS, make([]byte, 255))
		if err != nil {
			continue
		}
		if s, err := DecodeStringDescriptor(raw); err == nil {
			desc.Strings[idx] = s
		}
	}
	return desc, nil
}
