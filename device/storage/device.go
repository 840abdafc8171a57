// Package storage provides the descriptors of the Linux mass storage gadget
// (bulk-only transport) without its SCSI command set. It exists to exercise
// peripherals that enumerate fine but do not implement the vendor loopback
// requests.
package storage

import (
	"sync/atomic"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbip"
)

const (
	VendorID  = 0x0525
	ProductID = 0xa4a5

	// Bulk-only transport class requests.
	reqGetMaxLUN = 0xfe
	reqBOTReset  = 0xff
)

// Storage sinks bulk OUT data and answers bulk IN with zero-length packets.
type Storage struct {
	descriptor usb.Descriptor
	resets     atomic.Uint32
}

// New returns a new mass storage gadget.
func New(o *device.CreateOptions) *Storage {
	d := &Storage{descriptor: defaultDescriptor()}
	if o != nil {
		if o.IdVendor != nil {
			d.descriptor.Device.IDVendor = *o.IdVendor
		}
		if o.IdProduct != nil {
			d.descriptor.Device.IDProduct = *o.IdProduct
		}
	}
	return d
}

// Resets returns how many bulk-only mass storage resets were received.
func (s *Storage) Resets() uint32 { return s.resets.Load() }

func (s *Storage) HandleTransfer(ep uint32, dir uint32, length uint32, out []byte) usb.Reply {
	switch {
	case ep == 1 && dir == usbip.DirIn:
		return usb.Reply{}
	case ep == 2 && dir == usbip.DirOut:
		return usb.Reply{Accepted: len(out)}
	}
	return usb.Stalled
}

// HandleControl answers GET_MAX_LUN and the bulk-only reset. Vendor
// requests stall.
func (s *Storage) HandleControl(setup usb.SetupPacket, out []byte) usb.Reply {
	if setup.Type() != usb.RequestClass || setup.Index != 0 {
		return usb.Stalled
	}
	switch {
	case setup.Request == reqGetMaxLUN && setup.IsIn():
		return usb.Reply{Data: []byte{0}}
	case setup.Request == reqBOTReset && !setup.IsIn():
		s.resets.Add(1)
		return usb.Reply{}
	}
	return usb.Stalled
}

func (s *Storage) GetDescriptor() *usb.Descriptor {
	return &s.descriptor
}

func defaultDescriptor() usb.Descriptor {
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       0x00, // per interface
			BMaxPacketSize0:    0x40,
			IDVendor:           VendorID,
			IDProduct:          ProductID,
			BcdDevice:          0x0100,
			IProduct:           0x02,
			BNumConfigurations: 0x01,
			Speed:              usb.SpeedHigh,
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber:   0,
					BNumEndpoints:      2,
					BInterfaceClass:    0x08, // mass storage
					BInterfaceSubClass: 0x06, // SCSI transparent
					BInterfaceProtocol: 0x50, // bulk-only
				},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: 0x81, BMAttributes: 0x02, WMaxPacketSize: 512},
					{BEndpointAddress: 0x02, BMAttributes: 0x02, WMaxPacketSize: 512},
				},
			},
		},
		Strings: map[uint8]string{
			2: "Mass Storage Gadget",
		},
	}
}
