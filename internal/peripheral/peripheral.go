// Package peripheral finds the devices a session can be attached to.
package peripheral

import (
	"context"
	"fmt"

	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbip"
)

// Info describes a peripheral without opening it.
type Info struct {
	ID         string
	VendorID   uint16
	ProductID  uint16
	Speed      uint32
	Class      uint8
	Interfaces int
}

// Source lists and opens peripherals. Open hands ownership of the returned
// peripheral to the caller; an unknown id fails with usb.ErrNoDevice.
type Source interface {
	List(ctx context.Context) ([]Info, error)
	Open(ctx context.Context, id string) (usb.Peripheral, error)
}

// USBIP is a Source backed by a USB/IP server. IDs are its busids.
type USBIP struct {
	client *usbip.Client
}

func NewUSBIP(client *usbip.Client) *USBIP { return &USBIP{client: client} }

func (u *USBIP) List(ctx context.Context) ([]Info, error) {
	devs, err := u.client.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", u.client.Addr(), err)
	}
	out := make([]Info, 0, len(devs))
	for _, d := range devs {
		info := Info{
			ID:         d.BusIDString(),
			VendorID:   d.IDVendor,
			ProductID:  d.IDProduct,
			Speed:      d.Speed,
			Class:      d.BDeviceClass,
			Interfaces: int(d.BNumInterfaces),
		}
		// class is per interface for most peripherals
		if info.Class == 0 && len(d.Interfaces) > 0 {
			info.Class = d.Interfaces[0].Class
		}
		out = append(out, info)
	}
	return out, nil
}

func (u *USBIP) Open(ctx context.Context, id string) (usb.Peripheral, error) {
	conn, err := u.client.Import(ctx, id)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
