package storage

import (
	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/internal/server/api"
	"github.com/Alia5/usbtest/usb"
)

func init() {
	api.RegisterGadget(api.GadgetType{
		Name:    "storage",
		Summary: "bulk-only mass storage descriptors without the SCSI protocol",
		New:     func(o *device.CreateOptions) (usb.Device, error) { return New(o), nil },
	})
}
