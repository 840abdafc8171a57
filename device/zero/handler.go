package zero

import (
	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/internal/server/api"
	"github.com/Alia5/usbtest/usb"
)

func init() {
	api.RegisterGadget(api.GadgetType{
		Name:    "zero",
		Summary: "source/sink with loopback control requests; bulk, iso and interrupt alt settings",
		New:     func(o *device.CreateOptions) (usb.Device, error) { return New(o), nil },
	})
}
