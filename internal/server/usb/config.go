package usb

import "time"

// ServerConfig represents the USB/IP gadget server configuration.
type ServerConfig struct {
	Addr              string        `help:"USB-IP server listen address" default:":3241" env:"USBTEST_USB_ADDR"`
	BusID             uint32        `help:"Bus number the simulated gadgets are exported on" default:"1" env:"USBTEST_USB_BUS_ID"`
	QueueDepth        int           `help:"URBs queued per imported device before the reader blocks" default:"32" env:"USBTEST_USB_QUEUE_DEPTH"`
	ConnectionTimeout time.Duration `kong:"-"`
}
