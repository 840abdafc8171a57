package usb

import (
	"context"
	"time"
)

// Transport is the host side of an attached peripheral. Every call is
// bounded by timeout (and by ctx) and returns the number of bytes moved.
type Transport interface {
	// Control runs a control transfer on EP0. For IN requests data receives
	// the data stage; for OUT requests data is sent.
	Control(ctx context.Context, setup SetupPacket, data []byte, timeout time.Duration) (int, error)
	// Transfer runs a bulk, interrupt or isochronous transfer on ep. The
	// direction follows the endpoint address.
	Transfer(ctx context.Context, ep EndpointDescriptor, data []byte, timeout time.Duration) (int, error)
	// SetAltSetting activates an alternate setting of an interface.
	SetAltSetting(ctx context.Context, iface, alt uint8) error
}

// Peripheral is an opened device: its transport plus the descriptor set it
// reported at enumeration.
type Peripheral interface {
	Transport
	Descriptor() *Descriptor
	Close() error
}
