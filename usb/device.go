package usb

// Reply is a peripheral's answer to one transfer.
type Reply struct {
	// Data is returned to the host for IN transfers.
	Data []byte
	// Accepted is the number of OUT bytes consumed.
	Accepted int
	// Stall makes the transfer fail with a protocol stall.
	Stall bool
}

// Stalled is the reply for an unsupported request.
var Stalled = Reply{Stall: true}

// Device is the minimal interface a simulated peripheral must implement.
// Standard EP0 requests are answered by the bus from GetDescriptor.
type Device interface {
	// HandleTransfer processes a non-EP0 transfer.
	// ep is the endpoint number (without direction), dir is usbip.DirIn or
	// usbip.DirOut and length is the host buffer size.
	HandleTransfer(ep uint32, dir uint32, length uint32, out []byte) Reply
	GetDescriptor() *Descriptor
}

// ControlHandler is implemented by devices that answer class or vendor
// requests on EP0. Devices without it stall such requests.
type ControlHandler interface {
	HandleControl(setup SetupPacket, out []byte) Reply
}

// AltSetter is implemented by devices with more than one alternate setting.
type AltSetter interface {
	SetAltSetting(iface, alt uint8) error
	AltSetting(iface uint8) uint8
}
