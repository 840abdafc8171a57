// Package zero provides a simulated "Gadget Zero" source/sink peripheral:
// bulk, iso and interrupt endpoint pairs spread over three alternate
// settings, plus the vendor control loopback requests used for link checks.
package zero

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/linkcheck"
	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbip"
)

const (
	VendorID  = 0x0525
	ProductID = 0xa4a0

	// ControlBufferSize bounds the vendor loopback buffer.
	ControlBufferSize = 256

	AltBulk      = 0
	AltIso       = 1
	AltInterrupt = 2
)

// Zero sources the usbtest pattern on its IN endpoints and sinks anything
// written to its OUT endpoints.
type Zero struct {
	descriptor usb.Descriptor
	clock      clock.Clock

	mu         sync.Mutex
	alt        uint8
	ctrl       [ControlBufferSize]byte
	shortWrite int
	latency    time.Duration

	sourced atomic.Uint64
	sunk    atomic.Uint64
}

// Stats counts payload bytes moved through the data endpoints.
type Stats struct {
	Sourced uint64
	Sunk    uint64
	Alt     uint8
}

// New returns a new Gadget Zero.
func New(o *device.CreateOptions) *Zero {
	d := &Zero{
		descriptor: defaultDescriptor(),
		clock:      clock.New(),
		shortWrite: -1,
	}
	if o != nil {
		if o.IdVendor != nil {
			d.descriptor.Device.IDVendor = *o.IdVendor
		}
		if o.IdProduct != nil {
			d.descriptor.Device.IDProduct = *o.IdProduct
		}
		if o.ShortControlWrite != nil {
			d.shortWrite = *o.ShortControlWrite
		}
		if o.LatencyMs != nil {
			d.latency = time.Duration(*o.LatencyMs) * time.Millisecond
		}
	}
	return d
}

// WithClock replaces the clock used for injected latency.
func (z *Zero) WithClock(c clock.Clock) *Zero {
	z.clock = c
	return z
}

// SetShortControlWrite limits vendor OUT requests to n accepted bytes. A
// negative n accepts everything.
func (z *Zero) SetShortControlWrite(n int) {
	z.mu.Lock()
	z.shortWrite = n
	z.mu.Unlock()
}

// SetLatency delays every transfer by d.
func (z *Zero) SetLatency(d time.Duration) {
	z.mu.Lock()
	z.latency = d
	z.mu.Unlock()
}

// Stats returns a snapshot of the transfer counters.
func (z *Zero) Stats() Stats {
	z.mu.Lock()
	alt := z.alt
	z.mu.Unlock()
	return Stats{Sourced: z.sourced.Load(), Sunk: z.sunk.Load(), Alt: alt}
}

func (z *Zero) delay() {
	z.mu.Lock()
	d := z.latency
	z.mu.Unlock()
	if d > 0 {
		z.clock.Sleep(d)
	}
}

// HandleTransfer implements the source and sink endpoints of the active
// alternate setting. Endpoints of inactive settings stall.
func (z *Zero) HandleTransfer(ep uint32, dir uint32, length uint32, out []byte) usb.Reply {
	z.delay()

	z.mu.Lock()
	alt := z.alt
	z.mu.Unlock()
	cfg, ok := z.descriptor.AltSetting(0, alt)
	if !ok {
		return usb.Stalled
	}
	for _, e := range cfg.Endpoints {
		if uint32(e.Number()) != ep || e.IsIn() != (dir == usbip.DirIn) {
			continue
		}
		if dir == usbip.DirIn {
			data := make([]byte, length)
			linkcheck.Fill(data)
			z.sourced.Add(uint64(length))
			return usb.Reply{Data: data}
		}
		z.sunk.Add(uint64(len(out)))
		return usb.Reply{Accepted: len(out)}
	}
	return usb.Stalled
}

// HandleControl answers the vendor loopback requests: 0x5b stores the data
// stage, 0x5c returns the buffer.
func (z *Zero) HandleControl(setup usb.SetupPacket, out []byte) usb.Reply {
	if setup.Type() != usb.RequestVendor {
		return usb.Stalled
	}
	z.delay()

	z.mu.Lock()
	defer z.mu.Unlock()
	switch {
	case setup.Request == linkcheck.RequestWrite && !setup.IsIn():
		if len(out) > ControlBufferSize {
			return usb.Stalled
		}
		n := len(out)
		if z.shortWrite >= 0 && n > z.shortWrite {
			n = z.shortWrite
		}
		copy(z.ctrl[:], out[:n])
		return usb.Reply{Accepted: n}
	case setup.Request == linkcheck.RequestRead && setup.IsIn():
		if int(setup.Length) > ControlBufferSize {
			return usb.Stalled
		}
		return usb.Reply{Data: append([]byte(nil), z.ctrl[:setup.Length]...)}
	}
	return usb.Stalled
}

// SetAltSetting implements usb.AltSetter.
func (z *Zero) SetAltSetting(iface, alt uint8) error {
	if _, ok := z.descriptor.AltSetting(iface, alt); !ok {
		return fmt.Errorf("interface %d has no alternate setting %d", iface, alt)
	}
	z.mu.Lock()
	z.alt = alt
	z.mu.Unlock()
	return nil
}

// AltSetting implements usb.AltSetter.
func (z *Zero) AltSetting(iface uint8) uint8 {
	if iface != 0 {
		return 0
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.alt
}

func (z *Zero) GetDescriptor() *usb.Descriptor {
	return &z.descriptor
}

func sourceSink(alt uint8, eps ...usb.EndpointDescriptor) usb.InterfaceConfig {
	return usb.InterfaceConfig{
		Descriptor: usb.InterfaceDescriptor{
			BInterfaceNumber:  0,
			BAlternateSetting: alt,
			BNumEndpoints:     uint8(len(eps)),
			BInterfaceClass:   0xff, // vendor specific
		},
		Endpoints: eps,
	}
}

func defaultDescriptor() usb.Descriptor {
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       0xff,
			BMaxPacketSize0:    0x40,
			IDVendor:           VendorID,
			IDProduct:          ProductID,
			BcdDevice:          0x0100,
			IManufacturer:      0x01,
			IProduct:           0x02,
			ISerialNumber:      0x03,
			BNumConfigurations: 0x01,
			Speed:              usb.SpeedHigh,
		},
		Interfaces: []usb.InterfaceConfig{
			sourceSink(AltBulk,
				usb.EndpointDescriptor{BEndpointAddress: 0x81, BMAttributes: 0x02, WMaxPacketSize: 512},
				usb.EndpointDescriptor{BEndpointAddress: 0x02, BMAttributes: 0x02, WMaxPacketSize: 512},
			),
			sourceSink(AltIso,
				usb.EndpointDescriptor{BEndpointAddress: 0x83, BMAttributes: 0x01, WMaxPacketSize: 256, BInterval: 1},
				usb.EndpointDescriptor{BEndpointAddress: 0x04, BMAttributes: 0x01, WMaxPacketSize: 256, BInterval: 1},
			),
			sourceSink(AltInterrupt,
				usb.EndpointDescriptor{BEndpointAddress: 0x85, BMAttributes: 0x03, WMaxPacketSize: 64, BInterval: 4},
				usb.EndpointDescriptor{BEndpointAddress: 0x06, BMAttributes: 0x03, WMaxPacketSize: 64, BInterval: 4},
			),
		},
		Strings: map[uint8]string{
			1: "usbtest",
			2: "Gadget Zero",
			3: "0123456789.0123456789.0123456789",
		},
	}
}
