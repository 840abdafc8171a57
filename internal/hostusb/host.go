//go:build cgo

package hostusb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/multierr"

	"github.com/Alia5/usbtest/internal/peripheral"
	"github.com/Alia5/usbtest/usb"
)

// Host is a peripheral.Source over the local libusb context. IDs are
// "bus-port.port" paths.
type Host struct {
	ctx    *gousb.Context
	logger *slog.Logger
}

func New(logger *slog.Logger) (*Host, error) {
	return &Host{ctx: gousb.NewContext(), logger: logger}, nil
}

func (h *Host) Close() error { return h.ctx.Close() }

func (h *Host) List(ctx context.Context) ([]peripheral.Info, error) {
	var out []peripheral.Info
	_, err := h.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		// root hubs have no port path
		if len(d.Path) == 0 {
			return false
		}
		info := peripheral.Info{
			ID:        portID(d.Bus, d.Path),
			VendorID:  uint16(d.Vendor),
			ProductID: uint16(d.Product),
			Speed:     speed(d.Speed),
			Class:     uint8(d.Class),
		}
		for _, cfg := range d.Configs {
			info.Interfaces = len(cfg.Interfaces)
			if info.Class == 0 && len(cfg.Interfaces) > 0 && len(cfg.Interfaces[0].AltSettings) > 0 {
				info.Class = uint8(cfg.Interfaces[0].AltSettings[0].Class)
			}
			break
		}
		out = append(out, info)
		return false
	})
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("enumerate local devices: %w", err)
	}
	return out, nil
}

func (h *Host) Open(ctx context.Context, id string) (usb.Peripheral, error) {
	var spd uint32
	devs, err := h.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		if len(d.Path) == 0 || portID(d.Bus, d.Path) != id {
			return false
		}
		spd = speed(d.Speed)
		return true
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", id, mapErr(err))
		}
		return nil, fmt.Errorf("open %s: %w", id, usb.ErrNoDevice)
	}
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	dev := devs[0]
	if err := dev.SetAutoDetach(true); err != nil {
		h.logger.Debug("auto detach unavailable", "id", id, "error", err)
	}
	num, err := dev.ActiveConfigNum()
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("active config of %s: %w", id, mapErr(err))
	}
	cfg, err := dev.Config(num)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("claim config %d of %s: %w", num, id, mapErr(err))
	}

	p := &Peripheral{dev: dev, cfg: cfg, ifaces: map[uint8]*claimed{}}
	desc, err := usb.ReadDescriptors(ctx, p, DefaultControlTimeout)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("enumerate %s: %w", id, err), p.Close())
	}
	desc.Device.Speed = spd
	p.desc = desc
	h.logger.Info("opened local device", "id", id,
		"vid", fmt.Sprintf("0x%04x", desc.Device.IDVendor), "pid", fmt.Sprintf("0x%04x", desc.Device.IDProduct))
	return p, nil
}

type claimed struct {
	intf *gousb.Interface
	alt  uint8
}

// Peripheral is an opened libusb device. It implements usb.Peripheral.
type Peripheral struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	desc *usb.Descriptor

	// mu guards ifaces and the device control timeout.
	mu     sync.Mutex
	ifaces map[uint8]*claimed
}

func (p *Peripheral) Descriptor() *usb.Descriptor { return p.desc }

func (p *Peripheral) Control(ctx context.Context, setup usb.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dev.ControlTimeout = timeout
	n, err := control(ctx, p.dev.Control, setup, data)
	return n, mapErr(err)
}

func (p *Peripheral) Transfer(ctx context.Context, ep usb.EndpointDescriptor, data []byte, timeout time.Duration) (int, error) {
	intf, err := p.interfaceFor(ep.BEndpointAddress)
	if err != nil {
		return 0, err
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var n int
	if ep.IsIn() {
		var in *gousb.InEndpoint
		if in, err = intf.InEndpoint(int(ep.Number())); err != nil {
			return 0, mapErr(err)
		}
		n, err = in.ReadContext(tctx, data)
	} else {
		var out *gousb.OutEndpoint
		if out, err = intf.OutEndpoint(int(ep.Number())); err != nil {
			return 0, mapErr(err)
		}
		n, err = out.WriteContext(tctx, data)
	}
	if err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return n, fmt.Errorf("ep %#02x: %w", ep.BEndpointAddress, usb.ErrTimeout)
		}
		return n, mapErr(err)
	}
	return n, nil
}

// SetAltSetting claims iface with alt; libusb issues SET_INTERFACE.
func (p *Peripheral) SetAltSetting(ctx context.Context, iface, alt uint8) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.ifaces[iface]; ok {
		c.intf.Close()
		delete(p.ifaces, iface)
	}
	intf, err := p.cfg.Interface(int(iface), int(alt))
	if err != nil {
		return fmt.Errorf("interface %d alt %d: %w", iface, alt, mapErr(err))
	}
	p.ifaces[iface] = &claimed{intf: intf, alt: alt}
	return nil
}

// interfaceFor returns the claimed interface whose current alternate
// setting owns addr, claiming alt 0 on first use.
func (p *Peripheral) interfaceFor(addr uint8) (*gousb.Interface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, iface := range interfaceNumbers(p.desc) {
		var alt uint8
		if c, ok := p.ifaces[iface]; ok {
			alt = c.alt
		}
		setting, ok := p.desc.AltSetting(iface, alt)
		if !ok {
			continue
		}
		for _, ep := range setting.Endpoints {
			if ep.BEndpointAddress != addr {
				continue
			}
			if c, ok := p.ifaces[iface]; ok {
				return c.intf, nil
			}
			intf, err := p.cfg.Interface(int(iface), 0)
			if err != nil {
				return nil, fmt.Errorf("claim interface %d: %w", iface, mapErr(err))
			}
			p.ifaces[iface] = &claimed{intf: intf}
			return intf, nil
		}
	}
	return nil, fmt.Errorf("endpoint %#02x not in an active setting: %w", addr, usb.ErrNoDevice)
}

func (p *Peripheral) Close() error {
	p.mu.Lock()
	for iface, c := range p.ifaces {
		c.intf.Close()
		delete(p.ifaces, iface)
	}
	p.mu.Unlock()
	return multierr.Combine(p.cfg.Close(), p.dev.Close())
}

func speed(s gousb.Speed) uint32 {
	switch s {
	case gousb.SpeedLow:
		return usb.SpeedLow
	case gousb.SpeedFull:
		return usb.SpeedFull
	case gousb.SpeedHigh:
		return usb.SpeedHigh
	case gousb.SpeedSuper:
		return usb.SpeedSuper
	}
	return usb.SpeedUnknown
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut):
		return fmt.Errorf("%w: %v", usb.ErrTimeout, err)
	case errors.Is(err, gousb.ErrorPipe), errors.Is(err, gousb.TransferStall):
		return fmt.Errorf("%w: %v", usb.ErrStall, err)
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.ErrorNotFound), errors.Is(err, gousb.TransferNoDevice):
		return fmt.Errorf("%w: %v", usb.ErrNoDevice, err)
	case errors.Is(err, gousb.ErrorOverflow), errors.Is(err, gousb.TransferOverflow):
		return fmt.Errorf("%w: %v", usb.ErrOverflow, err)
	case errors.Is(err, gousb.TransferCancelled), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", usb.ErrCancelled, err)
	}
	return fmt.Errorf("%w: %v", usb.ErrIO, err)
}
