// Package virtualbus manages USB bus topology and auto-assigns device addresses.
package virtualbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbip"
)

const basepath = "/sys/devices/platform/usbtest-hcd/usb"

var (
	ErrNotFound = errors.New("device not found on bus")
	ErrInUse    = errors.New("device already imported")
)

// VirtualBus holds the simulated peripherals exported under one bus number.
type VirtualBus struct {
	mutex           sync.Mutex
	busId           uint32
	allocatedDevIDs map[uint32]bool
	devices         []busDevice
}

// DeviceMeta exposes a registered device and its metadata for external queries.
type DeviceMeta struct {
	Dev      usb.Device
	Meta     usbip.ExportMeta
	Imported bool
}

// New creates an empty bus with the given bus number.
func New(busId uint32) *VirtualBus {
	return &VirtualBus{
		busId:           busId,
		allocatedDevIDs: make(map[uint32]bool),
	}
}

// Add registers dev under the lowest free device number. The returned
// context lives until the device is removed or the bus is closed; use
// device.GetDeviceMeta to read its export metadata.
func (vb *VirtualBus) Add(dev usb.Device) (context.Context, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()

	for _, d := range vb.devices {
		if d.dev == dev {
			return nil, fmt.Errorf("device already registered on this bus")
		}
	}
	var devID uint32
	for i := uint32(1); ; i++ {
		if !vb.allocatedDevIDs[i] {
			devID = i
			vb.allocatedDevIDs[i] = true
			break
		}
	}

	busDevID := fmt.Sprintf("%d-%d", vb.busId, devID)
	path := fmt.Sprintf("%s%d/%s", basepath, vb.busId, busDevID)

	var meta usbip.ExportMeta
	copy(meta.Path[:], path)
	copy(meta.USBBusId[:], busDevID)
	meta.BusId = vb.busId
	meta.DevId = devID

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, device.ExportMetaKey, &meta)

	vb.devices = append(vb.devices, busDevice{dev: dev, meta: meta, ctx: ctx, cancel: cancel})
	return ctx, nil
}

// GetAllDeviceMetas returns a copy of all registered devices with their export metadata.
func (vb *VirtualBus) GetAllDeviceMetas() []DeviceMeta {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]DeviceMeta, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, DeviceMeta{Dev: d.dev, Meta: d.meta, Imported: d.imported})
	}
	return out
}

// BusID returns the bus number for this VirtualBus.
func (vb *VirtualBus) BusID() uint32 {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	return vb.busId
}

// Devices returns all devices currently attached to this bus.
func (vb *VirtualBus) Devices() []usb.Device {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]usb.Device, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, d.dev)
	}
	return out
}

// Claim marks the device exported as busID ("1-2") as imported by a client.
// Only one client may hold a device at a time; release gives it back.
func (vb *VirtualBus) Claim(busID string) (DeviceMeta, context.Context, func(), error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i := range vb.devices {
		d := &vb.devices[i]
		if d.meta.BusIDString() != busID {
			continue
		}
		if d.imported {
			return DeviceMeta{}, nil, nil, fmt.Errorf("%s: %w", busID, ErrInUse)
		}
		d.imported = true
		dev := d.dev
		release := func() {
			vb.mutex.Lock()
			defer vb.mutex.Unlock()
			for j := range vb.devices {
				if vb.devices[j].dev == dev {
					vb.devices[j].imported = false
				}
			}
		}
		return DeviceMeta{Dev: d.dev, Meta: d.meta, Imported: true}, d.ctx, release, nil
	}
	return DeviceMeta{}, nil, nil, fmt.Errorf("%s: %w", busID, ErrNotFound)
}

// RemoveDeviceByID removes a device by its device number (e.g., "1").
func (vb *VirtualBus) RemoveDeviceByID(deviceID string) error {
	id, err := strconv.ParseUint(deviceID, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid device id %q: %w", deviceID, err)
	}
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i, d := range vb.devices {
		if d.meta.DevId == uint32(id) {
			vb.removeAt(i)
			return nil
		}
	}
	return fmt.Errorf("device %s on bus %d: %w", deviceID, vb.busId, ErrNotFound)
}

// Remove unregisters a device from the bus and cancels its context, which
// ends any URB stream serving it.
func (vb *VirtualBus) Remove(dev usb.Device) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i, d := range vb.devices {
		if d.dev == dev {
			vb.removeAt(i)
			return nil
		}
	}
	return ErrNotFound
}

func (vb *VirtualBus) removeAt(i int) {
	d := vb.devices[i]
	if d.cancel != nil {
		d.cancel()
	}
	delete(vb.allocatedDevIDs, d.meta.DevId)
	vb.devices = append(vb.devices[:i], vb.devices[i+1:]...)
}

// Close cancels the contexts of all devices and empties the bus.
func (vb *VirtualBus) Close() error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, d := range vb.devices {
		if d.cancel != nil {
			d.cancel()
		}
	}
	vb.devices = nil
	vb.allocatedDevIDs = make(map[uint32]bool)
	return nil
}

// GetDeviceContext returns the context for a specific device, or nil.
func (vb *VirtualBus) GetDeviceContext(dev usb.Device) context.Context {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i := range vb.devices {
		if vb.devices[i].dev == dev {
			return vb.devices[i].ctx
		}
	}
	return nil
}

type busDevice struct {
	dev      usb.Device
	meta     usbip.ExportMeta
	ctx      context.Context
	cancel   context.CancelFunc
	imported bool
}
