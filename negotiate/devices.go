package negotiate

import (
	"errors"
	"fmt"

	"github.com/Alia5/usbtest/usb"
)

// DeviceInfo describes what a known test peripheral offers.
type DeviceInfo struct {
	Name string
	// VendorID and ProductID are zero for the generic entry.
	VendorID  uint16
	ProductID uint16
	// EpIn and EpOut are the fixed source/sink endpoint numbers used when
	// Autoconf is off.
	EpIn  uint8
	EpOut uint8
	// Autoconf selects endpoints by scanning alternate settings.
	Autoconf bool
	// CtrlOut means the peripheral implements the 0x5b/0x5c vendor
	// loopback requests on EP0.
	CtrlOut bool
	Iso     bool
	Intr    bool
}

var knownDevices = []DeviceInfo{
	{
		Name:      "Linux gadget zero",
		VendorID:  0x0525,
		ProductID: 0xa4a0,
		Autoconf:  true,
		CtrlOut:   true,
		Iso:       true,
		Intr:      true,
	},
}

// Generic is used for peripherals matched by vendor/product parameters
// rather than the known device table. Only control tests are available
// unless an alternate setting is forced.
var Generic = DeviceInfo{Name: "Generic USB device"}

// ErrUnknownDevice is returned by Match when a peripheral is neither in the
// device table nor matched by the generic parameters.
var ErrUnknownDevice = errors.New("peripheral not supported")

// MatchParams binds peripherals outside the device table. Vendor is
// required, Product is optional.
type MatchParams struct {
	Vendor  uint16
	Product uint16
}

// Lookup finds a peripheral in the device table.
func Lookup(vendor, product uint16) (DeviceInfo, bool) {
	for _, d := range knownDevices {
		if d.VendorID == vendor && d.ProductID == product {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

// Known returns a copy of the device table.
func Known() []DeviceInfo {
	return append([]DeviceInfo(nil), knownDevices...)
}

// Match returns the DeviceInfo for dev: the table entry if there is one,
// otherwise Generic when m matches.
func Match(dev usb.DeviceDescriptor, m MatchParams) (DeviceInfo, error) {
	if info, ok := Lookup(dev.IDVendor, dev.IDProduct); ok {
		return info, nil
	}
	if m.Vendor == 0 || dev.IDVendor != m.Vendor {
		return DeviceInfo{}, fmt.Errorf("%04x:%04x: %w", dev.IDVendor, dev.IDProduct, ErrUnknownDevice)
	}
	if m.Product != 0 && dev.IDProduct != m.Product {
		return DeviceInfo{}, fmt.Errorf("%04x:%04x: %w", dev.IDVendor, dev.IDProduct, ErrUnknownDevice)
	}
	info := Generic
	info.VendorID, info.ProductID = dev.IDVendor, dev.IDProduct
	return info, nil
}

// DefaultProfile is the profile implied by a device table entry.
func DefaultProfile(info DeviceInfo) Profile {
	return Profile{Bulk: true, Interrupt: info.Intr, Iso: info.Iso}
}

// Resolve picks the endpoint source for a peripheral. Low-speed devices and
// forceInterrupt use the fixed endpoints as interrupt pipes, autoconf
// devices and explicit alt overrides are scanned, and everything else uses
// the fixed endpoints as bulk pipes.
func Resolve(desc *usb.Descriptor, iface uint8, info DeviceInfo, p Profile, forceInterrupt bool) (SelectedSetting, error) {
	switch {
	case forceInterrupt || desc.Device.Speed == usb.SpeedLow:
		return Fixed(desc, iface, info.EpIn, info.EpOut, usb.Interrupt)
	case p.Alt != nil || info.Autoconf:
		return Select(desc, iface, p)
	default:
		return Fixed(desc, iface, info.EpIn, info.EpOut, usb.Bulk)
	}
}
