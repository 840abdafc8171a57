package negotiate

import (
	"fmt"
	"strconv"
)

// ProfileConfig is the configurable form of a Profile override and of the
// generic vendor/product match.
type ProfileConfig struct {
	WantBulk       bool   `help:"Record bulk endpoints" default:"true" env:"USBTEST_PROFILE_WANT_BULK"`
	WantInterrupt  bool   `help:"Look for interrupt endpoints" env:"USBTEST_PROFILE_WANT_INTERRUPT"`
	WantIso        bool   `help:"Look for isochronous endpoints" env:"USBTEST_PROFILE_WANT_ISO"`
	Alt            int    `help:"Alternate setting to use; -1 scans all of them" default:"-1" env:"USBTEST_PROFILE_ALT"`
	ForceInterrupt bool   `help:"Test bulk endpoints as interrupt ones (low-speed devices)" env:"USBTEST_PROFILE_FORCE_INTERRUPT"`
	Vendor         string `help:"Vendor ID of a device missing from the device table, e.g. 0x0525" env:"USBTEST_PROFILE_VENDOR"`
	Product        string `help:"Product ID of a device missing from the device table" env:"USBTEST_PROFILE_PRODUCT"`
}

// Profile returns the override the config asks for, or nil when the device
// table profile should be used.
func (c ProfileConfig) Profile() (*Profile, error) {
	if c.Alt > 0xff {
		return nil, fmt.Errorf("alt %d out of range", c.Alt)
	}
	if c.Alt < 0 && !c.WantInterrupt && !c.WantIso {
		return nil, nil
	}
	p := &Profile{Bulk: c.WantBulk, Interrupt: c.WantInterrupt, Iso: c.WantIso}
	if c.Alt >= 0 {
		alt := uint8(c.Alt)
		p.Alt = &alt
	}
	return p, nil
}

// MatchParams parses Vendor and Product. Both accept decimal or 0x hex.
func (c ProfileConfig) MatchParams() (MatchParams, error) {
	var m MatchParams
	var err error
	if m.Vendor, err = parseID(c.Vendor); err != nil {
		return MatchParams{}, fmt.Errorf("vendor: %w", err)
	}
	if m.Product, err = parseID(c.Product); err != nil {
		return MatchParams{}, fmt.Errorf("product: %w", err)
	}
	return m, nil
}

func parseID(s string) (uint16, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
