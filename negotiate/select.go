// Package negotiate picks the alternate setting of a peripheral interface
// that satisfies a capability profile and binds its endpoints to pipes.
//
// Nothing in this package performs I/O: Select and Fixed only inspect a
// usb.Descriptor, and activating a non-zero alternate setting is left to
// the caller.
package negotiate

import (
	"errors"
	"fmt"

	"github.com/Alia5/usbtest/usb"
)

// Profile is the set of endpoint classes a caller asks for.
type Profile struct {
	// Bulk is advisory. Bulk endpoints are recorded whether or not it is set.
	Bulk      bool
	Interrupt bool
	Iso       bool
	// Alt restricts the scan to one alternate setting. Nil scans all of them.
	Alt *uint8
}

// Slot names one of the six pipe positions.
type Slot int

const (
	SlotBulkIn Slot = iota
	SlotBulkOut
	SlotIsoIn
	SlotIsoOut
	SlotIntIn
	SlotIntOut
	numSlots
)

var slotNames = [numSlots]string{"bulk-in", "bulk-out", "iso-in", "iso-out", "int-in", "int-out"}

func (s Slot) String() string {
	if s < 0 || s >= numSlots {
		return fmt.Sprintf("slot(%d)", int(s))
	}
	return slotNames[s]
}

// ErrNoMatch is matched by every *NoMatchError.
var ErrNoMatch = errors.New("no alternate setting satisfies the profile")

// NoMatchError reports a failed selection.
type NoMatchError struct {
	Interface uint8
	Profile   Profile
	// Scanned is the number of alternate settings inspected.
	Scanned int
}

func (e *NoMatchError) Error() string {
	if e.Profile.Alt != nil {
		return fmt.Sprintf("interface %d: alt %d has no usable endpoints", e.Interface, *e.Profile.Alt)
	}
	return fmt.Sprintf("interface %d: none of %d alt settings offers bulk-in/out, iso or int endpoints", e.Interface, e.Scanned)
}

func (e *NoMatchError) Is(target error) bool { return target == ErrNoMatch }

// SelectedSetting is the result of a scan: the chosen alternate setting and
// the first endpoint found for each slot inside it.
type SelectedSetting struct {
	Interface uint8
	Alt       uint8
	// Scanned is set when the setting came from an alt-setting scan rather
	// than a fixed endpoint table.
	Scanned bool

	endpoints [numSlots]usb.EndpointDescriptor
	found     [numSlots]bool
}

// NeedsActivation reports whether SET_INTERFACE must be issued before the
// endpoints are usable.
func (s SelectedSetting) NeedsActivation() bool { return s.Alt != 0 }

// Endpoint returns the endpoint recorded for slot.
func (s SelectedSetting) Endpoint(slot Slot) (usb.EndpointDescriptor, bool) {
	if slot < 0 || slot >= numSlots {
		return usb.EndpointDescriptor{}, false
	}
	return s.endpoints[slot], s.found[slot]
}

// claim records ep in slot unless an earlier endpoint already holds it.
func (s *SelectedSetting) claim(slot Slot, ep usb.EndpointDescriptor) {
	if s.found[slot] {
		return
	}
	s.endpoints[slot] = ep
	s.found[slot] = true
}

func (s SelectedSetting) empty() bool {
	for _, f := range s.found {
		if f {
			return false
		}
	}
	return true
}

// qualifies: a complete bulk pair, or any iso or interrupt endpoint.
func (s SelectedSetting) qualifies() bool {
	if s.found[SlotBulkIn] && s.found[SlotBulkOut] {
		return true
	}
	return s.found[SlotIsoIn] || s.found[SlotIsoOut] || s.found[SlotIntIn] || s.found[SlotIntOut]
}

// classify maps an endpoint to its slot under profile p.
func classify(ep usb.EndpointDescriptor, p Profile) (Slot, bool) {
	in := ep.IsIn()
	pick := func(inSlot, outSlot Slot) Slot {
		if in {
			return inSlot
		}
		return outSlot
	}
	switch ep.TransferType() {
	case usb.Bulk:
		return pick(SlotBulkIn, SlotBulkOut), true
	case usb.Interrupt:
		if p.Interrupt {
			return pick(SlotIntIn, SlotIntOut), true
		}
	case usb.Isochronous:
		if p.Iso {
			return pick(SlotIsoIn, SlotIsoOut), true
		}
	}
	return 0, false
}

func scanSetting(alt usb.InterfaceConfig, p Profile) SelectedSetting {
	s := SelectedSetting{
		Interface: alt.Descriptor.BInterfaceNumber,
		Alt:       alt.Alt(),
		Scanned:   true,
	}
	for _, ep := range alt.Endpoints {
		if slot, ok := classify(ep, p); ok {
			s.claim(slot, ep)
		}
	}
	return s
}

// Select scans the alternate settings of iface in ascending order and
// returns the first one that qualifies under p. With p.Alt set only that
// setting is considered, and it is returned as long as it has at least one
// usable endpoint.
func Select(desc *usb.Descriptor, iface uint8, p Profile) (SelectedSetting, error) {
	scanned := 0
	for _, alt := range desc.AltSettings(iface) {
		if p.Alt != nil && alt.Alt() != *p.Alt {
			continue
		}
		scanned++
		s := scanSetting(alt, p)
		if p.Alt != nil {
			if s.empty() {
				break
			}
			return s, nil
		}
		if s.qualifies() {
			return s, nil
		}
	}
	return SelectedSetting{}, &NoMatchError{Interface: iface, Profile: p, Scanned: scanned}
}

// Fixed binds the explicitly numbered endpoints in and out of alternate
// setting 0 as transfer type t. Endpoint numbers of 0 are skipped, as are
// numbers that alternate setting 0 does not declare.
func Fixed(desc *usb.Descriptor, iface uint8, in, out uint8, t usb.TransferType) (SelectedSetting, error) {
	alt0, ok := desc.AltSetting(iface, 0)
	if !ok {
		return SelectedSetting{}, &NoMatchError{Interface: iface}
	}
	var inSlot, outSlot Slot
	switch t {
	case usb.Bulk:
		inSlot, outSlot = SlotBulkIn, SlotBulkOut
	case usb.Interrupt:
		inSlot, outSlot = SlotIntIn, SlotIntOut
	default:
		return SelectedSetting{}, fmt.Errorf("fixed %s pipes are not supported", t)
	}

	s := SelectedSetting{Interface: iface}
	for _, ep := range alt0.Endpoints {
		switch {
		case in != 0 && ep.IsIn() && ep.Number() == in:
			s.claim(inSlot, ep)
		case out != 0 && !ep.IsIn() && ep.Number() == out:
			s.claim(outSlot, ep)
		}
	}
	return s, nil
}
