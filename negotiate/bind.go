package negotiate

import (
	"strings"

	"github.com/Alia5/usbtest/usb"
)

// Pipe is a host-side handle bound to exactly one endpoint of the selected
// alternate setting. The zero Pipe is absent.
type Pipe struct {
	Endpoint  usb.EndpointDescriptor
	Type      usb.TransferType
	Interface uint8
	Alt       uint8
	Valid     bool
}

// Address returns the endpoint address including the direction bit.
func (p Pipe) Address() uint8 { return p.Endpoint.BEndpointAddress }

func (p Pipe) String() string {
	if !p.Valid {
		return "none"
	}
	return p.Endpoint.String()
}

// PipeSet holds the six optional pipe slots. It is comparable with ==.
type PipeSet struct {
	BulkIn  Pipe
	BulkOut Pipe
	IsoIn   Pipe
	IsoOut  Pipe
	IntIn   Pipe
	IntOut  Pipe
}

// Get returns the pipe in slot.
func (ps PipeSet) Get(slot Slot) Pipe {
	switch slot {
	case SlotBulkIn:
		return ps.BulkIn
	case SlotBulkOut:
		return ps.BulkOut
	case SlotIsoIn:
		return ps.IsoIn
	case SlotIsoOut:
		return ps.IsoOut
	case SlotIntIn:
		return ps.IntIn
	case SlotIntOut:
		return ps.IntOut
	}
	return Pipe{}
}

func (ps *PipeSet) slot(s Slot) *Pipe {
	switch s {
	case SlotBulkIn:
		return &ps.BulkIn
	case SlotBulkOut:
		return &ps.BulkOut
	case SlotIsoIn:
		return &ps.IsoIn
	case SlotIsoOut:
		return &ps.IsoOut
	case SlotIntIn:
		return &ps.IntIn
	case SlotIntOut:
		return &ps.IntOut
	}
	return nil
}

func slotType(s Slot) usb.TransferType {
	switch s {
	case SlotIsoIn, SlotIsoOut:
		return usb.Isochronous
	case SlotIntIn, SlotIntOut:
		return usb.Interrupt
	}
	return usb.Bulk
}

// Bind turns the endpoints recorded in s into pipes. Slots without an
// endpoint stay empty.
func Bind(s SelectedSetting) PipeSet {
	var ps PipeSet
	for slot := Slot(0); slot < numSlots; slot++ {
		ep, ok := s.Endpoint(slot)
		if !ok {
			continue
		}
		*ps.slot(slot) = Pipe{
			Endpoint:  ep,
			Type:      slotType(slot),
			Interface: s.Interface,
			Alt:       s.Alt,
			Valid:     true,
		}
	}
	return ps
}

// Summary renders the capability line logged at attach, e.g.
// "high-speed {control in/out bulk-in bulk-out} tests (+alt)".
func Summary(speed uint32, ctrlOut bool, ps PipeSet, altScan bool) string {
	var b strings.Builder
	b.WriteString(usb.SpeedString(speed))
	b.WriteString(" {control")
	if ctrlOut {
		b.WriteString(" in/out")
	}
	for slot := Slot(0); slot < numSlots; slot++ {
		if ps.Get(slot).Valid {
			b.WriteString(" ")
			b.WriteString(slot.String())
		}
	}
	b.WriteString("} tests")
	if altScan {
		b.WriteString(" (+alt)")
	}
	return b.String()
}
