package api

import (
	"slices"
	"strings"
	"sync"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/usb"
)

// GadgetFactory builds a fresh simulated peripheral. A nil o means defaults.
type GadgetFactory func(o *device.CreateOptions) (usb.Device, error)

// GadgetType is one entry of the catalog that gadget/add and the server's
// startup gadgets are created from.
type GadgetType struct {
	Name    string
	Summary string
	New     GadgetFactory
}

var (
	catalogMu sync.RWMutex
	catalog   = map[string]GadgetType{}
)

// RegisterGadget adds t to the catalog under its lowercased name, replacing
// an earlier entry. Gadget packages call it from init.
func RegisterGadget(t GadgetType) {
	t.Name = strings.ToLower(t.Name)
	catalogMu.Lock()
	defer catalogMu.Unlock()
	catalog[t.Name] = t
}

// LookupGadget finds a gadget type by case-insensitive name.
func LookupGadget(name string) (GadgetType, bool) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	t, ok := catalog[strings.ToLower(name)]
	return t, ok
}

// GadgetTypes returns the catalog sorted by name.
func GadgetTypes() []GadgetType {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	out := make([]GadgetType, 0, len(catalog))
	for _, t := range catalog {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b GadgetType) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// GadgetNames is the comma-separated list of registered names, for
// error messages.
func GadgetNames() string {
	types := GadgetTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.Name
	}
	return strings.Join(names, ", ")
}
