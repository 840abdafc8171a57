// Package hostusb attaches sessions to peripherals on the local machine
// through libusb. It needs cgo; without it New reports ErrUnavailable.
package hostusb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Alia5/usbtest/usb"
)

// ErrUnavailable is returned by New in builds without libusb.
var ErrUnavailable = errors.New("hostusb: built without libusb support (cgo disabled)")

// DefaultControlTimeout bounds enumeration and SET_INTERFACE requests.
const DefaultControlTimeout = 5 * time.Second

// portID formats a bus number and port path the way USB/IP names busids,
// e.g. bus 1, path [2 3] is "1-2.3".
func portID(bus int, path []int) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("%d-%s", bus, strings.Join(parts, "."))
}

// controlFunc issues one control transfer. (*gousb.Device).Control has this
// shape; libusb takes wLength from len(data).
type controlFunc func(rType, request uint8, val, idx uint16, data []byte) (int, error)

// control runs setup through do. The data stage always spans the whole
// buffer, matching the USB/IP transport, so setup.Length is not consulted.
func control(ctx context.Context, do controlFunc, setup usb.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(data) > math.MaxUint16 {
		return 0, fmt.Errorf("control %s: %d byte data stage: %w", setup, len(data), usb.ErrOverflow)
	}
	return do(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
}

// interfaceNumbers lists the distinct bInterfaceNumber values of d in
// ascending order. Numbers need not be contiguous.
func interfaceNumbers(d *usb.Descriptor) []uint8 {
	var out []uint8
	for _, c := range d.Interfaces {
		if !slices.Contains(out, c.Descriptor.BInterfaceNumber) {
			out = append(out, c.Descriptor.BInterfaceNumber)
		}
	}
	slices.Sort(out)
	return out
}
