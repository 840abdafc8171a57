// Package device holds what simulated peripherals share: creation options
// and the per-device context handed out by the virtual bus.
package device

import (
	"context"

	"github.com/Alia5/usbtest/usbip"
)

type contextKey int

const (
	ExportMetaKey contextKey = iota
)

// GetDeviceMeta extracts the device metadata from a device context.
// Returns nil if the context doesn't contain device metadata.
func GetDeviceMeta(ctx context.Context) *usbip.ExportMeta {
	if meta, ok := ctx.Value(ExportMetaKey).(*usbip.ExportMeta); ok {
		return meta
	}
	return nil
}

// CreateOptions customise a simulated peripheral. Nil fields keep the
// device defaults.
type CreateOptions struct {
	IdVendor  *uint16 `json:"idVendor,omitempty"`
	IdProduct *uint16 `json:"idProduct,omitempty"`
	// ShortControlWrite makes vendor OUT requests accept at most this many
	// bytes.
	ShortControlWrite *int `json:"shortControlWrite,omitempty"`
	// LatencyMs delays every transfer.
	LatencyMs *int `json:"latencyMs,omitempty"`
}
