//go:build !cgo

package hostusb

import (
	"context"
	"log/slog"

	"github.com/Alia5/usbtest/internal/peripheral"
	"github.com/Alia5/usbtest/usb"
)

// Host is unusable in this build.
type Host struct{}

func New(*slog.Logger) (*Host, error) { return nil, ErrUnavailable }

func (*Host) List(context.Context) ([]peripheral.Info, error) { return nil, ErrUnavailable }

func (*Host) Open(context.Context, string) (usb.Peripheral, error) { return nil, ErrUnavailable }

func (*Host) Close() error { return nil }
