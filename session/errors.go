package session

import (
	"context"
	"errors"

	"github.com/Alia5/usbtest/linkcheck"
	"github.com/Alia5/usbtest/negotiate"
	"github.com/Alia5/usbtest/usb"
)

var (
	ErrBusy           = errors.New("session busy")
	ErrDetached       = errors.New("session not active")
	ErrDetachTimeout  = errors.New("detach timed out waiting for in-flight test")
	ErrUnsupported    = errors.New("test not supported by this peripheral")
	ErrInvalidRequest = errors.New("invalid test request")
	ErrNotFound       = errors.New("session not found")
)

// Status is the code reported to callers for a test or attach result.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusNoMatch        Status = "no-match"
	StatusNoDevice       Status = "no-device"
	StatusShortTransfer  Status = "short-transfer"
	StatusTimeout        Status = "timeout"
	StatusBusy           Status = "busy"
	StatusMismatch       Status = "mismatch"
	StatusIOError        Status = "io-error"
	StatusNotSupported   Status = "not-supported"
	StatusDetached       Status = "detached"
	StatusDetachTimeout  Status = "detach-timeout"
	StatusInvalidRequest Status = "invalid-request"
	StatusNotFound       Status = "not-found"
	StatusCancelled      Status = "cancelled"
)

// StatusOf maps err to exactly one Status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrBusy):
		return StatusBusy
	case errors.Is(err, ErrDetachTimeout):
		return StatusDetachTimeout
	case errors.Is(err, ErrDetached):
		return StatusDetached
	case errors.Is(err, ErrUnsupported):
		return StatusNotSupported
	case errors.Is(err, ErrInvalidRequest):
		return StatusInvalidRequest
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, negotiate.ErrNoMatch):
		return StatusNoMatch
	case errors.Is(err, negotiate.ErrUnknownDevice):
		return StatusNoDevice
	case errors.Is(err, linkcheck.ErrShortTransfer):
		return StatusShortTransfer
	case errors.Is(err, linkcheck.ErrMismatch):
		return StatusMismatch
	case errors.Is(err, linkcheck.ErrTimeout), errors.Is(err, usb.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, usb.ErrCancelled):
		return StatusCancelled
	}
	return StatusIOError
}
