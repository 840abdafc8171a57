package usb

import "errors"

// Transfer failures reported by a Transport. Implementations wrap these so
// callers can classify with errors.Is.
var (
	ErrTimeout   = errors.New("usb: transfer timed out")
	ErrStall     = errors.New("usb: endpoint stalled")
	ErrNoDevice  = errors.New("usb: no such device")
	ErrOverflow  = errors.New("usb: babble or overflow")
	ErrCancelled = errors.New("usb: transfer cancelled")
	ErrIO        = errors.New("usb: i/o error")
	ErrClosed    = errors.New("usb: transport closed")
)
