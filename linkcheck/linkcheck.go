// Package linkcheck runs the EP0 round-trip self-test: a vendor OUT request
// writes a deterministic pattern into the peripheral and a vendor IN request
// reads it back into the same scratch buffer.
package linkcheck

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/Alia5/usbtest/usb"
)

// Vendor requests implemented by the test firmware on EP0.
const (
	RequestWrite uint8 = 0x5b
	RequestRead  uint8 = 0x5c
)

// DefaultTimeout bounds each control transfer of the self-test.
const DefaultTimeout = 5 * time.Second

// ControlChannel is the part of a transport the validator needs.
type ControlChannel interface {
	Control(ctx context.Context, setup usb.SetupPacket, data []byte, timeout time.Duration) (int, error)
}

// Fill writes the test pattern (i % 63) into b.
func Fill(b []byte) {
	for i := range b {
		b[i] = byte(i % 63)
	}
}

// CheckPattern returns the offset of the first byte of b that breaks the
// pattern, or -1.
func CheckPattern(b []byte) int {
	for i, v := range b {
		if v != byte(i%63) {
			return i
		}
	}
	return -1
}

// Verify writes n pattern bytes and reads n bytes back through scratch.
// Only byte counts are checked. A failed transfer is never retried.
func Verify(ctx context.Context, ch ControlChannel, scratch []byte, n int, timeout time.Duration) Outcome {
	if n > len(scratch) || n < 0 {
		return Outcome{Status: IOError, Phase: PhaseWrite, Expected: n, Cause: ErrBufferTooSmall}
	}
	if n > math.MaxUint16 {
		return Outcome{Status: IOError, Phase: PhaseWrite, Expected: n, Cause: ErrTooLong}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	buf := scratch[:n]

	Fill(buf)
	wrote, err := ch.Control(ctx, usb.SetupPacket{
		RequestType: usb.RequestDirOut | usb.RequestVendor | usb.RecipientDevice,
		Request:     RequestWrite,
		Length:      uint16(n),
	}, buf, timeout)
	if o := Classify(PhaseWrite, n, wrote, err); !o.OK() {
		return o
	}

	read, err := ch.Control(ctx, usb.SetupPacket{
		RequestType: usb.RequestDirIn | usb.RequestVendor | usb.RecipientDevice,
		Request:     RequestRead,
		Length:      uint16(n),
	}, buf, timeout)
	if o := Classify(PhaseRead, n, read, err); !o.OK() {
		return o
	}
	return Outcome{Status: Success, Expected: n, Actual: read}
}

// VerifyPayload runs Verify and then compares what came back with the
// pattern that was written.
func VerifyPayload(ctx context.Context, ch ControlChannel, scratch []byte, n int, timeout time.Duration) Outcome {
	o := Verify(ctx, ch, scratch, n, timeout)
	if !o.OK() {
		return o
	}
	if off := CheckPattern(scratch[:n]); off >= 0 {
		return Outcome{Status: Mismatch, Phase: PhaseCompare, Expected: n, Actual: n, Offset: off}
	}
	return o
}

// Classify turns the result of one transfer into an Outcome.
func Classify(phase Phase, expected, actual int, err error) Outcome {
	o := Outcome{Phase: phase, Expected: expected, Actual: actual, Cause: err}
	switch {
	case err == nil && actual == expected:
		o.Status = Success
		o.Phase = ""
	case err == nil:
		o.Status = ShortTransfer
	case errors.Is(err, usb.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		o.Status = Timeout
	default:
		o.Status = IOError
	}
	return o
}
