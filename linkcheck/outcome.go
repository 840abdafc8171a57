package linkcheck

import (
	"errors"
	"fmt"
)

// Status classifies an Outcome.
type Status int

const (
	Success Status = iota
	ShortTransfer
	Mismatch
	Timeout
	IOError
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case ShortTransfer:
		return "short-transfer"
	case Mismatch:
		return "mismatch"
	case Timeout:
		return "timeout"
	case IOError:
		return "io-error"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Phase names the step an Outcome failed in.
type Phase string

const (
	PhaseWrite   Phase = "write"
	PhaseRead    Phase = "read"
	PhaseCompare Phase = "compare"
)

var (
	ErrShortTransfer  = errors.New("short transfer")
	ErrMismatch       = errors.New("payload mismatch")
	ErrTimeout        = errors.New("transfer timed out")
	ErrIO             = errors.New("transfer failed")
	ErrBufferTooSmall = errors.New("payload larger than scratch buffer")
	ErrTooLong        = errors.New("payload exceeds a control data stage")
)

// Outcome is the result of one validator run.
type Outcome struct {
	Status   Status
	Phase    Phase
	Expected int
	Actual   int
	// Offset of the first wrong byte, for Mismatch.
	Offset int
	// Cause is the transport error, if any.
	Cause error
}

func (o Outcome) OK() bool { return o.Status == Success }

// Err returns nil for a successful outcome and a typed error otherwise.
func (o Outcome) Err() error {
	switch o.Status {
	case Success:
		return nil
	case ShortTransfer:
		return &ShortTransferError{Phase: o.Phase, Expected: o.Expected, Actual: o.Actual}
	case Mismatch:
		return &MismatchError{Offset: o.Offset, Length: o.Expected}
	case Timeout:
		return &TimeoutError{Phase: o.Phase, Err: o.Cause}
	}
	return &IOFailure{Phase: o.Phase, Err: o.Cause}
}

func (o Outcome) String() string {
	if o.OK() {
		return fmt.Sprintf("success (%d bytes)", o.Actual)
	}
	return o.Err().Error()
}

// ShortTransferError reports a byte count other than the one requested.
type ShortTransferError struct {
	Phase    Phase
	Expected int
	Actual   int
}

func (e *ShortTransferError) Error() string {
	return fmt.Sprintf("ctrl %s: got %d bytes, expected %d", e.Phase, e.Actual, e.Expected)
}

func (e *ShortTransferError) Is(target error) bool { return target == ErrShortTransfer }

// MismatchError reports read-back data that differs from what was written.
type MismatchError struct {
	Offset int
	Length int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("read back %d bytes, first mismatch at offset %d", e.Length, e.Offset)
}

func (e *MismatchError) Is(target error) bool { return target == ErrMismatch }

// TimeoutError reports a transfer that did not complete within its bound.
type TimeoutError struct {
	Phase Phase
	Err   error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("ctrl %s timed out: %v", e.Phase, e.Err) }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Err }

// IOFailure reports any other transport failure, such as a stall.
type IOFailure struct {
	Phase Phase
	Err   error
}

func (e *IOFailure) Error() string { return fmt.Sprintf("ctrl %s failed: %v", e.Phase, e.Err) }

func (e *IOFailure) Is(target error) bool { return target == ErrIO }

func (e *IOFailure) Unwrap() error { return e.Err }
