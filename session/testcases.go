package session

import (
	"context"
	"fmt"

	"github.com/Alia5/usbtest/linkcheck"
	"github.com/Alia5/usbtest/negotiate"
)

const (
	// MaxSGLen caps the number of entries in a scatter-gather test.
	MaxSGLen = 128
	// MaxLength caps the per-transfer length of data tests.
	MaxLength = 1 << 20
)

type testCase struct {
	name string
	run  func(ctx context.Context, s *Session, req Request) error
}

var testCases = map[int]testCase{
	0:  {"nop", func(context.Context, *Session, Request) error { return nil }},
	1:  {"bulk write", simple(negotiate.SlotBulkOut, false)},
	2:  {"bulk read", simple(negotiate.SlotBulkIn, false)},
	3:  {"bulk write, vary", simple(negotiate.SlotBulkOut, true)},
	4:  {"bulk read, vary", simple(negotiate.SlotBulkIn, true)},
	5:  {"bulk write, sglist", scatterGather(negotiate.SlotBulkOut)},
	6:  {"bulk read, sglist", scatterGather(negotiate.SlotBulkIn)},
	9:  {"ep0 self-test", selfTest},
	14: {"ctrl loopback", ctrlLoopback},
	15: {"iso write", simple(negotiate.SlotIsoOut, false)},
	16: {"iso read", simple(negotiate.SlotIsoIn, false)},
	25: {"int write", simple(negotiate.SlotIntOut, false)},
	26: {"int read", simple(negotiate.SlotIntIn, false)},
}

// CaseName returns the name of test case n, or "" if there is none.
func CaseName(n int) string { return testCases[n].name }

// resources returns the pipes and scratch buffer. Callers hold the guard.
func (s *Session) resources() (negotiate.PipeSet, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipes, s.scratch
}

func (s *Session) pipe(slot negotiate.Slot) (negotiate.Pipe, error) {
	pipes, _ := s.resources()
	p := pipes.Get(slot)
	if !p.Valid {
		return p, fmt.Errorf("%w: no %s pipe", ErrUnsupported, slot)
	}
	return p, nil
}

func checkLength(req Request, wantVary bool) error {
	switch {
	case req.Length <= 0 || req.Length > MaxLength:
		return fmt.Errorf("%w: length %d out of range", ErrInvalidRequest, req.Length)
	case req.Vary < 0:
		return fmt.Errorf("%w: negative vary", ErrInvalidRequest)
	case wantVary && req.Vary == 0:
		return fmt.Errorf("%w: vary must be non-zero", ErrInvalidRequest)
	}
	return nil
}

// nextLength steps size by vary, wrapping within 1..limit.
func nextLength(size, vary, limit int) int {
	size = (size + vary) % limit
	if size == 0 {
		size = min(vary, limit)
	}
	return size
}

// transferOnce moves buf over p. OUT data carries the pattern, IN data is
// checked against it.
func (s *Session) transferOnce(ctx context.Context, p negotiate.Pipe, buf []byte) error {
	in := p.Endpoint.IsIn()
	phase := linkcheck.PhaseWrite
	if in {
		phase = linkcheck.PhaseRead
		clear(buf)
	} else {
		linkcheck.Fill(buf)
	}
	n, err := s.dev.Transfer(ctx, p.Endpoint, buf, s.cfg.TransferTimeout)
	if o := linkcheck.Classify(phase, len(buf), n, err); !o.OK() {
		return o.Err()
	}
	if in {
		if off := linkcheck.CheckPattern(buf); off >= 0 {
			return &linkcheck.MismatchError{Offset: off, Length: len(buf)}
		}
	}
	return nil
}

func simple(slot negotiate.Slot, wantVary bool) func(context.Context, *Session, Request) error {
	return func(ctx context.Context, s *Session, req Request) error {
		if err := checkLength(req, wantVary); err != nil {
			return err
		}
		p, err := s.pipe(slot)
		if err != nil {
			return err
		}
		buf := make([]byte, req.Length)
		size := req.Length
		for i := 0; i < req.Iterations; i++ {
			if err := s.transferOnce(ctx, p, buf[:size]); err != nil {
				return fmt.Errorf("iteration %d, len %d: %w", i, size, err)
			}
			if req.Vary != 0 {
				size = nextLength(size, req.Vary, req.Length)
			}
		}
		return nil
	}
}

func scatterGather(slot negotiate.Slot) func(context.Context, *Session, Request) error {
	return func(ctx context.Context, s *Session, req Request) error {
		if err := checkLength(req, false); err != nil {
			return err
		}
		if req.SGLen <= 0 || req.SGLen > MaxSGLen {
			return fmt.Errorf("%w: sglen %d not in 1..%d", ErrInvalidRequest, req.SGLen, MaxSGLen)
		}
		p, err := s.pipe(slot)
		if err != nil {
			return err
		}
		buf := make([]byte, req.Length)
		for i := 0; i < req.Iterations; i++ {
			size := req.Length
			for e := 0; e < req.SGLen; e++ {
				if err := s.transferOnce(ctx, p, buf[:size]); err != nil {
					return fmt.Errorf("iteration %d, entry %d: %w", i, e, err)
				}
				if req.Vary != 0 {
					size = nextLength(size, req.Vary, req.Length)
				}
			}
		}
		return nil
	}
}

// selfTest repeats the attach-time EP0 check. The degraded flag follows the
// last result.
func selfTest(ctx context.Context, s *Session, req Request) error {
	_, scratch := s.resources()
	var o linkcheck.Outcome
	i := 0
	for ; i < req.Iterations; i++ {
		if o = linkcheck.Verify(ctx, s.dev, scratch, s.cfg.PayloadLength, s.cfg.ControlTimeout); !o.OK() {
			break
		}
	}
	s.mu.Lock()
	s.lastSelfTest = o
	s.degraded = !o.OK()
	s.mu.Unlock()
	if !o.OK() {
		return fmt.Errorf("iteration %d: %w", i, o.Err())
	}
	return nil
}

// ctrlLoopback writes and reads back through EP0, comparing payloads. The
// length grows by vary each iteration and wraps to 1 past req.Length.
func ctrlLoopback(ctx context.Context, s *Session, req Request) error {
	if !s.info.CtrlOut {
		return fmt.Errorf("%w: peripheral has no control loopback", ErrUnsupported)
	}
	_, scratch := s.resources()
	switch {
	case req.Length <= 0 || req.Length > len(scratch):
		return fmt.Errorf("%w: length %d not in 1..%d", ErrInvalidRequest, req.Length, len(scratch))
	case req.Vary < 0 || (req.Vary > 0 && req.Vary >= req.Length):
		return fmt.Errorf("%w: vary %d must be below length %d", ErrInvalidRequest, req.Vary, req.Length)
	}
	size := req.Length
	for i := 0; i < req.Iterations; i++ {
		o := linkcheck.VerifyPayload(ctx, s.dev, scratch, size, s.cfg.ControlTimeout)
		if !o.OK() {
			return fmt.Errorf("iteration %d, len %d: %w", i, size, o.Err())
		}
		size += req.Vary
		if size > req.Length {
			size = 1
		}
	}
	return nil
}
