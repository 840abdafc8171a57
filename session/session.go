// Package session owns the lifetime of one attached peripheral: endpoint
// negotiation at attach, serialized test runs while active, and a detach
// that never frees the scratch buffer under a running test.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"github.com/Alia5/usbtest/linkcheck"
	"github.com/Alia5/usbtest/negotiate"
	"github.com/Alia5/usbtest/usb"
)

// GuardByte is written over the scratch buffer when it is released.
const GuardByte = 0xA5

// State is the lifecycle state of a Session.
type State int

const (
	StateDetached State = iota
	StateAttaching
	StateActive
	StateDetaching
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateAttaching:
		return "attaching"
	case StateActive:
		return "active"
	case StateDetaching:
		return "detaching"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options control how Attach binds a peripheral.
type Options struct {
	// ID names the session in logs. Manager fills it in.
	ID string
	// Peripheral is the id the device was opened by, reported in Info.
	Peripheral string
	Interface  uint8
	// Profile overrides the profile implied by the device table.
	Profile        *negotiate.Profile
	ForceInterrupt bool
	Match          negotiate.MatchParams
	Config         Config
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Session is one attached peripheral.
type Session struct {
	id         string
	peripheral string
	dev        usb.Transport
	desc       *usb.Descriptor
	info       negotiate.DeviceInfo
	setting    negotiate.SelectedSetting
	cfg        Config
	logger     *slog.Logger
	clock      clock.Clock
	created    time.Time

	// guard serializes test runs and detach. Its waiters are FIFO.
	guard *semaphore.Weighted

	mu           sync.Mutex
	state        State
	degraded     bool
	lastSelfTest linkcheck.Outcome
	runs         int
	pipes        negotiate.PipeSet
	scratch      []byte
	released     chan struct{}
	releaseOnce  sync.Once
}

// Attach negotiates pipes on dev and runs the EP0 self-test. On error no
// session exists and nothing needs to be released; dev stays open and is
// the caller's to close.
func Attach(ctx context.Context, dev usb.Transport, desc *usb.Descriptor, opts Options, logger *slog.Logger) (*Session, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if desc == nil {
		return nil, fmt.Errorf("%w: peripheral has no descriptors", ErrInvalidRequest)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger = logger.With("session", opts.ID)

	info, err := negotiate.Match(desc.Device, opts.Match)
	if err != nil {
		return nil, err
	}
	profile := negotiate.DefaultProfile(info)
	if opts.Profile != nil {
		profile = *opts.Profile
	}

	setting, err := negotiate.Resolve(desc, opts.Interface, info, profile, opts.ForceInterrupt)
	if err != nil {
		logger.Warn("couldn't get endpoints", "error", err)
		return nil, err
	}
	if setting.NeedsActivation() {
		logger.Debug("set_interface", "interface", setting.Interface, "alt", setting.Alt)
		if err := dev.SetAltSetting(ctx, setting.Interface, setting.Alt); err != nil {
			return nil, fmt.Errorf("set interface %d alt %d: %w", setting.Interface, setting.Alt, err)
		}
	}

	s := &Session{
		id:         opts.ID,
		peripheral: opts.Peripheral,
		dev:        dev,
		desc:       desc,
		info:       info,
		setting:    setting,
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		created:    clk.Now(),
		guard:      semaphore.NewWeighted(1),
		state:      StateAttaching,
		pipes:      negotiate.Bind(setting),
		scratch:    make([]byte, cfg.ScratchSize),
		released:   make(chan struct{}),
	}
	logger.Info(info.Name)
	logger.Info(negotiate.Summary(desc.Device.Speed, info.CtrlOut, s.pipes, setting.Scanned))

	o := linkcheck.Verify(ctx, dev, s.scratch, cfg.PayloadLength, cfg.ControlTimeout)
	s.lastSelfTest = o
	if !o.OK() {
		if cfg.StrictSelfTest {
			s.release()
			return nil, fmt.Errorf("attach self-test: %w", o.Err())
		}
		s.degraded = true
		logger.Error("ctrl_out self-test failed", "status", o.Status, "phase", o.Phase,
			"expected", o.Expected, "actual", o.Actual, "error", o.Cause)
	}

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Released is closed once the scratch buffer and pipes have been released.
func (s *Session) Released() <-chan struct{} { return s.released }

// Info is a point-in-time view of a session.
type Info struct {
	ID           string
	Peripheral   string
	State        State
	Degraded     bool
	Device       negotiate.DeviceInfo
	VendorID     uint16
	ProductID    uint16
	Speed        uint32
	Interface    uint8
	Alt          uint8
	Pipes        negotiate.PipeSet
	Summary      string
	LastSelfTest linkcheck.Outcome
	Runs         int
	Created      time.Time
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		Peripheral:   s.peripheral,
		State:        s.state,
		Degraded:     s.degraded,
		Device:       s.info,
		VendorID:     s.desc.Device.IDVendor,
		ProductID:    s.desc.Device.IDProduct,
		Speed:        s.desc.Device.Speed,
		Interface:    s.setting.Interface,
		Alt:          s.setting.Alt,
		Pipes:        s.pipes,
		Summary:      negotiate.Summary(s.desc.Device.Speed, s.info.CtrlOut, negotiate.Bind(s.setting), s.setting.Scanned),
		LastSelfTest: s.lastSelfTest,
		Runs:         s.runs,
		Created:      s.created,
	}
}

// Request is one test invocation.
type Request struct {
	Test       int
	Iterations int
	Length     int
	Vary       int
	SGLen      int
	// NoWait fails the request with ErrBusy instead of queueing behind a
	// running test.
	NoWait bool
}

// Result is what Run reports for a test invocation.
type Result struct {
	Test     int
	Name     string
	Status   Status
	Duration time.Duration
}

// Run executes one test case. Runs on the same session never overlap: a
// second caller waits for the first, or gets ErrBusy when the session is
// configured non-blocking.
func (s *Session) Run(ctx context.Context, req Request) (Result, error) {
	res := Result{Test: req.Test}
	fail := func(err error) (Result, error) {
		res.Status = StatusOf(err)
		return res, err
	}

	tc, ok := testCases[req.Test]
	if !ok {
		return fail(fmt.Errorf("%w: unknown test %d", ErrInvalidRequest, req.Test))
	}
	res.Name = tc.name
	if req.Iterations <= 0 {
		return fail(fmt.Errorf("%w: iterations must be positive", ErrInvalidRequest))
	}
	if s.State() != StateActive {
		return fail(ErrDetached)
	}

	if s.cfg.NonBlocking || req.NoWait {
		if !s.guard.TryAcquire(1) {
			return fail(ErrBusy)
		}
	} else if err := s.guard.Acquire(ctx, 1); err != nil {
		return fail(err)
	}
	defer s.guard.Release(1)

	// detach may have started while this run was queued
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return fail(ErrDetached)
	}
	s.runs++
	s.mu.Unlock()

	s.logger.Debug("test start", "test", req.Test, "name", tc.name, "iterations", req.Iterations,
		"length", req.Length, "vary", req.Vary, "sglen", req.SGLen)
	start := s.clock.Now()
	err := tc.run(ctx, s, req)
	res.Duration = s.clock.Since(start)
	res.Status = StatusOf(err)
	if err != nil {
		s.logger.Warn("test failed", "test", req.Test, "status", res.Status, "error", err)
		return res, fmt.Errorf("test %d (%s): %w", req.Test, tc.name, err)
	}
	s.logger.Debug("test done", "test", req.Test, "duration", res.Duration)
	return res, nil
}

// Detach stops the session. New runs are refused at once. Detach then
// waits up to Config.DetachTimeout for an in-flight run to return before
// releasing the scratch buffer and pipes. If the wait is cut short,
// ErrDetachTimeout is returned and the release happens when the in-flight
// run returns.
func (s *Session) Detach(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateActive {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrDetached, st)
	}
	s.state = StateDetaching
	s.mu.Unlock()
	s.logger.Debug("detaching")

	wctx, cancel := s.clock.WithTimeout(ctx, s.cfg.DetachTimeout)
	defer cancel()
	if err := s.guard.Acquire(wctx, 1); err != nil {
		go func() {
			_ = s.guard.Acquire(context.Background(), 1)
			s.release()
			s.guard.Release(1)
		}()
		s.logger.Warn("detach gave up waiting for in-flight test; release deferred", "cap", s.cfg.DetachTimeout)
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %w", ErrDetachTimeout, err)
		}
		return fmt.Errorf("%w after %s", ErrDetachTimeout, s.cfg.DetachTimeout)
	}
	s.release()
	s.guard.Release(1)
	return nil
}

// release poisons and drops the scratch buffer. The guard must be held, or
// the session must never have become visible.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		for i := range s.scratch {
			s.scratch[i] = GuardByte
		}
		s.scratch = nil
		s.pipes = negotiate.PipeSet{}
		s.state = StateDetached
		s.mu.Unlock()
		close(s.released)
		s.logger.Debug("released")
	})
}
