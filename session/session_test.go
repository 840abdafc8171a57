package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/linkcheck"
	"github.com/Alia5/usbtest/negotiate"
	"github.com/Alia5/usbtest/session"
	"github.com/Alia5/usbtest/usb"
)

var (
	epBulkIn  = usb.EndpointDescriptor{BEndpointAddress: 0x81, BMAttributes: 0x02, WMaxPacketSize: 512}
	epBulkOut = usb.EndpointDescriptor{BEndpointAddress: 0x02, BMAttributes: 0x02, WMaxPacketSize: 512}
)

func gadgetDesc(alts ...usb.InterfaceConfig) *usb.Descriptor {
	return &usb.Descriptor{
		Device:     usb.DeviceDescriptor{IDVendor: 0x0525, IDProduct: 0xa4a0, Speed: usb.SpeedHigh},
		Interfaces: alts,
	}
}

func altSetting(id uint8, eps ...usb.EndpointDescriptor) usb.InterfaceConfig {
	return usb.InterfaceConfig{
		Descriptor: usb.InterfaceDescriptor{BAlternateSetting: id, BInterfaceClass: 0xff},
		Endpoints:  eps,
	}
}

func bulkDesc() *usb.Descriptor { return gadgetDesc(altSetting(0, epBulkIn, epBulkOut)) }

func attach(t *testing.T, dev *stubDev, mutate func(*session.Options)) *session.Session {
	t.Helper()
	opts := session.Options{ID: t.Name(), Config: session.DefaultConfig()}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := session.Attach(context.Background(), dev, dev.Descriptor(), opts, log.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.State() == session.StateActive {
			_ = s.Detach(context.Background())
		}
		<-s.Released()
	})
	return s
}

func TestAttachEndToEndExample(t *testing.T) {
	dev := newStub(bulkDesc())
	s := attach(t, dev, nil)

	info := s.Info()
	assert.Equal(t, session.StateActive, info.State)
	assert.False(t, info.Degraded)
	assert.Equal(t, uint8(0x81), info.Pipes.BulkIn.Address())
	assert.Equal(t, uint8(0x02), info.Pipes.BulkOut.Address())
	assert.False(t, info.Pipes.IsoIn.Valid)
	assert.False(t, info.Pipes.IntOut.Valid)
	assert.Equal(t, linkcheck.Success, info.LastSelfTest.Status)
	assert.Equal(t, 8, info.LastSelfTest.Expected)
	assert.Equal(t, 8, info.LastSelfTest.Actual)
	assert.Equal(t, "high-speed {control in/out bulk-in bulk-out} tests (+alt)", info.Summary)
	assert.Empty(t, dev.alts)

	for _, tc := range []int{0, 1, 2, 9, 14} {
		res, err := s.Run(context.Background(), session.Request{Test: tc, Iterations: 3, Length: 64})
		require.NoError(t, err, "test %d", tc)
		assert.Equal(t, session.StatusSuccess, res.Status)
		assert.Equal(t, session.CaseName(tc), res.Name)
	}
}

func TestAttachActivatesAltSetting(t *testing.T) {
	dev := newStub(gadgetDesc(altSetting(0), altSetting(1, epBulkIn, epBulkOut)))
	s := attach(t, dev, nil)
	assert.Equal(t, []uint8{1}, dev.alts)
	assert.Equal(t, uint8(1), s.Info().Alt)
}

func TestAttachNoMatch(t *testing.T) {
	dev := newStub(gadgetDesc(altSetting(0, epBulkIn)))
	s, err := session.Attach(context.Background(), dev, dev.Descriptor(),
		session.Options{Config: session.DefaultConfig()}, log.Discard())
	assert.Nil(t, s)
	require.ErrorIs(t, err, negotiate.ErrNoMatch)
	assert.Equal(t, session.StatusNoMatch, session.StatusOf(err))
}

func TestAttachUnknownDevice(t *testing.T) {
	desc := bulkDesc()
	desc.Device.IDVendor = 0x1234
	dev := newStub(desc)
	_, err := session.Attach(context.Background(), dev, desc, session.Options{Config: session.DefaultConfig()}, log.Discard())
	assert.Equal(t, session.StatusNoDevice, session.StatusOf(err))

	s := attach(t, newStub(desc), func(o *session.Options) {
		o.Match = negotiate.MatchParams{Vendor: 0x1234}
		o.Profile = &negotiate.Profile{Bulk: true, Alt: new(uint8)}
	})
	assert.Equal(t, negotiate.Generic.Name, s.Info().Device.Name)
	assert.True(t, s.Info().Pipes.BulkIn.Valid)
}

func TestAttachShortSelfTest(t *testing.T) {
	dev := newStub(bulkDesc())
	dev.acceptMax = 5
	s := attach(t, dev, nil)

	info := s.Info()
	assert.Equal(t, session.StateActive, info.State)
	assert.True(t, info.Degraded)
	assert.Equal(t, linkcheck.ShortTransfer, info.LastSelfTest.Status)
	assert.Equal(t, 8, info.LastSelfTest.Expected)
	assert.Equal(t, 5, info.LastSelfTest.Actual)

	// a passing self-test clears the flag
	dev.setAcceptMax(-1)
	_, err := s.Run(context.Background(), session.Request{Test: 9, Iterations: 1})
	require.NoError(t, err)
	assert.False(t, s.Info().Degraded)

	dev.setAcceptMax(5)
	res, err := s.Run(context.Background(), session.Request{Test: 9, Iterations: 1})
	assert.Equal(t, session.StatusShortTransfer, res.Status)
	var st *linkcheck.ShortTransferError
	require.ErrorAs(t, err, &st)
	assert.Equal(t, 8, st.Expected)
	assert.Equal(t, 5, st.Actual)
	assert.True(t, s.Info().Degraded)
	assert.Equal(t, session.StateActive, s.State())
}

func TestAttachStrictSelfTest(t *testing.T) {
	dev := newStub(bulkDesc())
	dev.acceptMax = 5
	cfg := session.DefaultConfig()
	cfg.StrictSelfTest = true
	s, err := session.Attach(context.Background(), dev, dev.Descriptor(), session.Options{Config: cfg}, log.Discard())
	assert.Nil(t, s)
	assert.ErrorIs(t, err, linkcheck.ErrShortTransfer)
	assert.True(t, poisoned(dev.buf()))
}

func TestAttachRejectsBadConfig(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.PayloadLength = cfg.ScratchSize + 1
	_, err := session.Attach(context.Background(), newStub(bulkDesc()), bulkDesc(), session.Options{Config: cfg}, log.Discard())
	assert.ErrorIs(t, err, session.ErrInvalidRequest)
}

func TestRunRequestValidation(t *testing.T) {
	s := attach(t, newStub(bulkDesc()), nil)
	tests := []struct {
		name string
		req  session.Request
		want session.Status
	}{
		{"unknown test", session.Request{Test: 99, Iterations: 1}, session.StatusInvalidRequest},
		{"no iterations", session.Request{Test: 1, Iterations: 0, Length: 8}, session.StatusInvalidRequest},
		{"zero length", session.Request{Test: 1, Iterations: 1}, session.StatusInvalidRequest},
		{"vary required", session.Request{Test: 3, Iterations: 1, Length: 8}, session.StatusInvalidRequest},
		{"sglen too big", session.Request{Test: 5, Iterations: 1, Length: 8, SGLen: session.MaxSGLen + 1}, session.StatusInvalidRequest},
		{"ctrl length above scratch", session.Request{Test: 14, Iterations: 1, Length: 257}, session.StatusInvalidRequest},
		{"ctrl vary not below length", session.Request{Test: 14, Iterations: 1, Length: 8, Vary: 8}, session.StatusInvalidRequest},
		{"no iso pipe", session.Request{Test: 15, Iterations: 1, Length: 8}, session.StatusNotSupported},
		{"no int pipe", session.Request{Test: 26, Iterations: 1, Length: 8}, session.StatusNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.want, session.StatusOf(err))
		})
	}
}

func TestRunDataTests(t *testing.T) {
	s := attach(t, newStub(bulkDesc()), nil)
	for _, req := range []session.Request{
		{Test: 3, Iterations: 10, Length: 100, Vary: 33},
		{Test: 4, Iterations: 10, Length: 100, Vary: 150},
		{Test: 5, Iterations: 2, Length: 64, SGLen: 4},
		{Test: 6, Iterations: 2, Length: 64, SGLen: 4, Vary: 7},
		{Test: 14, Iterations: 20, Length: 64, Vary: 7},
	} {
		res, err := s.Run(context.Background(), req)
		require.NoError(t, err, "%+v", req)
		assert.Equal(t, session.StatusSuccess, res.Status)
	}
}

func TestRunsAreSerialized(t *testing.T) {
	dev := newStub(bulkDesc())
	s := attach(t, dev, nil)
	dev.mu.Lock()
	dev.delay = 20 * time.Millisecond
	dev.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]session.Result, 2)
	start := time.Now()
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Run(context.Background(), session.Request{Test: 14, Iterations: 2, Length: 8})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.Zero(t, dev.overlaps.Load(), "scratch buffer used by two runs at once")
	assert.GreaterOrEqual(t, elapsed, results[0].Duration+results[1].Duration-5*time.Millisecond)
	assert.Equal(t, 2, s.Info().Runs)
}

func TestRunNonBlockingBusy(t *testing.T) {
	dev := newStub(bulkDesc())
	s := attach(t, dev, func(o *session.Options) { o.Config.NonBlocking = true })

	entered, release := dev.blockWrites()
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), session.Request{Test: 9, Iterations: 1})
		done <- err
	}()
	<-entered

	res, err := s.Run(context.Background(), session.Request{Test: 0, Iterations: 1})
	assert.ErrorIs(t, err, session.ErrBusy)
	assert.Equal(t, session.StatusBusy, res.Status)

	release()
	require.NoError(t, <-done)
}

func TestRunNoWaitPerRequest(t *testing.T) {
	dev := newStub(bulkDesc())
	s := attach(t, dev, nil)

	entered, release := dev.blockWrites()
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), session.Request{Test: 9, Iterations: 1})
		done <- err
	}()
	<-entered

	res, err := s.Run(context.Background(), session.Request{Test: 0, Iterations: 1, NoWait: true})
	assert.ErrorIs(t, err, session.ErrBusy)
	assert.Equal(t, session.StatusBusy, res.Status)

	release()
	require.NoError(t, <-done)
}

func TestDetachWaitsForInFlightTest(t *testing.T) {
	dev := newStub(bulkDesc())
	s := attach(t, dev, nil)

	entered, release := dev.blockWrites()
	runErr := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), session.Request{Test: 9, Iterations: 1})
		runErr <- err
	}()
	<-entered

	detachErr := make(chan error, 1)
	go func() { detachErr <- s.Detach(context.Background()) }()

	require.Eventually(t, func() bool { return s.State() == session.StateDetaching }, time.Second, time.Millisecond)
	select {
	case err := <-detachErr:
		t.Fatalf("detach returned before the in-flight test: %v", err)
	case <-s.Released():
		t.Fatal("scratch released under a running test")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, poisoned(dev.buf()))

	// new runs are refused while detaching
	_, err := s.Run(context.Background(), session.Request{Test: 0, Iterations: 1})
	assert.ErrorIs(t, err, session.ErrDetached)

	release()
	require.NoError(t, <-runErr)
	require.NoError(t, <-detachErr)
	<-s.Released()

	assert.False(t, dev.poisonSeen.Load(), "test observed a released buffer")
	assert.True(t, poisoned(dev.buf()))
	assert.Equal(t, session.StateDetached, s.State())
	assert.ErrorIs(t, s.Detach(context.Background()), session.ErrDetached)
}

func TestDetachCapDefersRelease(t *testing.T) {
	mock := clock.NewMock()
	dev := newStub(bulkDesc())
	s := attach(t, dev, func(o *session.Options) { o.Clock = mock })

	entered, release := dev.blockWrites()
	runErr := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), session.Request{Test: 9, Iterations: 1})
		runErr <- err
	}()
	<-entered

	detachErr := make(chan error, 1)
	go func() { detachErr <- s.Detach(context.Background()) }()

	var err error
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case err = <-detachErr:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
	require.ErrorIs(t, err, session.ErrDetachTimeout)
	assert.Equal(t, session.StatusDetachTimeout, session.StatusOf(err))

	select {
	case <-s.Released():
		t.Fatal("released before the in-flight test returned")
	default:
	}
	assert.False(t, poisoned(dev.buf()))

	release()
	require.NoError(t, <-runErr)
	select {
	case <-s.Released():
	case <-time.After(time.Second):
		t.Fatal("deferred release never happened")
	}
	assert.False(t, dev.poisonSeen.Load())
	assert.True(t, poisoned(dev.buf()))
}

func TestStatusOfIsUnique(t *testing.T) {
	errs := map[session.Status]error{
		session.StatusSuccess:        nil,
		session.StatusNoMatch:        &negotiate.NoMatchError{},
		session.StatusNoDevice:       negotiate.ErrUnknownDevice,
		session.StatusShortTransfer:  &linkcheck.ShortTransferError{Expected: 8, Actual: 5},
		session.StatusTimeout:        &linkcheck.TimeoutError{Err: usb.ErrTimeout},
		session.StatusBusy:           session.ErrBusy,
		session.StatusMismatch:       &linkcheck.MismatchError{},
		session.StatusIOError:        &linkcheck.IOFailure{Err: usb.ErrStall},
		session.StatusNotSupported:   session.ErrUnsupported,
		session.StatusDetached:       session.ErrDetached,
		session.StatusDetachTimeout:  session.ErrDetachTimeout,
		session.StatusInvalidRequest: session.ErrInvalidRequest,
		session.StatusNotFound:       session.ErrNotFound,
		session.StatusCancelled:      context.Canceled,
	}
	for want, err := range errs {
		wrapped := err
		if err != nil {
			wrapped = fmt.Errorf("test 1: %w", err)
		}
		assert.Equal(t, want, session.StatusOf(wrapped), "%v", err)
	}
	assert.Equal(t, session.StatusIOError, session.StatusOf(errors.New("boom")))
}
