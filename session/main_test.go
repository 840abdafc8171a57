package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Alia5/usbtest/linkcheck"
	"github.com/Alia5/usbtest/session"
	"github.com/Alia5/usbtest/usb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubDev is a loopback peripheral whose EP0 writes can be delayed, blocked
// or cut short.
type stubDev struct {
	desc *usb.Descriptor

	mu        sync.Mutex
	stored    []byte
	acceptMax int
	delay     time.Duration
	block     chan struct{}
	entered   chan struct{}
	lastBuf   []byte
	alts      []uint8

	inUse      atomic.Int32
	overlaps   atomic.Int32
	poisonSeen atomic.Bool
	closed     atomic.Bool
}

func newStub(desc *usb.Descriptor) *stubDev {
	return &stubDev{desc: desc, acceptMax: -1}
}

// blockWrites makes the next vendor write wait until the returned release
// func is called. entered is closed once the write is waiting.
func (d *stubDev) blockWrites() (entered <-chan struct{}, release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block = make(chan struct{})
	d.entered = make(chan struct{})
	b := d.block
	return d.entered, func() { close(b) }
}

func (d *stubDev) setAcceptMax(n int) {
	d.mu.Lock()
	d.acceptMax = n
	d.mu.Unlock()
}

func (d *stubDev) buf() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastBuf
}

func poisoned(b []byte) bool {
	for _, v := range b {
		if v != session.GuardByte {
			return false
		}
	}
	return len(b) > 0
}

func (d *stubDev) Control(ctx context.Context, setup usb.SetupPacket, data []byte, _ time.Duration) (int, error) {
	if d.inUse.Add(1) > 1 {
		d.overlaps.Add(1)
	}
	defer d.inUse.Add(-1)

	d.mu.Lock()
	delay, block, entered, acceptMax := d.delay, d.block, d.entered, d.acceptMax
	if setup.Request == linkcheck.RequestWrite && block != nil {
		d.block, d.entered = nil, nil
	} else {
		block, entered = nil, nil
	}
	d.lastBuf = data
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if block != nil {
		close(entered)
		<-block
		if poisoned(data) {
			d.poisonSeen.Store(true)
		}
	}

	switch setup.Request {
	case linkcheck.RequestWrite:
		n := len(data)
		if acceptMax >= 0 && n > acceptMax {
			n = acceptMax
		}
		d.mu.Lock()
		d.stored = append([]byte(nil), data[:n]...)
		d.mu.Unlock()
		return n, nil
	case linkcheck.RequestRead:
		d.mu.Lock()
		n := copy(data, d.stored)
		d.mu.Unlock()
		return n, nil
	}
	return 0, usb.ErrStall
}

func (d *stubDev) Transfer(_ context.Context, ep usb.EndpointDescriptor, data []byte, _ time.Duration) (int, error) {
	if ep.IsIn() {
		linkcheck.Fill(data)
	}
	return len(data), nil
}

func (d *stubDev) SetAltSetting(_ context.Context, _, alt uint8) error {
	d.mu.Lock()
	d.alts = append(d.alts, alt)
	d.mu.Unlock()
	return nil
}

func (d *stubDev) Descriptor() *usb.Descriptor { return d.desc }

func (d *stubDev) Close() error {
	d.closed.Store(true)
	return nil
}
