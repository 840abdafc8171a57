package linkcheck_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/linkcheck"
	"github.com/Alia5/usbtest/usb"
)

// loopback behaves like the gadget's vendor request handler.
type loopback struct {
	stored    []byte
	acceptMax int
	corrupt   int // offset to flip on read, -1 for none
	readErr   error
	writeErr  error
	setups    []usb.SetupPacket
}

func newLoopback() *loopback { return &loopback{acceptMax: -1, corrupt: -1} }

func (l *loopback) Control(_ context.Context, setup usb.SetupPacket, data []byte, _ time.Duration) (int, error) {
	l.setups = append(l.setups, setup)
	switch setup.Request {
	case linkcheck.RequestWrite:
		if l.writeErr != nil {
			return 0, l.writeErr
		}
		n := len(data)
		if l.acceptMax >= 0 && n > l.acceptMax {
			n = l.acceptMax
		}
		l.stored = append([]byte(nil), data[:n]...)
		return n, nil
	case linkcheck.RequestRead:
		if l.readErr != nil {
			return 0, l.readErr
		}
		for i := range data {
			data[i] = 0
		}
		n := copy(data, l.stored)
		if l.corrupt >= 0 && l.corrupt < n {
			data[l.corrupt] ^= 0xff
		}
		return n, nil
	}
	return 0, usb.ErrStall
}

func TestVerifyRoundTrip(t *testing.T) {
	lb := newLoopback()
	scratch := make([]byte, 256)
	o := linkcheck.Verify(context.Background(), lb, scratch, 8, time.Second)
	require.True(t, o.OK(), o.String())
	assert.Equal(t, 8, o.Expected)
	assert.Equal(t, 8, o.Actual)
	assert.NoError(t, o.Err())
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7}, lb.stored)

	require.Len(t, lb.setups, 2)
	assert.Equal(t, uint8(0x40), lb.setups[0].RequestType)
	assert.Equal(t, uint8(0x5b), lb.setups[0].Request)
	assert.Equal(t, uint8(0xc0), lb.setups[1].RequestType)
	assert.Equal(t, uint8(0x5c), lb.setups[1].Request)
	for _, sp := range lb.setups {
		assert.Equal(t, uint16(8), sp.Length, "wLength follows the payload")
	}
}

func TestVerifyFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*loopback)
		wantState linkcheck.Status
		wantPhase linkcheck.Phase
		wantErr   error
		expected  int
		actual    int
	}{
		{
			name:      "short write",
			setup:     func(l *loopback) { l.acceptMax = 5 },
			wantState: linkcheck.ShortTransfer,
			wantPhase: linkcheck.PhaseWrite,
			wantErr:   linkcheck.ErrShortTransfer,
			expected:  8,
			actual:    5,
		},
		{
			name:      "write timeout",
			setup:     func(l *loopback) { l.writeErr = fmt.Errorf("seq 3: %w", usb.ErrTimeout) },
			wantState: linkcheck.Timeout,
			wantPhase: linkcheck.PhaseWrite,
			wantErr:   linkcheck.ErrTimeout,
			expected:  8,
		},
		{
			name:      "read deadline",
			setup:     func(l *loopback) { l.readErr = context.DeadlineExceeded },
			wantState: linkcheck.Timeout,
			wantPhase: linkcheck.PhaseRead,
			wantErr:   linkcheck.ErrTimeout,
			expected:  8,
		},
		{
			name:      "read stall",
			setup:     func(l *loopback) { l.readErr = usb.ErrStall },
			wantState: linkcheck.IOError,
			wantPhase: linkcheck.PhaseRead,
			wantErr:   linkcheck.ErrIO,
			expected:  8,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lb := newLoopback()
			tt.setup(lb)
			o := linkcheck.Verify(context.Background(), lb, make([]byte, 256), 8, time.Second)
			assert.Equal(t, tt.wantState, o.Status)
			assert.Equal(t, tt.wantPhase, o.Phase)
			assert.Equal(t, tt.expected, o.Expected)
			assert.Equal(t, tt.actual, o.Actual)
			assert.ErrorIs(t, o.Err(), tt.wantErr)
		})
	}
}

func TestVerifyShortTransferError(t *testing.T) {
	lb := newLoopback()
	lb.acceptMax = 5
	o := linkcheck.Verify(context.Background(), lb, make([]byte, 256), 8, time.Second)

	var st *linkcheck.ShortTransferError
	require.ErrorAs(t, o.Err(), &st)
	assert.Equal(t, linkcheck.ShortTransferError{Phase: linkcheck.PhaseWrite, Expected: 8, Actual: 5}, *st)
	// no read after a failed write
	assert.Len(t, lb.setups, 1)
}

func TestVerifyTimeoutKeepsCause(t *testing.T) {
	lb := newLoopback()
	lb.writeErr = usb.ErrTimeout
	o := linkcheck.Verify(context.Background(), lb, make([]byte, 8), 8, time.Second)
	assert.ErrorIs(t, o.Err(), usb.ErrTimeout)
	assert.NotErrorIs(t, o.Err(), linkcheck.ErrShortTransfer)
}

func TestVerifyBufferTooSmall(t *testing.T) {
	o := linkcheck.Verify(context.Background(), newLoopback(), make([]byte, 4), 8, time.Second)
	assert.Equal(t, linkcheck.IOError, o.Status)
	assert.ErrorIs(t, o.Err(), linkcheck.ErrBufferTooSmall)
}

func TestVerifyTooLong(t *testing.T) {
	lb := newLoopback()
	o := linkcheck.Verify(context.Background(), lb, make([]byte, 70000), 70000, time.Second)
	assert.Equal(t, linkcheck.IOError, o.Status)
	assert.ErrorIs(t, o.Cause, linkcheck.ErrTooLong)
	assert.Empty(t, lb.setups)
}

func TestVerifyIgnoresPayload(t *testing.T) {
	lb := newLoopback()
	lb.corrupt = 3
	scratch := make([]byte, 64)

	o := linkcheck.Verify(context.Background(), lb, scratch, 16, time.Second)
	assert.True(t, o.OK())

	o = linkcheck.VerifyPayload(context.Background(), lb, scratch, 16, time.Second)
	assert.Equal(t, linkcheck.Mismatch, o.Status)
	assert.Equal(t, 3, o.Offset)
	assert.ErrorIs(t, o.Err(), linkcheck.ErrMismatch)
}

func TestPattern(t *testing.T) {
	b := make([]byte, 130)
	linkcheck.Fill(b)
	assert.Equal(t, byte(0), b[63])
	assert.Equal(t, byte(1), b[127])
	assert.Equal(t, -1, linkcheck.CheckPattern(b))
	b[100]++
	assert.Equal(t, 100, linkcheck.CheckPattern(b))
}

func TestStatusStrings(t *testing.T) {
	for s, want := range map[linkcheck.Status]string{
		linkcheck.Success:       "success",
		linkcheck.ShortTransfer: "short-transfer",
		linkcheck.Mismatch:      "mismatch",
		linkcheck.Timeout:       "timeout",
		linkcheck.IOError:       "io-error",
	} {
		assert.Equal(t, want, s.String())
	}
}
