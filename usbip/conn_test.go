package usbip

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/usb"
)

// peer is the server end of a piped Conn, driven step by step by a test.
type peer struct {
	nc net.Conn
}

func newPipeConn(t *testing.T) (*Conn, *peer) {
	t.Helper()
	client, server := net.Pipe()
	meta := ExportedDevice{ExportMeta: ExportMeta{BusId: 1, DevId: 2}}
	copy(meta.USBBusId[:], "1-1")
	c := newConn(client, meta, log.Discard())
	c.controlTimeout = time.Second
	t.Cleanup(func() {
		_ = c.Close()
		_ = server.Close()
	})
	return c, &peer{nc: server}
}

// next reads one URB command and, for OUT submits, its payload.
func (p *peer) next() ([]byte, []byte, error) {
	hdr := make([]byte, HeaderSize)
	if err := ReadExactly(p.nc, hdr); err != nil {
		return nil, nil, err
	}
	basic := ParseHeaderBasic(hdr)
	if basic.Command != CmdSubmitCode || basic.Dir != DirOut {
		return hdr, nil, nil
	}
	cmd := ParseCmdSubmit(hdr)
	payload := make([]byte, cmd.TransferBufferLen)
	if err := ReadExactly(p.nc, payload); err != nil {
		return nil, nil, err
	}
	return hdr, payload, nil
}

func (p *peer) reply(seq uint32, status int32, actual uint32, data []byte) error {
	var b bytes.Buffer
	ret := RetSubmit{
		Basic:        HeaderBasic{Command: RetSubmitCode, Seqnum: seq},
		Status:       status,
		ActualLength: actual,
	}
	_ = ret.Write(&b)
	b.Write(data)
	_, err := p.nc.Write(b.Bytes())
	return err
}

func (p *peer) unlinked(seq uint32, status int32) error {
	var b bytes.Buffer
	ret := RetUnlink{Basic: HeaderBasic{Command: RetUnlinkCode, Seqnum: seq}, Status: status}
	_ = ret.Write(&b)
	_, err := p.nc.Write(b.Bytes())
	return err
}

func vendorIn(n uint16) usb.SetupPacket {
	return usb.SetupPacket{RequestType: usb.RequestDirIn | usb.RequestVendor, Request: 0x5c, Length: n}
}

func TestConnControlRoundTrip(t *testing.T) {
	c, p := newPipeConn(t)
	errCh := make(chan error, 1)
	go func() {
		hdr, payload, err := p.next()
		if err != nil {
			errCh <- err
			return
		}
		cmd := ParseCmdSubmit(hdr)
		assert.Equal(t, uint32(0x00010002), cmd.Basic.Devid)
		assert.Equal(t, uint32(0), cmd.Basic.Ep)
		assert.Equal(t, []byte{0, 1, 2, 3}, payload)
		if err := p.reply(cmd.Basic.Seqnum, StatusOK, 4, nil); err != nil {
			errCh <- err
			return
		}

		hdr, _, err = p.next()
		if err != nil {
			errCh <- err
			return
		}
		cmd = ParseCmdSubmit(hdr)
		assert.Equal(t, uint32(DirIn), cmd.Basic.Dir)
		assert.Equal(t, uint32(4), cmd.TransferBufferLen)
		errCh <- p.reply(cmd.Basic.Seqnum, StatusOK, 3, []byte{9, 8, 7})
	}()

	out := usb.SetupPacket{RequestType: usb.RequestDirOut | usb.RequestVendor, Request: 0x5b}
	n, err := c.Control(context.Background(), out, []byte{0, 1, 2, 3}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	n, err = c.Control(context.Background(), vendorIn(4), buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{9, 8, 7, 0}, buf)
	require.NoError(t, <-errCh)
}

func TestConnStallMapsToErrStall(t *testing.T) {
	c, p := newPipeConn(t)
	go func() {
		hdr, _, err := p.next()
		if err == nil {
			_ = p.reply(ParseHeaderBasic(hdr).Seqnum, StatusPipe, 0, nil)
		}
	}()
	_, err := c.Control(context.Background(), vendorIn(8), make([]byte, 8), time.Second)
	assert.ErrorIs(t, err, usb.ErrStall)
}

func TestConnInOverrunFailsAndKeepsStreamInSync(t *testing.T) {
	c, p := newPipeConn(t)
	errCh := make(chan error, 1)
	go func() {
		// answer an 8 byte read with 16 bytes, then serve a normal read
		hdr, _, err := p.next()
		if err != nil {
			errCh <- err
			return
		}
		if err := p.reply(ParseHeaderBasic(hdr).Seqnum, StatusOK, 16, bytes.Repeat([]byte{0xaa}, 16)); err != nil {
			errCh <- err
			return
		}
		hdr, _, err = p.next()
		if err != nil {
			errCh <- err
			return
		}
		errCh <- p.reply(ParseHeaderBasic(hdr).Seqnum, StatusOK, 2, []byte{1, 2})
	}()

	buf := make([]byte, 8)
	n, err := c.Control(context.Background(), vendorIn(8), buf, time.Second)
	assert.ErrorIs(t, err, usb.ErrOverflow)
	assert.Zero(t, n)
	assert.Equal(t, make([]byte, 8), buf)

	n, err = c.Control(context.Background(), vendorIn(2), buf[:2], time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{1, 2}, buf[:2])
	require.NoError(t, <-errCh)
}

func TestConnTimeoutUnlinksAndDrainsLateReply(t *testing.T) {
	c, p := newPipeConn(t)
	errCh := make(chan error, 1)
	go func() {
		hdr, _, err := p.next()
		if err != nil {
			errCh <- err
			return
		}
		orig := ParseHeaderBasic(hdr).Seqnum

		hdr, _, err = p.next()
		if err != nil {
			errCh <- err
			return
		}
		unlink := ParseCmdUnlink(hdr)
		assert.Equal(t, uint32(CmdUnlinkCode), unlink.Basic.Command)
		assert.Equal(t, orig, unlink.UnlinkSeqnum)

		// the transfer completed anyway: late reply first, then the unlink ack
		if err := p.reply(orig, StatusOK, 8, bytes.Repeat([]byte{0xee}, 8)); err != nil {
			errCh <- err
			return
		}
		if err := p.unlinked(unlink.Basic.Seqnum, StatusOK); err != nil {
			errCh <- err
			return
		}

		hdr, _, err = p.next()
		if err != nil {
			errCh <- err
			return
		}
		errCh <- p.reply(ParseHeaderBasic(hdr).Seqnum, StatusOK, 2, []byte{1, 2})
	}()

	_, err := c.Control(context.Background(), vendorIn(8), make([]byte, 8), 20*time.Millisecond)
	require.ErrorIs(t, err, usb.ErrTimeout)

	buf := make([]byte, 2)
	n, err := c.Control(context.Background(), vendorIn(2), buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{1, 2}, buf)
	require.NoError(t, <-errCh)
}

func TestConnUnlinkBeforeCompletionForgetsURB(t *testing.T) {
	c, p := newPipeConn(t)
	errCh := make(chan error, 1)
	go func() {
		if _, _, err := p.next(); err != nil {
			errCh <- err
			return
		}
		hdr, _, err := p.next()
		if err != nil {
			errCh <- err
			return
		}
		errCh <- p.unlinked(ParseHeaderBasic(hdr).Seqnum, StatusConnReset)
	}()

	_, err := c.Control(context.Background(), vendorIn(8), make([]byte, 8), 20*time.Millisecond)
	require.ErrorIs(t, err, usb.ErrTimeout)
	require.NoError(t, <-errCh)

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConnContextCancel(t *testing.T) {
	c, p := newPipeConn(t)
	go func() {
		// swallow the submit and the unlink, never answer
		for {
			if _, _, err := p.next(); err != nil {
				return
			}
		}
	}()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Control(ctx, vendorIn(8), make([]byte, 8), time.Second)
	assert.ErrorIs(t, err, usb.ErrCancelled)
}

func TestConnCloseFailsPending(t *testing.T) {
	c, p := newPipeConn(t)
	go func() {
		if _, _, err := p.next(); err == nil {
			_ = c.Close()
		}
	}()
	_, err := c.Control(context.Background(), vendorIn(8), make([]byte, 8), time.Second)
	assert.ErrorIs(t, err, usb.ErrClosed)

	_, err = c.Control(context.Background(), vendorIn(8), make([]byte, 8), time.Second)
	assert.ErrorIs(t, err, usb.ErrClosed)
}

func TestConnIsoInUnpacksPackets(t *testing.T) {
	c, p := newPipeConn(t)
	ep := usb.EndpointDescriptor{BEndpointAddress: 0x83, BMAttributes: 0x01, WMaxPacketSize: 4, BInterval: 1}
	errCh := make(chan error, 1)
	go func() {
		hdr := make([]byte, HeaderSize)
		if err := ReadExactly(p.nc, hdr); err != nil {
			errCh <- err
			return
		}
		cmd := ParseCmdSubmit(hdr)
		assert.Equal(t, uint32(3), cmd.Basic.Ep)
		assert.Equal(t, uint32(2), cmd.NumberOfPackets)
		pkts, err := ReadIsoPackets(p.nc, int(cmd.NumberOfPackets))
		if err != nil {
			errCh <- err
			return
		}
		// second packet comes back short; data is packed on the wire
		pkts[0].ActualLength = 4
		pkts[1].ActualLength = 2
		var b bytes.Buffer
		ret := RetSubmit{
			Basic:           HeaderBasic{Command: RetSubmitCode, Seqnum: cmd.Basic.Seqnum},
			ActualLength:    6,
			NumberOfPackets: 2,
		}
		_ = ret.Write(&b)
		b.Write([]byte{1, 2, 3, 4, 5, 6})
		_ = WriteIsoPackets(&b, pkts)
		_, err = p.nc.Write(b.Bytes())
		errCh <- err
	}()

	buf := make([]byte, 8)
	n, err := c.Transfer(context.Background(), ep, buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 0, 0}, buf)
	require.NoError(t, <-errCh)
}
