package usbip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/usb"
)

// DefaultControlTimeout bounds enumeration and SET_INTERFACE requests.
const DefaultControlTimeout = 5 * time.Second

// Conn is an imported USB/IP device. It implements usb.Peripheral.
//
// Replies are demultiplexed by seqnum on a reader goroutine, so a transfer
// that times out never leaves the stream half-read: its URB is unlinked and
// the late reply, if any, is drained and dropped.
type Conn struct {
	nc     net.Conn
	meta   ExportedDevice
	desc   *usb.Descriptor
	logger *slog.Logger

	controlTimeout time.Duration

	seq atomic.Uint32
	wmu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]*pendingURB
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

type pendingURB struct {
	dir       uint32
	bufLen    uint32 // TransferBufferLen of the submit
	ch        chan urbResult
	abandoned bool
	unlinks   uint32 // seqnum of the URB this CMD_UNLINK targets
}

type urbResult struct {
	ret  RetSubmit
	data []byte
	iso  []IsoPacketDescriptor
	// overrun is set when the device returned more than was asked for.
	// The surplus is discarded unread.
	overrun bool
}

func newConn(nc net.Conn, meta ExportedDevice, logger *slog.Logger) *Conn {
	c := &Conn{
		nc:             nc,
		meta:           meta,
		logger:         logger.With("busid", meta.BusIDString()),
		controlTimeout: DefaultControlTimeout,
		pending:        make(map[uint32]*pendingURB),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Exported returns the device entry from the import reply.
func (c *Conn) Exported() ExportedDevice { return c.meta }

// Descriptor returns the descriptors read during Enumerate.
func (c *Conn) Descriptor() *usb.Descriptor { return c.desc }

// Close tears down the connection. Pending transfers fail with usb.ErrClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.nc.Close()
		<-c.done
	})
	return err
}

// Control implements usb.Transport.
func (c *Conn) Control(ctx context.Context, setup usb.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	dir := uint32(DirOut)
	if setup.IsIn() {
		dir = DirIn
	}
	setup.Length = uint16(len(data))
	cmd := CmdSubmit{TransferBufferLen: uint32(len(data)), Setup: setup.Bytes()}
	var out []byte
	if dir == DirOut {
		out = data
	}
	res, err := c.submit(ctx, 0, dir, cmd, out, nil, timeout)
	if err != nil {
		return 0, fmt.Errorf("control %s: %w", setup, err)
	}
	if res.overrun {
		return 0, fmt.Errorf("control %s: %d bytes for a %d byte buffer: %w", setup, res.ret.ActualLength, len(data), usb.ErrOverflow)
	}
	if dir == DirIn {
		n := copy(data, res.data)
		return n, statusError(res.ret.Status)
	}
	return int(res.ret.ActualLength), statusError(res.ret.Status)
}

// Transfer implements usb.Transport.
func (c *Conn) Transfer(ctx context.Context, ep usb.EndpointDescriptor, data []byte, timeout time.Duration) (int, error) {
	dir := uint32(DirOut)
	if ep.IsIn() {
		dir = DirIn
	}
	cmd := CmdSubmit{TransferBufferLen: uint32(len(data)), Interval: uint32(ep.BInterval)}
	var pkts []IsoPacketDescriptor
	if ep.TransferType() == usb.Isochronous {
		pkts = SplitIso(len(data), int(ep.WMaxPacketSize&0x7ff))
		cmd.NumberOfPackets = uint32(len(pkts))
	}
	var out []byte
	if dir == DirOut {
		out = data
	}
	res, err := c.submit(ctx, uint32(ep.Number()), dir, cmd, out, pkts, timeout)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", ep, err)
	}
	if res.overrun {
		return 0, fmt.Errorf("%s: %d bytes for a %d byte buffer: %w", ep, res.ret.ActualLength, len(data), usb.ErrOverflow)
	}
	if err := statusError(res.ret.Status); err != nil {
		return int(res.ret.ActualLength), fmt.Errorf("%s: %w", ep, err)
	}
	if dir == DirOut {
		return int(res.ret.ActualLength), nil
	}
	if len(res.iso) == 0 {
		return copy(data, res.data), nil
	}
	// iso IN data arrives packed; spread it back to the packet offsets.
	total, off := 0, 0
	for _, p := range res.iso {
		n := int(p.ActualLength)
		if off+n > len(res.data) || int(p.Offset)+n > len(data) {
			return total, fmt.Errorf("%s: iso packet overruns buffer: %w", ep, usb.ErrOverflow)
		}
		copy(data[p.Offset:], res.data[off:off+n])
		off += n
		total += n
	}
	return total, nil
}

// SetAltSetting implements usb.Transport with a standard SET_INTERFACE request.
func (c *Conn) SetAltSetting(ctx context.Context, iface, alt uint8) error {
	_, err := c.Control(ctx, usb.SetupPacket{
		RequestType: usb.RequestDirOut | usb.RequestStandard | usb.RecipientInterface,
		Request:     usb.ReqSetInterface,
		Value:       uint16(alt),
		Index:       uint16(iface),
	}, nil, c.controlTimeout)
	return err
}

// Enumerate reads the device, configuration and string descriptors.
func (c *Conn) Enumerate(ctx context.Context) (*usb.Descriptor, error) {
	desc, err := usb.ReadDescriptors(ctx, c, c.controlTimeout)
	if err != nil {
		return nil, err
	}
	desc.Device.Speed = c.meta.Speed
	c.desc = desc
	return desc, nil
}

func (c *Conn) submit(ctx context.Context, ep, dir uint32, cmd CmdSubmit, out []byte, pkts []IsoPacketDescriptor, timeout time.Duration) (urbResult, error) {
	seq := c.seq.Add(1)
	cmd.Basic = HeaderBasic{Command: CmdSubmitCode, Seqnum: seq, Devid: c.meta.DeviceID(), Dir: dir, Ep: ep}
	p := &pendingURB{dir: dir, bufLen: cmd.TransferBufferLen, ch: make(chan urbResult, 1)}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return urbResult{}, err
	}
	c.pending[seq] = p
	c.mu.Unlock()

	var b bytes.Buffer
	_ = cmd.Write(&b)
	b.Write(out)
	_ = WriteIsoPackets(&b, pkts)
	if err := c.write(b.Bytes()); err != nil {
		c.forget(seq)
		return urbResult{}, fmt.Errorf("write CMD_SUBMIT: %w", err)
	}

	if timeout <= 0 {
		timeout = c.controlTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-p.ch:
		return res, nil
	case <-timer.C:
		c.abandon(seq)
		return urbResult{}, fmt.Errorf("seq %d after %s: %w", seq, timeout, usb.ErrTimeout)
	case <-ctx.Done():
		c.abandon(seq)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return urbResult{}, fmt.Errorf("seq %d: %w", seq, usb.ErrTimeout)
		}
		return urbResult{}, fmt.Errorf("seq %d: %w", seq, usb.ErrCancelled)
	case <-c.done:
		return urbResult{}, c.terminalErr()
	}
}

func (c *Conn) write(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.nc.Write(b)
	return err
}

func (c *Conn) forget(seq uint32) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// abandon marks a timed-out URB so its late reply is drained, and asks the
// peer to unlink it.
func (c *Conn) abandon(seq uint32) {
	c.mu.Lock()
	p, ok := c.pending[seq]
	if !ok || c.err != nil {
		c.mu.Unlock()
		return
	}
	p.abandoned = true
	useq := c.seq.Add(1)
	c.pending[useq] = &pendingURB{abandoned: true, unlinks: seq}
	c.mu.Unlock()

	c.logger.Debug("unlinking timed out urb", "seq", seq, "unlinkSeq", useq)
	cmd := CmdUnlink{
		Basic:        HeaderBasic{Command: CmdUnlinkCode, Seqnum: useq, Devid: c.meta.DeviceID()},
		UnlinkSeqnum: seq,
	}
	var b bytes.Buffer
	_ = cmd.Write(&b)
	if err := c.write(b.Bytes()); err != nil {
		c.logger.Warn("failed to send CMD_UNLINK", "seq", seq, "error", err)
	}
}

func (c *Conn) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			c.err = usb.ErrClosed
		} else {
			c.err = fmt.Errorf("usbip read: %v: %w", err, usb.ErrNoDevice)
		}
		c.pending = map[uint32]*pendingURB{}
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		var hdr [HeaderSize]byte
		if err = ReadExactly(c.nc, hdr[:]); err != nil {
			return
		}
		basic := ParseHeaderBasic(hdr[:])

		c.mu.Lock()
		p := c.pending[basic.Seqnum]
		delete(c.pending, basic.Seqnum)
		c.mu.Unlock()

		switch basic.Command {
		case RetSubmitCode:
			if p == nil {
				err = fmt.Errorf("RET_SUBMIT for unknown seq %d", basic.Seqnum)
				return
			}
			res := urbResult{ret: ParseRetSubmit(hdr[:])}
			switch {
			case p.dir != DirIn || res.ret.ActualLength == 0:
			case res.ret.ActualLength > p.bufLen:
				// skip the payload to stay in sync with the stream
				res.overrun = true
				if _, err = io.CopyN(io.Discard, c.nc, int64(res.ret.ActualLength)); err != nil {
					return
				}
			default:
				res.data = make([]byte, res.ret.ActualLength)
				if err = ReadExactly(c.nc, res.data); err != nil {
					return
				}
			}
			if n := res.ret.NumberOfPackets; n != 0 && n != 0xffffffff {
				if res.iso, err = ReadIsoPackets(c.nc, int(n)); err != nil {
					return
				}
			}
XX, "seq", basic.Seqnum, "status", res.ret.Status)
				continue
			}
			p.ch <- res
		case RetUnlinkCode:
			ret := ParseRetUnlink(hdr[:])
			if p != nil && p.unlinks != 0 && ret.Status == StatusConnReset {
				// unlinked before completion: no RET_SUBMIT will follow
				c.forget(p.unlinks)
			}
		default:
			err = fmt.Errorf("unexpected usbip command %#x", basic.Command)
			return
		}
	}
}

func statusError(st int32) error {
	switch st {
	case StatusOK:
		return nil
	case StatusPipe:
		return usb.ErrStall
	case StatusTimedOut:
		return usb.ErrTimeout
	case StatusNoDevice, StatusShutdown:
		return usb.ErrNoDevice
	case StatusOverflow:
		return usb.ErrOverflow
	case StatusConnReset:
		return usb.ErrCancelled
	}
	return fmt.Errorf("usbip status %d: %w", st, usb.ErrIO)
}

type loggedConn struct {
	net.Conn
	raw log.RawLogger
}

func (lc *loggedConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 {
		lc.raw.Log(false, p[:n])
	}
	return n, err
}

func (lc *loggedConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 {
		lc.raw.Log(true, p[:n])
	}
	return n, err
}
