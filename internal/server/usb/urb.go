package usb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbip"
)

const (
	maxURBLength  = 4 << 20
	maxIsoPackets = 1024
)

type urb struct {
	cmd usbip.CmdSubmit
	out []byte
	iso []usbip.IsoPacketDescriptor
}

func (u *urb) seq() uint32 { return u.cmd.Basic.Seqnum }

// urbStream serves one imported device. The reader queues submits for a
// single worker so a CMD_UNLINK can still retire URBs that have not started.
type urbStream struct {
	s      *Server
	conn   net.Conn
	dev    usb.Device
	logger *slog.Logger

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]bool // seqnum -> started
}

func (s *Server) handleUrbStream(ctx context.Context, conn net.Conn, dev usb.Device, logger *slog.Logger) error {
	_ = conn.SetDeadline(time.Time{})
	st := &urbStream{s: s, conn: conn, dev: dev, logger: logger, pending: map[uint32]bool{}}
	work := make(chan *urb, s.config.QueueDepth)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	g.Go(func() error { return st.read(gctx, work) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case u := <-work:
				if err := st.complete(u); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		logger.Info("device removed, closing URB stream")
		return nil
	}
	return err
}

func (st *urbStream) read(ctx context.Context, work chan<- *urb) error {
	for {
		var hdr [usbip.HeaderSize]byte
		if err := usbip.ReadExactly(st.conn, hdr[:]); err != nil {
			return fmt.Errorf("read URB header: %w", err)
		}
		basic := usbip.ParseHeaderBasic(hdr[:])
		switch basic.Command {
		case usbip.CmdUnlinkCode:
			if err := st.unlink(usbip.ParseCmdUnlink(hdr[:])); err != nil {
				return err
			}
		case usbip.CmdSubmitCode:
			u, err := st.readSubmit(hdr[:])
			if err != nil {
				return err
			}
			st.mu.Lock()
			st.pending[u.seq()] = false
			st.mu.Unlock()
			select {
			case work <- u:
			case <-ctx.Done():
				return nil
			}
		default:
			return fmt.Errorf("unsupported cmd %d (seq=%d, devid=%d)", basic.Command, basic.Seqnum, basic.Devid)
		}
	}
}

func (st *urbStream) readSubmit(hdr []byte) (*urb, error) {
	u := &urb{cmd: usbip.ParseCmdSubmit(hdr)}
	if u.cmd.TransferBufferLen > maxURBLength {
		return nil, fmt.Errorf("seq %d: transfer length %d exceeds %d", u.seq(), u.cmd.TransferBufferLen, maxURBLength)
	}
	if u.cmd.Basic.Dir == usbip.DirOut && u.cmd.TransferBufferLen > 0 {
		u.out = make([]byte, u.cmd.TransferBufferLen)
		if err := usbip.ReadExactly(st.conn, u.out); err != nil {
			return nil, fmt.Errorf("read OUT payload: %w", err)
		}
	}
	if u.cmd.IsIso() {
		if u.cmd.NumberOfPackets > maxIsoPackets {
			return nil, fmt.Errorf("seq %d: %d iso packets exceeds %d", u.seq(), u.cmd.NumberOfPackets, maxIsoPackets)
		}
		var err error
		if u.iso, err = usbip.ReadIsoPackets(st.conn, int(u.cmd.NumberOfPackets)); err != nil {
			return nil, fmt.Errorf("read iso packets: %w", err)
		}
	}
	return u, nil
}

// unlink retires a queued URB with -ECONNRESET. URBs already started or
// completed are answered with status 0 and complete normally.
func (st *urbStream) unlink(c usbip.CmdUnlink) error {
	status := usbip.StatusOK
	st.mu.Lock()
	if started, ok := st.pending[c.UnlinkSeqnum]; ok && !started {
		delete(st.pending, c.UnlinkSeqnum)
		status = usbip.StatusConnReset
	}
	st.mu.Unlock()
	st.logger.Debug("USBIP_CMD_UNLINK", "seq", c.Basic.Seqnum, "unlink", c.UnlinkSeqnum, "status", status)

	var b bytes.Buffer
	ret := usbip.RetUnlink{Basic: usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: c.Basic.Seqnum}, Status: status}
	_ = ret.Write(&b)
	return st.send(b.Bytes())
}

func (st *urbStream) start(seq uint32) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.pending[seq]; !ok {
		return false
	}
	st.pending[seq] = true
	return true
}

func (st *urbStream) complete(u *urb) error {
	if !st.start(u.seq()) {
		return nil
	}
	defer func() {
		st.mu.Lock()
		delete(st.pending, u.seq())
		st.mu.Unlock()
	}()

	data, actual, status := st.s.processSubmit(st.dev, u.cmd, u.out)
	st.logger.Log(context.Background(), log.LevelTrace, "URB",
		"seq", u.seq(), "ep", u.cmd.Basic.Ep, "dir", u.cmd.Basic.Dir, "len", u.cmd.TransferBufferLen,
		"actual", actual, "status", status)

	ret := usbip.RetSubmit{
		Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: u.seq()},
		Status:       status,
		ActualLength: actual,
	}
	var pkts []usbip.IsoPacketDescriptor
	if u.cmd.IsIso() {
		data, pkts, ret.ActualLength = packIso(u, data, actual, status)
		ret.NumberOfPackets = uint32(len(pkts))
	}

	var b bytes.Buffer
	_ = ret.Write(&b)
	if u.cmd.Basic.Dir == usbip.DirIn {
		b.Write(data)
	}
	_ = usbip.WriteIsoPackets(&b, pkts)
	if err := st.send(b.Bytes()); err != nil {
		return fmt.Errorf("write RET_SUBMIT: %w", err)
	}
	return nil
}

func (st *urbStream) send(b []byte) error {
	st.wmu.Lock()
	defer st.wmu.Unlock()
	_, err := st.conn.Write(b)
	return err
}

// packIso lays the reply out per packet. IN data is returned packed, the
// way the host expects it; OUT packets report what the device accepted.
func packIso(u *urb, data []byte, actual uint32, status int32) ([]byte, []usbip.IsoPacketDescriptor, uint32) {
	pkts := make([]usbip.IsoPacketDescriptor, len(u.iso))
	var packed []byte
	var total uint32
	for i, p := range u.iso {
		pkts[i] = usbip.IsoPacketDescriptor{Offset: p.Offset, Length: p.Length, Status: status}
		if status != usbip.StatusOK {
			continue
		}
		var n uint32
		if u.cmd.Basic.Dir == usbip.DirIn {
			if p.Offset < uint32(len(data)) {
				n = min(p.Length, uint32(len(data))-p.Offset)
				packed = append(packed, data[p.Offset:p.Offset+n]...)
			}
		} else if p.Offset < actual {
			n = min(p.Length, actual-p.Offset)
		}
		pkts[i].ActualLength = n
		total += n
	}
	return packed, pkts, total
}

// processSubmit runs one URB against dev and returns the IN data, the
// actual length and the USB/IP status.
func (s *Server) processSubmit(dev usb.Device, cmd usbip.CmdSubmit, out []byte) ([]byte, uint32, int32) {
	dir := cmd.Basic.Dir
	if cmd.Basic.Ep != 0 {
		r := dev.HandleTransfer(cmd.Basic.Ep, dir, cmd.TransferBufferLen, out)
		return finish(r, dir, cmd.TransferBufferLen, out)
	}
	setup, err := usb.ParseSetup(cmd.Setup[:])
	if err != nil {
		return nil, 0, usbip.StatusPipe
	}
	r := handleControl(dev, setup, out)
	return finish(r, dir, min(cmd.TransferBufferLen, uint32(setup.Length)), out)
}

func finish(r usb.Reply, dir uint32, limit uint32, out []byte) ([]byte, uint32, int32) {
	if r.Stall {
		return nil, 0, usbip.StatusPipe
	}
	if dir == usbip.DirIn {
		data := r.Data
		if uint32(len(data)) > limit {
			data = data[:limit]
		}
		return data, uint32(len(data)), usbip.StatusOK
	}
	n := min(max(r.Accepted, 0), len(out))
	return nil, uint32(n), usbip.StatusOK
}

// handleControl answers standard requests from the descriptor and routes
// class and vendor requests to the device.
func handleControl(dev usb.Device, setup usb.SetupPacket, out []byte) usb.Reply {
	if setup.Type() != usb.RequestStandard {
		if h, ok := dev.(usb.ControlHandler); ok {
			return h.HandleControl(setup, out)
		}
		return usb.Stalled
	}

	desc := dev.GetDescriptor()
	switch setup.Request {
	case usb.ReqGetDescriptor:
		if !setup.IsIn() {
			return usb.Stalled
		}
		return getDescriptor(desc, setup)
	case usb.ReqSetAddress, usb.ReqSetConfiguration, usb.ReqClearFeature, usb.ReqSetFeature:
		return usb.Reply{}
	case usb.ReqGetConfiguration:
		return usb.Reply{Data: []byte{usb.ConfigValueDefault}}
	case usb.ReqGetStatus:
		return usb.Reply{Data: []byte{0, 0}}
	case usb.ReqSetInterface:
		iface, alt := uint8(setup.Index), uint8(setup.Value)
		if a, ok := dev.(usb.AltSetter); ok {
			if err := a.SetAltSetting(iface, alt); err != nil {
				return usb.Stalled
			}
			return usb.Reply{}
		}
		if _, ok := desc.AltSetting(iface, alt); ok && alt == 0 {
			return usb.Reply{}
		}
		return usb.Stalled
	case usb.ReqGetInterface:
		var alt uint8
		if a, ok := dev.(usb.AltSetter); ok {
			alt = a.AltSetting(uint8(setup.Index))
		}
		return usb.Reply{Data: []byte{alt}}
	}
	return usb.Stalled
}

func getDescriptor(desc *usb.Descriptor, setup usb.SetupPacket) usb.Reply {
	dtype, dindex := uint8(setup.Value>>8), uint8(setup.Value)
	var data []byte
	switch dtype {
	case usb.DeviceDescType:
		data = desc.Bytes()
	case usb.ConfigDescType:
		data = desc.ConfigBytes()
	case usb.StringDescType:
		if dindex == 0 {
			data = usb.LangIDDescriptor
		} else if s, ok := desc.Strings[dindex]; ok {
			data = usb.EncodeStringDescriptor(s)
		}
	}
	if len(data) == 0 {
		return usb.Stalled
	}
	return usb.Reply{Data: data}
}
