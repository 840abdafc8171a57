package usbip

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/usb"
)

// Client talks to a USB/IP server from the host side.
type Client struct {
	addr        string
	dialTimeout time.Duration
	logger      *slog.Logger
	rawLogger   log.RawLogger
}

// NewClient returns a client for the USB/IP server at addr. rawLogger may
// be nil.
func NewClient(addr string, logger *slog.Logger, rawLogger log.RawLogger) *Client {
	if rawLogger == nil {
		rawLogger = log.NewRaw(nil)
	}
	return &Client{addr: addr, dialTimeout: 3 * time.Second, logger: logger, rawLogger: rawLogger}
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: c.dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return &loggedConn{Conn: nc, raw: c.rawLogger}, nil
}

// ListDevices runs OP_REQ_DEVLIST.
func (c *Client) ListDevices(ctx context.Context) ([]ExportedDevice, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if err := (&MgmtHeader{Version: Version, Command: OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}
	hdr, err := ReadMgmtHeader(conn)
	if err != nil {
		return nil, fmt.Errorf("devlist reply: %w", err)
	}
	if hdr.Command != OpRepDevlist {
		return nil, fmt.Errorf("unexpected reply command %#04x", hdr.Command)
	}
	var nbuf [4]byte
	if err := ReadExactly(conn, nbuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(nbuf[:])
	devices := make([]ExportedDevice, 0, n)
	for i := uint32(0); i < n; i++ {
		dev, err := ReadExportedDevice(conn, true)
		if err != nil {
			return nil, fmt.Errorf("devlist entry %d: %w", i, err)
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// Import runs OP_REQ_IMPORT for busID and enumerates the device. The
// returned Conn owns the TCP connection.
func (c *Client) Import(ctx context.Context, busID string) (*Conn, error) {
	nc, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	}

	if err := (&MgmtHeader{Version: Version, Command: OpReqImport}).Write(nc); err != nil {
		nc.Close()
		return nil, err
	}
	var bus [BusIDSize]byte
	copy(bus[:], busID)
	if _, err := nc.Write(bus[:]); err != nil {
		nc.Close()
		return nil, err
	}
	hdr, err := ReadMgmtHeader(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("import %s: %w", busID, err)
	}
	if hdr.Command != OpRepImport {
		nc.Close()
		return nil, fmt.Errorf("unexpected reply command %#04x", hdr.Command)
	}
	if hdr.Status != 0 {
		nc.Close()
		return nil, fmt.Errorf("import %s refused (status %d): %w", busID, hdr.Status, usb.ErrNoDevice)
	}
	meta, err := ReadExportedDevice(nc, false)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("import %s: %w", busID, err)
	}
	_ = nc.SetDeadline(time.Time{})

	conn := newConn(nc, meta, c.logger)
	if _, err := conn.Enumerate(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enumerate %s: %w", busID, err)
	}
	c.logger.Info("imported usbip device", "busid", busID,
		"vid", fmt.Sprintf("0x%04x", meta.IDVendor), "pid", fmt.Sprintf("0x%04x", meta.IDProduct))
	return conn, nil
}
