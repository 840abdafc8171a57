package usb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbip"
	"github.com/Alia5/usbtest/virtualbus"
)

const (
	// Standard header peek size
	headerPeekSize = 8

	// OP_REP_IMPORT status for an unknown or already imported busid.
	importStatusUnavailable = 1
)

type Server struct {
	config    *ServerConfig
	logger    *slog.Logger
	rawLogger log.RawLogger
	bus       *virtualbus.VirtualBus
	ready     chan struct{}
	readyOnce sync.Once

	mu sync.Mutex
	ln net.Listener
}

func New(config ServerConfig, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	if config.BusID == 0 {
		config.BusID = 1
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 32
	}
	return &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		bus:       virtualbus.New(config.BusID),
		ready:     make(chan struct{}),
	}
}

// Bus returns the bus the server exports.
func (s *Server) Bus() *virtualbus.VirtualBus { return s.bus }

// ListenAndServe starts the USB-IP server and handles incoming connections.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USBIP server listening", "addr", ln.Addr().String(), "bus", s.config.BusID)
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("USBIP server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", c.RemoteAddr())
		go func() {
			if err := s.handleConn(c); err != nil {
				if isClientDisconnect(err) {
					s.logger.Info("Client disconnected", "error", err)
				} else {
					s.logger.Error("Connection handler error", "error", err)
				}
			}
		}()
	}
}

// Ready returns a channel that is closed once the server has successfully bound
// to its listen address and is ready to accept connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listen address, or the configured one before
// the server is ready.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.config.Addr
}

// Close stops the USB server by closing its listener and removes every
// exported gadget, which ends their URB streams.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	_ = s.bus.Close()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// GetListenPort extracts and returns the port number from the server's listen address.
func (s *Server) GetListenPort() uint16 {
	_, portStr, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// --

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = &logConn{Conn: conn, s: s}
	if s.config.ConnectionTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
			s.logger.Warn("Failed to set deadline", "error", err)
		}
	}

	var hdrBuf [headerPeekSize]byte
	if err := usbip.ReadExactly(conn, hdrBuf[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	ver := binary.BigEndian.Uint16(hdrBuf[0:2])
	code := binary.BigEndian.Uint16(hdrBuf[2:4])

	if ver == usbip.Version {
		switch code {
		case usbip.OpReqDevlist:
			s.logger.Info("OP_REQ_DEVLIST")
			return s.handleDevList(conn)
		case usbip.OpReqImport:
			s.logger.Info("OP_REQ_IMPORT")
			return s.handleImport(conn)
		}
	}

	return fmt.Errorf("protocol violation: client sent URB data without OP_REQ_IMPORT")
}

func exportedDevice(meta usbip.ExportMeta, desc *usb.Descriptor) usbip.ExportedDevice {
	exp := usbip.ExportedDevice{
		ExportMeta:          meta,
		Speed:               desc.Device.Speed,
		IDVendor:            desc.Device.IDVendor,
		IDProduct:           desc.Device.IDProduct,
		BcdDevice:           desc.Device.BcdDevice,
		BDeviceClass:        desc.Device.BDeviceClass,
		BDeviceSubClass:     desc.Device.BDeviceSubClass,
		BDeviceProtocol:     desc.Device.BDeviceProtocol,
		BConfigurationValue: usb.ConfigValueDefault,
		BNumConfigurations:  desc.Device.BNumConfigurations,
		BNumInterfaces:      uint8(desc.NumInterfaces()),
	}
	for _, iface := range desc.Interfaces {
		if iface.Alt() != 0 {
			continue
		}
		exp.Interfaces = append(exp.Interfaces, usbip.InterfaceDesc{
			Class:    iface.Descriptor.BInterfaceClass,
			SubClass: iface.Descriptor.BInterfaceSubClass,
			Protocol: iface.Descriptor.BInterfaceProtocol,
		})
	}
	return exp
}

func (s *Server) handleDevList(conn net.Conn) error {
	_ = conn.SetDeadline(time.Time{})
	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: 0}
	_ = rep.Write(&buf)
	metas := s.bus.GetAllDeviceMetas()
	dlh := usbip.DevListReplyHeader{NDevices: uint32(len(metas))}
	_ = dlh.Write(&buf)
	for _, m := range metas {
		exp := exportedDevice(m.Meta, m.Dev.GetDescriptor())
		_ = exp.WriteDevlist(&buf)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

func (s *Server) handleImport(conn net.Conn) error {
	var rest [usbip.BusIDSize]byte
	if err := usbip.ReadExactly(conn, rest[:]); err != nil {
		return fmt.Errorf("read import busid: %w", err)
	}
	reqBus := string(rest[:])
	if i := bytes.IndexByte(rest[:], 0); i >= 0 {
		reqBus = string(rest[:i])
	}
	s.logger.Info("Import request", "busid", reqBus)

	m, ctx, release, err := s.bus.Claim(reqBus)
	if err != nil {
		s.logger.Warn("Import refused", "busid", reqBus, "error", err)
		rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: importStatusUnavailable}
		if werr := rep.Write(conn); werr != nil {
			return fmt.Errorf("write import reply failed: %w", werr)
		}
		return nil
	}
	defer release()

	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 0}
	_ = rep.Write(&buf)
	exp := exportedDevice(m.Meta, m.Dev.GetDescriptor())
	_ = exp.WriteImport(&buf)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write import reply failed: %w", err)
	}
	return s.handleUrbStream(ctx, conn, m.Dev, s.logger.With("busid", reqBus))
}

type logConn struct {
	net.Conn
	s *Server
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(true, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(false, p[:n])
	}
	return n, err
}

// isClientDisconnect tests whether an error represents a normal client
// disconnect (EOF, ECONNRESET, broken pipe, or the Windows WSAECONNRESET
// translated error). We treat those as normal client disconnects and log
// them at Info level instead of Error.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// On many platforms the underlying error will be a syscall.Errno
		switch t := opErr.Err.(type) {
		case syscall.Errno:
			if t == syscall.ECONNRESET || t == syscall.EPIPE {
				return true
			}
		}
	}
	// Fallback to checking the message for platform-specific strings.
	e := strings.ToLower(err.Error())
	if strings.Contains(e, "connection reset by peer") || strings.Contains(e, "forcibly closed") || strings.Contains(e, "aborted") {
		return true
	}
	return false
}
