package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/Alia5/usbtest/internal/hostusb"
	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/internal/peripheral"
	"github.com/Alia5/usbtest/internal/server/api"
	"github.com/Alia5/usbtest/internal/server/api/handler"
	"github.com/Alia5/usbtest/internal/server/usb"
	"github.com/Alia5/usbtest/negotiate"
	"github.com/Alia5/usbtest/session"
	"github.com/Alia5/usbtest/usbip"
)

// Version is set at build time with -ldflags "-X github.com/Alia5/usbtest/internal/cmd.Version=x.y.z".
var Version = "dev"

const shutdownTimeout = 20 * time.Second

type Server struct {
	Gadget  usb.ServerConfig        `embed:"" prefix:"gadget."`
	API     api.ServerConfig        `embed:"" prefix:"api."`
	Session session.Config          `embed:"" prefix:"session."`
	Profile negotiate.ProfileConfig `embed:"" prefix:"profile."`

	Source       string   `help:"Where sessions find peripherals: gadget (built-in gadget server), usbip (remote USB/IP server) or host (libusb)" enum:"gadget,usbip,host" default:"gadget" env:"USBTEST_SOURCE"`
	UpstreamAddr string   `help:"USB/IP server address used with --source=usbip" env:"USBTEST_UPSTREAM_ADDR"`
	Gadgets      []string `help:"Gadgets exported at startup" default:"zero" env:"USBTEST_GADGETS"`
	NoAuth       bool     `help:"Serve the API without a password" env:"USBTEST_NO_AUTH"`

	ConnectionTimeout time.Duration `help:"Timeout for reading a request or a USB/IP handshake" default:"30s" env:"USBTEST_CONNECTION_TIMEOUT"`
}

// Run is called by Kong when the server command is executed.
func (s *Server) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

// StartServer runs the gadget server, the session manager and the API
// until ctx is done or the gadget server fails.
func (s *Server) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	s.Gadget.ConnectionTimeout = s.ConnectionTimeout
	s.API.ConnectionTimeout = s.ConnectionTimeout
	if err := s.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if _, err := s.Profile.Profile(); err != nil {
		return fmt.Errorf("profile config: %w", err)
	}
	if _, err := s.Profile.MatchParams(); err != nil {
		return fmt.Errorf("profile config: %w", err)
	}
	if s.API.Addr == "" {
		return errors.New("API server address must be set (default :3242)")
	}

	if !s.NoAuth {
		pwd, err := loadOrCreateKey(logger)
		if err != nil {
			return err
		}
		s.API.Password = pwd
	}

	logger.Info("Starting usbtest gadget server", "addr", s.Gadget.Addr)
	usbSrv := usb.New(s.Gadget, logger, rawLogger)
	usbErrCh := make(chan error, 1)
	go func() { usbErrCh <- usbSrv.ListenAndServe() }()
	select {
	case err := <-usbErrCh:
		return err
	case <-usbSrv.Ready():
	}
	if err := s.exportGadgets(usbSrv, logger); err != nil {
		_ = usbSrv.Close()
		return err
	}

	src, closeSrc, err := s.source(usbSrv, logger, rawLogger)
	if err != nil {
		_ = usbSrv.Close()
		return err
	}
	m := session.NewManager(s.Session, logger)

	apiSrv := api.New(s.API.Addr, s.API, logger)
	registerRoutes(apiSrv.Router(), usbSrv, m, src, s.Profile)
	if err := apiSrv.Start(); err != nil {
		logger.Error("failed to start API server", "error", err)
		_ = usbSrv.Close()
		return multierr.Append(err, closeSrc())
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-usbErrCh:
	}
	apiSrv.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = multierr.Combine(runErr, m.Close(shutdownCtx), closeSrc())
	if runErr == nil {
		_ = usbSrv.Close()
		err = multierr.Append(err, <-usbErrCh)
	}
	return err
}

func registerRoutes(r *api.Router, usbSrv *usb.Server, m *session.Manager, src peripheral.Source, profile negotiate.ProfileConfig) {
	r.Register("ping", handler.Ping(Version))
	r.Register("gadget/list", handler.GadgetList(usbSrv))
	r.Register("gadget/add", handler.GadgetAdd(usbSrv))
	r.Register("gadget/remove", handler.GadgetRemove(usbSrv))
	r.Register("peripheral/list", handler.PeripheralList(src))
	r.Register("session/list", handler.SessionList(m))
	r.Register("session/attach", handler.SessionAttach(m, src, profile))
	r.Register("session/{id}", handler.SessionInfo(m))
	r.Register("session/{id}/test", handler.SessionTest(m))
	r.Register("session/{id}/detach", handler.SessionDetach(m))
}

func (s *Server) exportGadgets(usbSrv *usb.Server, logger *slog.Logger) error {
	for _, name := range s.Gadgets {
		gt, ok := api.LookupGadget(name)
		if !ok {
			return fmt.Errorf("unknown gadget type %q (known: %s)", name, api.GadgetNames())
		}
		dev, err := gt.New(nil)
		if err != nil {
			return fmt.Errorf("create gadget %s: %w", name, err)
		}
		if _, err := usbSrv.Bus().Add(dev); err != nil {
			return fmt.Errorf("export gadget %s: %w", name, err)
		}
		logger.Info("Exported gadget", "type", name)
	}
	return nil
}

// source returns the peripheral source sessions attach through, and the
// function releasing it.
func (s *Server) source(usbSrv *usb.Server, logger *slog.Logger, rawLogger log.RawLogger) (peripheral.Source, func() error, error) {
	nop := func() error { return nil }
	switch s.Source {
	case "usbip":
		if s.UpstreamAddr == "" {
			return nil, nil, errors.New("--upstream-addr is required with --source=usbip")
		}
		logger.Info("Sessions attach through USB/IP", "upstream", s.UpstreamAddr)
		return peripheral.NewUSBIP(usbip.NewClient(s.UpstreamAddr, logger, rawLogger)), nop, nil
	case "host":
		h, err := hostusb.New(logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open libusb: %w", err)
		}
		logger.Info("Sessions attach to host USB devices")
		return h, h.Close, nil
	}
	return peripheral.NewUSBIP(usbip.NewClient(usbSrv.Addr(), logger, rawLogger)), nop, nil
}
