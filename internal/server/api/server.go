package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Alia5/usbtest/internal/server/api/auth"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
)

var wsRegex = regexp.MustCompile(`\s`)

// Server implements a small TCP API for managing gadgets and test sessions.
type Server struct {
	addr   string
	logger *slog.Logger
	router *Router
	config ServerConfig
	key    auth.Key

	mu sync.Mutex
	ln net.Listener
}

// New creates a new API server. Handlers are registered on Router before
// Start.
func New(addr string, config ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		logger: logger,
		config: config,
		router: NewRouter(),
	}
}

// Router returns the router used by the API server so callers can register handlers.
func (a *Server) Router() *Router { return a.router }

// Config returns the server configuration.
func (a *Server) Config() ServerConfig { return a.config }

// Addr returns the bound address once started, the configured one before.
func (a *Server) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln != nil {
		return a.ln.Addr().String()
	}
	return a.addr
}

// Start listens on the configured address and serves incoming API commands.
func (a *Server) Start() error {
	if a.config.Password != "" {
		key, err := auth.NewKey(a.config.Password)
		if err != nil {
			return fmt.Errorf("derive API key: %w", err)
		}
		a.key = key
	}
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()
	a.logger.Info("API listening", "addr", ln.Addr().String(), "auth", a.key != nil)
	go a.serve(ln)
	return nil
}

// Close stops the API server.
func (a *Server) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln != nil {
		_ = a.ln.Close()
	}
}

func (a *Server) serve(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				a.logger.Info("API server stopped")
				return
			}
			a.logger.Info("API accept error", "error", err)
			return
		}
		go a.handleConn(c)
	}
}

func (a *Server) writeError(w io.Writer, err error) {
	apiErr := apierror.WrapError(err)
	problemJSON, _ := json.Marshal(apiErr)
	fmt.Fprintf(w, "%s\n", string(problemJSON))
}

func (a *Server) writeOK(w io.Writer, rest string) {
	if rest == "" {
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "%s\n", rest)
	}
}

// authenticate runs the handshake when the client starts one. Clients that
// skip it are only let through from loopback, and only unless RequireAuth.
func (a *Server) authenticate(conn net.Conn, r *bufio.Reader, logger *slog.Logger) (net.Conn, *bufio.Reader, error) {
	if a.key == nil {
		return conn, r, nil
	}
	offered, err := auth.Offered(r)
	if err != nil {
		return nil, nil, fmt.Errorf("peek hello: %w", err)
	}
	if !offered {
		if a.config.RequireAuth || !isLoopback(conn.RemoteAddr()) {
			return nil, nil, apierror.ErrUnauthorized("authentication required")
		}
		return conn, r, nil
	}
	wrapped, err := auth.Server(conn, r, a.key)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("api client authenticated")
	return wrapped, bufio.NewReader(wrapped), nil
}

func isLoopback(addr net.Addr) bool {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.IsLoopback()
	}
	return false
}

func (a *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	if a.config.ConnectionTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(a.config.ConnectionTimeout))
	}

	connLogger := a.logger.With("remote", conn.RemoteAddr().String())
	r := bufio.NewReader(conn)

	w, r, err := a.authenticate(conn, r, connLogger)
	if err != nil {
		connLogger.Warn("api auth failed", "error", err)
		a.writeError(conn, err)
		return
	}

	// Read until null terminator
	reqData, err := r.ReadString('\x00')
	if err != nil {
		if err == io.EOF {
			connLogger.Error("api incomplete request (no null terminator)")
		} else {
			connLogger.Error("read api data", "error", err)
		}
		return
	}
	reqData = strings.TrimSuffix(reqData, "\x00")
	// the timeout covers the request only; test runs may take longer
	_ = conn.SetDeadline(time.Time{})

	if reqData == "" {
		connLogger.Error("api empty command")
		a.writeError(w, apierror.ErrBadRequest("empty request"))
		return
	}

	var path, payload string
	if loc := wsRegex.FindStringIndex(reqData); loc != nil {
		path = reqData[:loc[0]]
		payload = reqData[loc[1]:]
	} else {
		path = reqData
	}

	if path == "" {
		connLogger.Error("api empty path")
		a.writeError(w, apierror.ErrBadRequest("empty path"))
		return
	}

	path = strings.ToLower(path)
	connLogger.Info("api cmd", "path", path)

	h, params := a.router.Match(path)
	if h == nil {
		connLogger.Error("api unknown path", "path", path)
		a.writeError(w, apierror.ErrNotFound(fmt.Sprintf("unknown path: %s", path)))
		return
	}
	req := &Request{Ctx: connCtx, Params: params, Payload: payload}
	res := &Response{}
	if err := h(req, res, connLogger); err != nil {
		connLogger.Error("api handler error", "path", path, "error", err)
		a.writeError(w, err)
		return
	}
	connLogger.Debug("api handler success", "path", path)
	a.writeOK(w, res.JSON)
}
