package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/Alia5/usbtest/internal/server/api/auth"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
)

// Config controls low-level transport behavior such as timeouts.
type Config struct {
	DialTimeout time.Duration
	// ReadTimeout bounds the wait for the response. Test runs can be long,
	// so callers running them usually raise it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Password     string
}

func defaultConfig() Config {
	return Config{
		DialTimeout:  3 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Transport speaks the management protocol: one request per connection.
// Request framing is `<path>[ SP <payload>] \x00`; only the null byte ends
// a request, so payloads may carry newlines. The server answers with one
// line and closes, so the response is read to EOF and a single trailing
// newline is trimmed.
type Transport struct {
	addr string
	mock func(path string, payload any, pathParams map[string]string) (string, error)
	cfg  Config
}

// NewTransport creates a new low-level transport.
func NewTransport(addr string) *Transport { return NewTransportWithConfig(addr, nil) }

func NewTransportWithPassword(addr, password string) *Transport {
	cfg := defaultConfig()
	cfg.Password = password
	return NewTransportWithConfig(addr, &cfg)
}

// NewTransportWithConfig creates a new low-level transport; nil cfg uses the defaults.
func NewTransportWithConfig(addr string, cfg *Config) *Transport {
	c := defaultConfig()
	if cfg != nil {
		c = *cfg
	}
	return &Transport{addr: addr, cfg: c}
}

// NewMockTransport creates a transport that returns canned responses without real networking.
// The responder receives the unfilled path pattern, the payload and the path params.
func NewMockTransport(responder func(path string, payload any, pathParams map[string]string) (string, error)) *Transport {
	return &Transport{addr: "mock", mock: responder, cfg: defaultConfig()}
}

// Do sends a request and returns the response without its trailing newline.
// Payload handling:
//
//	[]byte -> sent as-is
//	string -> UTF-8 bytes
//	other  -> JSON marshaled
//	nil    -> no payload
func (t *Transport) Do(path string, payload any, pathParams map[string]string) (string, error) {
	return t.DoCtx(context.Background(), path, payload, pathParams)
}

// DoCtx is like Do but honors ctx in addition to the configured timeouts.
func (t *Transport) DoCtx(ctx context.Context, path string, payload any, pathParams map[string]string) (string, error) {
	if t.mock != nil {
		return t.mock(path, payload, pathParams)
	}
	line := []byte(fillPath(path, pathParams))
	pb, err := toPayloadBytes(payload)
	if err != nil {
		return "", err
	}
	if len(pb) > 0 {
		line = append(append(line, ' '), pb...)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}

	d := &net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			slog.Warn("failed to set TCP_NODELAY", "error", err)
		}
	}
	// closing the connection unblocks a pending read on cancellation
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if t.cfg.Password != "" {
		if conn, err = t.secure(conn); err != nil {
			return "", err
		}
	}

	if _, err := conn.Write(append(line, '\x00')); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	if t.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	resp, err := io.ReadAll(conn)
	if err != nil && len(resp) == 0 {
		if ctx.Err() != nil {
			return "", fmt.Errorf("read: %w", ctx.Err())
		}
		return "", fmt.Errorf("read: %w", err)
	}
	return strings.TrimSuffix(string(resp), "\n"), nil
}

// secure runs the password handshake and returns the encrypted connection.
func (t *Transport) secure(conn net.Conn) (net.Conn, error) {
	key, err := auth.NewKey(t.cfg.Password)
	if err != nil {
		return nil, err
	}
	sc, err := auth.Client(conn, key)
	if err != nil {
		// a server that drops the connection without a reply rejected the proof
		if errors.Is(err, io.EOF) {
			return nil, apierror.ErrUnauthorized("invalid password")
		}
		return nil, err
	}
	return sc, nil
}

func fillPath(pattern string, params map[string]string) string {
	out := pattern
	for k, v := range params {
		out = strings.ReplaceAll(out, "{"+k+"}", url.PathEscape(v))
	}
	return strings.ToLower(out)
}

func toPayloadBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return b, nil
	}
}
