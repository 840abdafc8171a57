package auth

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/Alia5/usbtest/apitypes"
	apierror "github.com/Alia5/usbtest/internal/server/api/error"
)

// Magic opens a client hello. Plain requests never start with it since
// paths are printable.
const Magic = "UTS1\x00"

const (
	nonceSize = 32
	okReply   = "OK\x00"
)

// Offered reports whether the client on r opened with a hello.
func Offered(r *bufio.Reader) (bool, error) {
	b, err := r.Peek(len(Magic))
	if err != nil {
		return false, err
	}
	return string(b) == Magic, nil
}

// Client sends a hello proving it holds key and returns the encrypted
// connection. A server rejecting the proof answers with an ApiError, which
// is returned as *apitypes.ApiError.
//
//	client: Magic | client nonce (32) | HMAC(key, proof context | client nonce)
//	server: "OK\0" | server nonce (32)
func Client(conn net.Conn, key Key) (*Conn, error) {
	cn := make([]byte, nonceSize)
	if _, err := rand.Read(cn); err != nil {
		return nil, fmt.Errorf("client nonce: %w", err)
	}
	hello := make([]byte, 0, len(Magic)+nonceSize+sha256.Size)
	hello = append(hello, Magic...)
	hello = append(hello, cn...)
	hello = append(hello, key.proof(cn)...)
	if _, err := conn.Write(hello); err != nil {
		return nil, fmt.Errorf("write hello: %w", err)
	}

	r := bufio.NewReader(conn)
	reply := make([]byte, len(okReply))
	if _, err := io.ReadFull(r, reply); err != nil {
		return nil, fmt.Errorf("read hello reply: %w", err)
	}
	if string(reply) != okReply {
		rest, _ := io.ReadAll(r)
		return nil, rejection(append(reply, rest...))
	}
	sn := make([]byte, nonceSize)
	if _, err := io.ReadFull(r, sn); err != nil {
		return nil, fmt.Errorf("read server nonce: %w", err)
	}
	return newConn(conn, r, key.session(cn, sn), false)
}

func rejection(raw []byte) error {
	raw = bytes.TrimRight(raw, "\n")
	var apiErr apitypes.ApiError
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Status != 0 {
		return &apiErr
	}
	return fmt.Errorf("unexpected hello reply %q", raw)
}

// Server consumes a hello from r, checks its proof and answers with the
// server nonce. A bad proof yields a 401 ApiError for the caller to send.
func Server(conn net.Conn, r *bufio.Reader, key Key) (*Conn, error) {
	hello := make([]byte, len(Magic)+nonceSize+sha256.Size)
	if _, err := io.ReadFull(r, hello); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if string(hello[:len(Magic)]) != Magic {
		return nil, apierror.ErrBadRequest("malformed hello")
	}
	cn := hello[len(Magic) : len(Magic)+nonceSize]
	if !hmac.Equal(hello[len(Magic)+nonceSize:], key.proof(cn)) {
		return nil, apierror.ErrUnauthorized("invalid password")
	}

	sn := make([]byte, nonceSize)
	if _, err := rand.Read(sn); err != nil {
		return nil, fmt.Errorf("server nonce: %w", err)
	}
	if _, err := conn.Write(append([]byte(okReply), sn...)); err != nil {
		return nil, fmt.Errorf("write hello reply: %w", err)
	}
	return newConn(conn, r, key.session(cn, sn), true)
}
