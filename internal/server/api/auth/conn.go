package auth

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const maxFrame = 2 << 20

// Nonce prefixes keep the two directions of one session key apart.
var (
	clientPrefix = [4]byte{'c', 'l', 'i', 0}
	serverPrefix = [4]byte{'s', 'r', 'v', 0}
)

// ErrFrameTooLarge is returned when a peer announces a frame over 2 MiB.
var ErrFrameTooLarge = errors.New("auth: frame too large")

// Conn seals every Write into one frame: a big-endian uint32 length and
// the chacha20poly1305 ciphertext. Nonces are implicit counters, so a
// dropped, replayed or reordered frame fails to open.
type Conn struct {
	net.Conn
	src  io.Reader
	aead cipher.AEAD

	wmu     sync.Mutex
	sendPfx [4]byte
	sendCtr uint64

	recvPfx [4]byte
	recvCtr uint64
	pending bytes.Buffer
}

// newConn wraps conn; r is where already-buffered handshake bytes live.
func newConn(conn net.Conn, r io.Reader, sessionKey []byte, server bool) (*Conn, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	c := &Conn{Conn: conn, src: r, aead: aead, sendPfx: clientPrefix, recvPfx: serverPrefix}
	if server {
		c.sendPfx, c.recvPfx = serverPrefix, clientPrefix
	}
	return c, nil
}

func nonce(prefix [4]byte, ctr uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	copy(n, prefix[:])
	binary.BigEndian.PutUint64(n[4:], ctr)
	return n
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	frame := make([]byte, 4, 4+len(p)+c.aead.Overhead())
	frame = c.aead.Seal(frame, nonce(c.sendPfx, c.sendCtr), p, nil)
	binary.BigEndian.PutUint32(frame, uint32(len(frame)-4))
	c.sendCtr++
	if _, err := c.Conn.Write(frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.pending.Len() > 0 {
		return c.pending.Read(p)
	}
	var hdr [4]byte
	if _, err := io.ReadFull(c.src, hdr[:]); err != nil {
		return 0, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrame {
		return 0, ErrFrameTooLarge
	}
	ct := make([]byte, size)
	if _, err := io.ReadFull(c.src, ct); err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	pt, err := c.aead.Open(ct[:0], nonce(c.recvPfx, c.recvCtr), ct, nil)
	if err != nil {
		return 0, fmt.Errorf("auth: frame %d: %w", c.recvCtr, err)
	}
	c.recvCtr++
	n := copy(p, pt)
	c.pending.Write(pt[n:])
	return n, nil
}
