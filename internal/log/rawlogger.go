package log

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

// RawLogger hex-dumps USB/IP traffic, one line per chunk.
type RawLogger interface {
	Log(in bool, data []byte)
}

type rawLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewRaw creates a new RawLogger. If writer is nil, returns a no-op logger.
func NewRaw(w io.Writer) RawLogger {
	if w == nil {
		return nopRaw{}
	}
	return &rawLogger{w: w}
}

// Log emits a single-line raw packet log with timestamp and hex dump.
// in=true means host->device (client->server), in=false means device->host.
func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 {
		return
	}
	dir := "D->H"
	if in {
		dir = "H->D"
	}
	line := fmt.Sprintf("%s %s %d bytes: % x\n",
		time.Now().Format("2006/01/02 15:04:05.000"), dir, len(data), data)

	r.mu.Lock()
	_, _ = io.WriteString(r.w, line)
	r.mu.Unlock()
}

type nopRaw struct{}

func (nopRaw) Log(bool, []byte) {}

// HexDump formats up to limit bytes for a structured log attribute.
func HexDump(data []byte, limit int) string {
	if len(data) <= limit {
		return hex.EncodeToString(data)
	}
	return hex.EncodeToString(data[:limit]) + "..."
}
