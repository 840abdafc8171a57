package session

import (
	"fmt"
	"time"
)

// Config holds the per-session tunables.
type Config struct {
	PayloadLength   int           `help:"EP0 self-test payload length in bytes" default:"8" env:"USBTEST_SESSION_PAYLOAD_LENGTH"`
	ScratchSize     int           `help:"Scratch buffer size in bytes" default:"256" env:"USBTEST_SESSION_SCRATCH_SIZE"`
	ControlTimeout  time.Duration `help:"Timeout for each control transfer" default:"5s" env:"USBTEST_SESSION_CONTROL_TIMEOUT"`
	TransferTimeout time.Duration `help:"Timeout for each bulk, interrupt or iso transfer" default:"10s" env:"USBTEST_SESSION_TRANSFER_TIMEOUT"`
	DetachTimeout   time.Duration `help:"Longest detach waits for an in-flight test before returning" default:"15s" env:"USBTEST_SESSION_DETACH_TIMEOUT"`
	NonBlocking     bool          `help:"Fail test requests with busy instead of queueing them" env:"USBTEST_SESSION_NON_BLOCKING"`
	StrictSelfTest  bool          `help:"Fail attach when the EP0 self-test fails" env:"USBTEST_SESSION_STRICT_SELF_TEST"`
}

// DefaultConfig matches the kong defaults.
func DefaultConfig() Config {
	return Config{
		PayloadLength:   8,
		ScratchSize:     256,
		ControlTimeout:  5 * time.Second,
		TransferTimeout: 10 * time.Second,
		DetachTimeout:   15 * time.Second,
	}
}

// Validate rejects configurations a session cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ScratchSize <= 0:
		return fmt.Errorf("scratch size must be positive, got %d", c.ScratchSize)
	case c.PayloadLength <= 0 || c.PayloadLength > c.ScratchSize:
		return fmt.Errorf("payload length %d must be in 1..%d", c.PayloadLength, c.ScratchSize)
	case c.PayloadLength > 0xffff:
		return fmt.Errorf("payload length %d exceeds wLength", c.PayloadLength)
	case c.ControlTimeout <= 0 || c.TransferTimeout <= 0:
		return fmt.Errorf("transfer timeouts must be positive")
	case c.DetachTimeout <= 0:
		return fmt.Errorf("detach timeout must be positive")
	}
	return nil
}
