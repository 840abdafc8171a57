package api

import "time"

// ServerConfig represents the management API configuration.
type ServerConfig struct {
	Addr string `help:"API server listen address" default:":3242" env:"USBTEST_API_ADDR"`
	// Password enables the authenticated, encrypted transport when set.
	Password          string        `kong:"-" json:"-" yaml:"-" toml:"-"`
	RequireAuth       bool          `help:"Require authentication for clients connecting from localhost as well" env:"USBTEST_API_REQUIRE_AUTH"`
	ConnectionTimeout time.Duration `kong:"-"`
}
