// Package config holds the root command line of the usbtest binary.
package config

import "github.com/Alia5/usbtest/internal/cmd"

type Log struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"USBTEST_LOG_LEVEL"`
	File    string `help:"Also write logs to this file" env:"USBTEST_LOG_FILE"`
	RawFile string `help:"Write a hex dump of USB/IP traffic to this file" env:"USBTEST_LOG_RAW_FILE"`
}

type CLI struct {
	Config string `help:"Configuration file (json, yaml or toml)" env:"USBTEST_CONFIG"`
	Log    Log    `embed:"" prefix:"log."`

	Server      cmd.Server        `cmd:"" help:"Run the gadget server, the session manager and the API"`
	Gadget      cmd.GadgetCommand `cmd:"" help:"Manage simulated gadgets"`
	Peripherals cmd.Peripherals   `cmd:"" help:"List peripherals sessions can attach to"`
	Attach      cmd.Attach        `cmd:"" help:"Attach a test session to a peripheral"`
	Sessions    cmd.Sessions      `cmd:"" help:"List sessions or show one"`
	Test        cmd.Test          `cmd:"" help:"Run a test case on a session"`
	Detach      cmd.Detach        `cmd:"" help:"Detach a session"`
	Ping        cmd.Ping          `cmd:"" help:"Check that the server answers"`
	ConfigCmd   cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration helpers"`
}
