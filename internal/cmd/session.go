package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/Alia5/usbtest/apitypes"
)

type Ping struct {
	Remote `embed:""`
}

func (c *Ping) Run() error {
	resp, err := c.client().PingCtx(context.Background())
	if err != nil {
		return err
	}
	return c.render(resp, func(t table.Writer) {
		t.AppendHeader(table.Row{"Server", "Version"})
		t.AppendRow(table.Row{resp.Server, resp.Version})
	})
}

type Peripherals struct {
	Remote `embed:""`
}

func (c *Peripherals) Run() error {
	resp, err := c.client().PeripheralListCtx(context.Background())
	if err != nil {
		return err
	}
	return c.render(resp, func(t table.Writer) {
		t.AppendHeader(table.Row{"ID", "VID", "PID", "Speed", "Class", "Ifaces", "Known as"})
		for _, p := range resp.Peripherals {
			t.AppendRow(table.Row{p.ID, p.Vid, p.Pid, p.Speed, fmt.Sprintf("0x%02x", p.Class), p.Interfaces, p.Name})
		}
	})
}

type Attach struct {
	Remote `embed:""`

	Peripheral     string `arg:"" help:"Peripheral ID, as shown by peripherals"`
	Interface      uint8  `help:"Interface number" default:"0"`
	Alt            int    `help:"Alternate setting to bind; -1 scans all of them" default:"-1"`
	NoBulk         bool   `help:"Do not bind bulk endpoints"`
	Interrupt      bool   `help:"Bind interrupt endpoints"`
	Iso            bool   `help:"Bind isochronous endpoints"`
	ForceInterrupt bool   `help:"Test bulk endpoints as interrupt ones"`
	Vendor         string `help:"Treat a device missing from the device table with this vendor ID as generic"`
	Product        string `help:"Product ID for --vendor"`
}

func (c *Attach) request() (apitypes.SessionAttachRequest, error) {
	req := apitypes.SessionAttachRequest{
		Peripheral:     c.Peripheral,
		Interface:      c.Interface,
		WantInterrupt:  c.Interrupt,
		WantIso:        c.Iso,
		ForceInterrupt: c.ForceInterrupt,
	}
	if c.Alt > 0xff {
		return req, fmt.Errorf("--alt %d out of range", c.Alt)
	}
	if c.Alt >= 0 {
		alt := uint8(c.Alt)
		req.Alt = &alt
	}
	if c.NoBulk {
		f := false
		req.WantBulk = &f
	}
	for _, id := range []struct {
		name string
		s    string
		dst  **uint16
	}{{"vendor", c.Vendor, &req.MatchVendor}, {"product", c.Product, &req.MatchProduct}} {
		if id.s == "" {
			continue
		}
		v, err := strconv.ParseUint(id.s, 0, 16)
		if err != nil {
			return req, fmt.Errorf("--%s: %w", id.name, err)
		}
		u := uint16(v)
		*id.dst = &u
	}
	return req, nil
}

func (c *Attach) Run() error {
	req, err := c.request()
	if err != nil {
		return err
	}
	s, err := c.client().SessionAttachCtx(context.Background(), req)
	if err != nil {
		return err
	}
	return c.render(s, func(t table.Writer) { sessionDetail(t, *s) })
}

// Sessions lists sessions, or shows one in detail when given an id.
type Sessions struct {
	Remote `embed:""`

	ID string `arg:"" optional:"" help:"Session to show"`
}

func (c *Sessions) Run() error {
	ctx := context.Background()
	if c.ID != "" {
		s, err := c.client().SessionGetCtx(ctx, c.ID)
		if err != nil {
			return err
		}
		return c.render(s, func(t table.Writer) { sessionDetail(t, *s) })
	}
	resp, err := c.client().SessionListCtx(ctx)
	if err != nil {
		return err
	}
	return c.render(resp, func(t table.Writer) {
		t.AppendHeader(table.Row{"ID", "Peripheral", "Device", "State", "Self-test", "Runs", "Summary"})
		for _, s := range resp.Sessions {
			state := s.State
			if s.Degraded {
				state += " (degraded)"
			}
			t.AppendRow(table.Row{s.ID, s.Peripheral, s.Device, state, s.SelfTest.Status, s.Runs, s.Summary})
		}
	})
}

func sessionDetail(t table.Writer, s apitypes.Session) {
	t.AppendRows([]table.Row{
		{"ID", s.ID},
		{"Peripheral", s.Peripheral},
		{"Device", fmt.Sprintf("%s (%s:%s, %s)", s.Device, s.Vid, s.Pid, s.Speed)},
		{"State", s.State},
		{"Degraded", s.Degraded},
		{"Interface", fmt.Sprintf("%d alt %d", s.Interface, s.Alt)},
		{"Summary", s.Summary},
	})
	self := s.SelfTest.Status
	if s.SelfTest.Error != "" {
		self = fmt.Sprintf("%s at %s (%d/%d): %s", self, s.SelfTest.Phase, s.SelfTest.Actual, s.SelfTest.Expected, s.SelfTest.Error)
	}
	t.AppendRow(table.Row{"Self-test", self})
	slots := make([]string, 0, len(s.Pipes))
	for slot := range s.Pipes {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	for _, slot := range slots {
		p := s.Pipes[slot]
		t.AppendRow(table.Row{slot, fmt.Sprintf("%s %s mps=%d", p.Endpoint, p.Type, p.MaxPacket)})
	}
}

type Test struct {
	Remote `embed:""`

	ID         string `arg:"" help:"Session ID"`
	Case       int    `arg:"" name:"test" help:"Test case number (0 nop, 1-6 bulk, 9 EP0 self-test, 14 control loopback, 15/16 iso, 25/26 interrupt)"`
	Iterations int    `help:"Number of iterations" default:"1" short:"n"`
	Length     int    `help:"Transfer length in bytes" default:"512" short:"l"`
	Vary       int    `help:"Length step for the varying-length cases" short:"v"`
	SGLen      int    `help:"Chunks per iteration for the sglist cases" default:"32" name:"sglen"`
	NoWait     bool   `help:"Fail with busy instead of waiting for a running test"`
}

// Run fails when the test did not succeed, so scripts can check the exit code.
func (c *Test) Run() error {
	resp, err := c.client().SessionTestCtx(context.Background(), c.ID, apitypes.TestRequest{
		Test:       c.Case,
		Iterations: c.Iterations,
		Length:     c.Length,
		Vary:       c.Vary,
		SGLen:      c.SGLen,
		NoWait:     c.NoWait,
	})
	if err != nil {
		return err
	}
	if err := c.render(resp, func(t table.Writer) {
		t.AppendHeader(table.Row{"Test", "Name", "Status", "Duration", "Error"})
		t.AppendRow(table.Row{resp.Test, resp.Name, resp.Status, time.Duration(resp.DurationNs), resp.Error})
	}); err != nil {
		return err
	}
	if resp.Status != "success" {
		return fmt.Errorf("test %d: %s", resp.Test, resp.Status)
	}
	return nil
}

type Detach struct {
	Remote `embed:""`

	ID string `arg:"" help:"Session ID"`
}

func (c *Detach) Run() error {
	resp, err := c.client().SessionDetachCtx(context.Background(), c.ID)
	if err != nil {
		return err
	}
	return c.render(resp, func(t table.Writer) {
		t.AppendHeader(table.Row{"ID", "Status"})
		t.AppendRow(table.Row{resp.ID, resp.Status})
	})
}
