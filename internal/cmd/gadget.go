package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/Alia5/usbtest/device"
)

// GadgetCommand groups the commands managing simulated gadgets.
type GadgetCommand struct {
	List   GadgetList   `cmd:"" default:"1" help:"List exported gadgets"`
	Add    GadgetAdd    `cmd:"" help:"Export a new gadget"`
	Remove GadgetRemove `cmd:"" help:"Remove a gadget; an attached session loses its device"`
}

type GadgetList struct {
	Remote `embed:""`
}

func (c *GadgetList) Run() error {
	resp, err := c.client().GadgetListCtx(context.Background())
	if err != nil {
		return err
	}
	return c.render(resp, func(t table.Writer) {
		t.AppendHeader(table.Row{"Busid", "Dev", "Type", "VID", "PID", "Imported"})
		for _, g := range resp.Gadgets {
			t.AppendRow(table.Row{g.BusID, g.DevId, g.Type, g.Vid, g.Pid, g.Imported})
		}
	})
}

type GadgetAdd struct {
	Remote `embed:""`

	Type              string `arg:"" help:"Gadget type" enum:"zero,storage"`
	Vendor            string `help:"Override the vendor ID, e.g. 0x0525"`
	Product           string `help:"Override the product ID"`
	ShortControlWrite int    `help:"Accept only this many bytes of a loopback control write; -1 accepts all" default:"-1"`
	Latency           int    `help:"Delay every data transfer by this many milliseconds"`
}

func (c *GadgetAdd) Run() error {
	opts, err := c.options()
	if err != nil {
		return err
	}
	g, err := c.client().GadgetAddCtx(context.Background(), c.Type, opts)
	if err != nil {
		return err
	}
	return c.render(g, func(t table.Writer) {
		t.AppendHeader(table.Row{"Busid", "Dev", "Type", "VID", "PID"})
		t.AppendRow(table.Row{g.BusID, g.DevId, g.Type, g.Vid, g.Pid})
	})
}

func (c *GadgetAdd) options() (*device.CreateOptions, error) {
	opts := &device.CreateOptions{}
	for _, id := range []struct {
		name string
		s    string
		dst  **uint16
	}{{"vendor", c.Vendor, &opts.IdVendor}, {"product", c.Product, &opts.IdProduct}} {
		if id.s == "" {
			continue
		}
		v, err := strconv.ParseUint(id.s, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", id.name, err)
		}
		u := uint16(v)
		*id.dst = &u
	}
	if c.ShortControlWrite >= 0 {
		n := c.ShortControlWrite
		opts.ShortControlWrite = &n
	}
	if c.Latency > 0 {
		ms := c.Latency
		opts.LatencyMs = &ms
	}
	return opts, nil
}

type GadgetRemove struct {
	Remote `embed:""`

	DevID string `arg:"" name:"dev" help:"Device number, as shown by gadget list"`
}

func (c *GadgetRemove) Run() error {
	resp, err := c.client().GadgetRemoveCtx(context.Background(), c.DevID)
	if err != nil {
		return err
	}
	return c.render(resp, func(t table.Writer) {
		t.AppendHeader(table.Row{"Removed"})
		t.AppendRow(table.Row{resp.DevId})
	})
}
