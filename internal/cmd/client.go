package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/term"

	"github.com/Alia5/usbtest/apiclient"
)

// Remote holds the flags shared by commands that talk to a running server.
// Their config keys must not collide with the server command's, since all
// commands read the same config files.
type Remote struct {
	Server   string        `help:"API address of the usbtest server" default:"localhost:3242" env:"USBTEST_SERVER"`
	Password string        `help:"API password" env:"USBTEST_PASSWORD"`
	KeyFile  bool          `help:"Read the API password from the local key file"`
	Timeout  time.Duration `help:"How long to wait for a response" default:"120s" env:"USBTEST_TIMEOUT"`
	Output   string        `help:"Output format" enum:"auto,table,json" default:"auto" short:"o"`

	out io.Writer
}

func (r *Remote) client() *apiclient.Client {
	pwd := r.Password
	if pwd == "" && r.KeyFile {
		pwd = readKey()
	}
	return apiclient.NewWithConfig(r.Server, &apiclient.Config{
		DialTimeout:  3 * time.Second,
		ReadTimeout:  r.Timeout,
		WriteTimeout: 5 * time.Second,
		Password:     pwd,
	})
}

func (r *Remote) writer() io.Writer {
	if r.out != nil {
		return r.out
	}
	return os.Stdout
}

func (r *Remote) useTable() bool {
	switch r.Output {
	case "table":
		return true
	case "json":
		return false
	}
	if r.out != nil {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// render prints v as indented JSON, or as the table build returns when the
// output is a terminal.
func (r *Remote) render(v any, build func(t table.Writer)) error {
	w := r.writer()
	if !r.useTable() {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	build(t)
	_, err := fmt.Fprintln(w, t.Render())
	return err
}
