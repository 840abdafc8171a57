package testing

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/Alia5/usbtest/internal/log"
	"github.com/Alia5/usbtest/internal/server/api"
	"github.com/Alia5/usbtest/internal/server/usb"
)

// StartUSBServer starts a gadget server on a free loopback port and stops
// it when the test ends.
func StartUSBServer(t *testing.T) *usb.Server {
	t.Helper()
	srv := usb.New(usb.ServerConfig{Addr: "127.0.0.1:0"}, log.Discard(), nil)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("usb server failed to start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// StartAPIServer starts a gadget server and an API server on free ports and
// calls register to allow the caller to register the handlers needed for
// the test. Returns the API address, the gadget server and a function to
// call when done.
func StartAPIServer(t *testing.T, register func(r *api.Router, s *usb.Server)) (addr string, srv *usb.Server, done func()) {
	return StartAPIServerWithConfig(t, api.ServerConfig{}, register)
}

// StartAPIServerWithConfig is StartAPIServer with an explicit API config.
func StartAPIServerWithConfig(t *testing.T, cfg api.ServerConfig, register func(r *api.Router, s *usb.Server)) (addr string, srv *usb.Server, done func()) {
	t.Helper()
	srv = StartUSBServer(t)

	apiSrv := api.New("127.0.0.1:0", cfg, log.Discard())
	if register != nil {
		register(apiSrv.Router(), srv)
	}
	if err := apiSrv.Start(); err != nil {
		t.Fatalf("api start failed: %v", err)
	}
	return apiSrv.Addr(), srv, apiSrv.Close
}

// ExecCmd dials the API server, sends cmd and reads the full response.
// The command should not include a trailing newline. Returns the response
// without the trailing newline.
func ExecCmd(t *testing.T, addr string, cmd string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	_, _ = fmt.Fprintf(c, "%s\x00", cmd)

	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil && err != io.EOF {
		t.Fatalf("read failed: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}
