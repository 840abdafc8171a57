package usb_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/device"
	"github.com/Alia5/usbtest/device/storage"
	"github.com/Alia5/usbtest/device/zero"
	"github.com/Alia5/usbtest/internal/log"
	usbsrv "github.com/Alia5/usbtest/internal/server/usb"
	"github.com/Alia5/usbtest/linkcheck"
	"github.com/Alia5/usbtest/negotiate"
	"github.com/Alia5/usbtest/session"
	"github.com/Alia5/usbtest/usb"
	"github.com/Alia5/usbtest/usbip"
)

func startServer(t *testing.T) *usbsrv.Server {
	t.Helper()
	srv := usbsrv.New(usbsrv.ServerConfig{Addr: "127.0.0.1:0"}, log.Discard(), nil)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func addDevice(t *testing.T, srv *usbsrv.Server, dev usb.Device) string {
	t.Helper()
	ctx, err := srv.Bus().Add(dev)
	require.NoError(t, err)
	return device.GetDeviceMeta(ctx).BusIDString()
}

func client(srv *usbsrv.Server) *usbip.Client {
	return usbip.NewClient(srv.Addr(), log.Discard(), nil)
}

func attach(t *testing.T, srv *usbsrv.Server, busID string, cfg session.Config, opts session.Options) *session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := client(srv).Import(ctx, busID)
	require.NoError(t, err)
	m := session.NewManager(cfg, log.Discard())
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	s, err := m.Attach(ctx, conn, opts)
	require.NoError(t, err)
	return s
}

func TestDevListAndImport(t *testing.T) {
	srv := startServer(t)
	zeroID := addDevice(t, srv, zero.New(nil))
	storageID := addDevice(t, srv, storage.New(nil))
	assert.Equal(t, "1-1", zeroID)
	assert.Equal(t, "1-2", storageID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	devs, err := client(srv).ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, uint16(zero.ProductID), devs[0].IDProduct)
	assert.Equal(t, usb.SpeedHigh, devs[0].Speed)
	// alternate settings are not separate interfaces
	require.Len(t, devs[0].Interfaces, 1)
	assert.Equal(t, uint8(0xff), devs[0].Interfaces[0].Class)
	assert.Equal(t, uint8(0x08), devs[1].Interfaces[0].Class)

	conn, err := client(srv).Import(ctx, zeroID)
	require.NoError(t, err)
	desc := conn.Descriptor()
	assert.Len(t, desc.AltSettings(0), 3)
	assert.Equal(t, "Gadget Zero", desc.Strings[desc.Device.IProduct])

	// one importer at a time
	_, err = client(srv).Import(ctx, zeroID)
	assert.ErrorContains(t, err, "refused")
	_, err = client(srv).Import(ctx, "9-9")
	assert.ErrorContains(t, err, "refused")

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		c, err := client(srv).Import(ctx, zeroID)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSessionOverUSBIP(t *testing.T) {
	srv := startServer(t)
	busID := addDevice(t, srv, zero.New(nil))
	s := attach(t, srv, busID, session.DefaultConfig(), session.Options{})

	info := s.Info()
	assert.False(t, info.Degraded)
	assert.Equal(t, "Linux gadget zero", info.Device.Name)
	assert.Equal(t, "high-speed {control in/out bulk-in bulk-out} tests (+alt)", info.Summary)

	tests := []struct {
		name string
		req  session.Request
		want session.Status
	}{
		{"bulk write", session.Request{Test: 1, Iterations: 4, Length: 1024}, session.StatusSuccess},
		{"bulk read", session.Request{Test: 2, Iterations: 4, Length: 1024}, session.StatusSuccess},
		{"bulk read vary", session.Request{Test: 4, Iterations: 8, Length: 512, Vary: 100}, session.StatusSuccess},
		{"bulk read sglist", session.Request{Test: 6, Iterations: 2, Length: 64, SGLen: 4}, session.StatusSuccess},
		{"self-test", session.Request{Test: 9, Iterations: 10}, session.StatusSuccess},
		{"ctrl loopback", session.Request{Test: 14, Iterations: 20, Length: 64, Vary: 7}, session.StatusSuccess},
		{"iso needs alt 1", session.Request{Test: 16, Iterations: 1, Length: 512}, session.StatusNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := s.Run(context.Background(), tt.req)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestIsoAltSetting(t *testing.T) {
	srv := startServer(t)
	z := zero.New(nil)
	busID := addDevice(t, srv, z)
	alt := uint8(zero.AltIso)
	s := attach(t, srv, busID, session.DefaultConfig(), session.Options{
		Profile: &negotiate.Profile{Iso: true, Alt: &alt},
	})
	assert.Equal(t, uint8(zero.AltIso), z.AltSetting(0))
	assert.True(t, s.Info().Pipes.IsoIn.Valid)

	for _, test := range []int{15, 16} {
		res, err := s.Run(context.Background(), session.Request{Test: test, Iterations: 3, Length: 700})
		require.NoError(t, err, "test %d", test)
		assert.Equal(t, session.StatusSuccess, res.Status)
	}
	assert.Equal(t, uint64(3*700), z.Stats().Sourced)
	assert.Equal(t, uint64(3*700), z.Stats().Sunk)
}

func TestShortControlWriteDegrades(t *testing.T) {
	srv := startServer(t)
	n := 5
	busID := addDevice(t, srv, zero.New(&device.CreateOptions{ShortControlWrite: &n}))
	s := attach(t, srv, busID, session.DefaultConfig(), session.Options{})

	info := s.Info()
	assert.True(t, info.Degraded)
	assert.Equal(t, linkcheck.ShortTransfer, info.LastSelfTest.Status)
	assert.Equal(t, 5, info.LastSelfTest.Actual)

	// data pipes still work on a degraded session
	res, err := s.Run(context.Background(), session.Request{Test: 2, Iterations: 1, Length: 64})
	require.NoError(t, err)
	assert.Equal(t, session.StatusSuccess, res.Status)
}

func TestStorageHasNoLoopback(t *testing.T) {
	srv := startServer(t)
	busID := addDevice(t, srv, storage.New(nil))
	s := attach(t, srv, busID, session.DefaultConfig(), session.Options{
		Match: negotiate.MatchParams{Vendor: storage.VendorID, Product: storage.ProductID},
	})
	info := s.Info()
	assert.Equal(t, negotiate.Generic.Name, info.Device.Name)
	assert.True(t, info.Degraded)
	assert.Equal(t, linkcheck.IOError, info.LastSelfTest.Status)
	assert.ErrorIs(t, info.LastSelfTest.Cause, usb.ErrStall)
}

func TestTimeoutDrainsLateReply(t *testing.T) {
	srv := startServer(t)
	z := zero.New(nil)
	busID := addDevice(t, srv, z)
	cfg := session.DefaultConfig()
	cfg.TransferTimeout = 50 * time.Millisecond
	s := attach(t, srv, busID, cfg, session.Options{})

	z.SetLatency(300 * time.Millisecond)
	res, err := s.Run(context.Background(), session.Request{Test: 2, Iterations: 1, Length: 64})
	require.Error(t, err)
	assert.Equal(t, session.StatusTimeout, res.Status)

	z.SetLatency(0)
	assert.Eventually(t, func() bool {
		res, err := s.Run(context.Background(), session.Request{Test: 2, Iterations: 1, Length: 64})
		return err == nil && res.Status == session.StatusSuccess
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRemoveDeviceEndsStream(t *testing.T) {
	srv := startServer(t)
	z := zero.New(nil)
	busID := addDevice(t, srv, z)
	s := attach(t, srv, busID, session.DefaultConfig(), session.Options{})

	require.NoError(t, srv.Bus().Remove(z))
	assert.Eventually(t, func() bool {
		_, err := s.Run(context.Background(), session.Request{Test: 2, Iterations: 1, Length: 8})
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}
