package hostusb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtest/linkcheck"
	"github.com/Alia5/usbtest/usb"
)

func TestPortID(t *testing.T) {
	tests := []struct {
		bus  int
		path []int
		want string
	}{
		{1, []int{2}, "1-2"},
		{3, []int{1, 4, 2}, "3-1.4.2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, portID(tt.bus, tt.path))
	}
}

// fakeDevice stands in for a libusb handle: wLength is len(data), as in
// (*gousb.Device).Control.
type fakeDevice struct {
	desc   *usb.Descriptor
	stored []byte
	calls  []int
}

func (f *fakeDevice) control(rType, request uint8, val, _ uint16, data []byte) (int, error) {
	f.calls = append(f.calls, len(data))
	switch {
	case request == usb.ReqGetDescriptor && uint8(val>>8) == usb.DeviceDescType:
		return copy(data, f.desc.Bytes()), nil
	case request == usb.ReqGetDescriptor && uint8(val>>8) == usb.ConfigDescType:
		return copy(data, f.desc.ConfigBytes()), nil
	case request == linkcheck.RequestWrite && rType&usb.RequestDirIn == 0:
		f.stored = append([]byte(nil), data...)
		return len(data), nil
	case request == linkcheck.RequestRead:
		return copy(data, f.stored), nil
	}
	return 0, usb.ErrStall
}

// controlOnly adapts control to usb.Transport the way Peripheral does.
type controlOnly struct{ do controlFunc }

func (c controlOnly) Control(ctx context.Context, setup usb.SetupPacket, data []byte, _ time.Duration) (int, error) {
	return control(ctx, c.do, setup, data)
}

func (controlOnly) Transfer(context.Context, usb.EndpointDescriptor, []byte, time.Duration) (int, error) {
	return 0, usb.ErrStall
}

func (controlOnly) SetAltSetting(context.Context, uint8, uint8) error { return nil }

func zeroDescriptor() *usb.Descriptor {
	return &usb.Descriptor{
		Device: usb.DeviceDescriptor{BcdUSB: 0x0200, BMaxPacketSize0: 64, IDVendor: 0x0525, IDProduct: 0xa4a0, BNumConfigurations: 1},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{BInterfaceNumber: 0, BInterfaceClass: 0xff},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: 0x81, BMAttributes: 0x02, WMaxPacketSize: 512},
					{BEndpointAddress: 0x01, BMAttributes: 0x02, WMaxPacketSize: 512},
				},
			},
		},
	}
}

func TestControlEnumerates(t *testing.T) {
	dev := &fakeDevice{desc: zeroDescriptor()}
	desc, err := usb.ReadDescriptors(context.Background(), controlOnly{do: dev.control}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0525), desc.Device.IDVendor)
	assert.Equal(t, uint16(0xa4a0), desc.Device.IDProduct)
	require.Len(t, desc.Interfaces, 1)
	assert.Len(t, desc.Interfaces[0].Endpoints, 2)
	assert.Equal(t, usb.DeviceDescLen, dev.calls[0], "device descriptor read spans the buffer")
}

func TestControlLinkCheck(t *testing.T) {
	dev := &fakeDevice{desc: zeroDescriptor()}
	o := linkcheck.VerifyPayload(context.Background(), controlOnly{do: dev.control}, make([]byte, 64), 8, time.Second)
	require.True(t, o.OK(), o.String())
	assert.Equal(t, 8, o.Actual)
	assert.Equal(t, []int{8, 8}, dev.calls)
}

func TestControlRejects(t *testing.T) {
	dev := &fakeDevice{desc: zeroDescriptor()}
	setup := usb.SetupPacket{RequestType: usb.RequestDirIn | usb.RequestVendor, Request: linkcheck.RequestRead}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := control(ctx, dev.control, setup, make([]byte, 8))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = control(context.Background(), dev.control, setup, make([]byte, 1<<16))
	assert.ErrorIs(t, err, usb.ErrOverflow)
	assert.Empty(t, dev.calls)
}

func TestInterfaceNumbers(t *testing.T) {
	tests := []struct {
		name string
		nums []uint8
		want []uint8
	}{
		{name: "none", nums: nil, want: nil},
		{name: "contiguous", nums: []uint8{0, 1}, want: []uint8{0, 1}},
		{name: "gap", nums: []uint8{0, 2}, want: []uint8{0, 2}},
		{name: "alt settings collapse", nums: []uint8{3, 1, 3, 1}, want: []uint8{1, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &usb.Descriptor{}
			for _, n := range tt.nums {
				d.Interfaces = append(d.Interfaces, usb.InterfaceConfig{Descriptor: usb.InterfaceDescriptor{BInterfaceNumber: n}})
			}
			assert.Equal(t, tt.want, interfaceNumbers(d))
		})
	}
}
