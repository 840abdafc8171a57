// Package usb contains the descriptor model shared by host-side sessions and
// simulated peripherals, plus helpers for encoding and decoding descriptors.
package usb

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// USB descriptor type constants
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
)

// Descriptor lengths in bytes (fixed values from USB spec)
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
)

// Configuration defaults used when a descriptor is served to a host.
const (
	ConfigValueDefault   = 1
	ConfigAttrBusPowered = 0x80
	ConfigMaxPower100mA  = 50 // In units of 2mA
)

// Descriptor holds all static descriptor/config data for a device.
//
// Interfaces is a flat list of every alternate setting of every interface,
// in descriptor order.
type Descriptor struct {
	Device     DeviceDescriptor
	Interfaces []InterfaceConfig
	Strings    map[uint8]string
}

// InterfaceConfig holds one alternate setting of an interface and the
// endpoints it declares.
type InterfaceConfig struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
	ClassData  []byte // optional class-specific bytes emitted before the endpoints
}

// Alt returns the alternate-setting id of this interface config.
func (c InterfaceConfig) Alt() uint8 { return c.Descriptor.BAlternateSetting }

// AltSettings returns the alternate settings of interface iface sorted by
// ascending alternate-setting id. Settings with equal ids keep descriptor order.
func (d *Descriptor) AltSettings(iface uint8) []InterfaceConfig {
	var out []InterfaceConfig
	for _, c := range d.Interfaces {
		if c.Descriptor.BInterfaceNumber == iface {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Descriptor.BAlternateSetting < out[j].Descriptor.BAlternateSetting
	})
	return out
}

// AltSetting returns the given alternate setting of iface.
func (d *Descriptor) AltSetting(iface, alt uint8) (InterfaceConfig, bool) {
	for _, c := range d.Interfaces {
		if c.Descriptor.BInterfaceNumber == iface && c.Descriptor.BAlternateSetting == alt {
			return c, true
		}
	}
	return InterfaceConfig{}, false
}

// NumInterfaces counts distinct interface numbers.
func (d *Descriptor) NumInterfaces() int {
	seen := map[uint8]bool{}
	for _, c := range d.Interfaces {
		seen[c.Descriptor.BInterfaceNumber] = true
	}
	return len(seen)
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor byte array.
// The resulting descriptor has the format:
//
//	Byte 0: bLength (total descriptor length)
//	Byte 1: bDescriptorType (0x03 for string)
//	Bytes 2+: UTF-16LE encoded string
func EncodeStringDescriptor(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 2+len(runes)*2)
	buf[0] = uint8(len(buf))
	buf[1] = StringDescType
	for i, r := range runes {
		buf[2+i*2] = uint8(r)
		buf[2+i*2+1] = uint8(r >> 8)
	}
	return buf
}

const langIDEnglishUS = 0x0409

// LangIDDescriptor is string descriptor zero advertising US English only.
var LangIDDescriptor = []byte{4, StringDescType, langIDEnglishUS & 0xff, langIDEnglishUS >> 8}

// DeviceDescriptor represents the standard USB device descriptor.
// BLength is computed dynamically; BDescriptorType is implied DeviceDescType.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE; may get overridden
	IDProduct          uint16 // LE; may get overridden
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
	Speed              uint32 // not on the wire; see Speed constants
}

// Bytes returns the binary representation of the DeviceDescriptor with BLength auto-filled.
func (d Descriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DeviceDescType)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.BcdUSB)
	b.WriteByte(d.Device.BDeviceClass)
	b.WriteByte(d.Device.BDeviceSubClass)
	b.WriteByte(d.Device.BDeviceProtocol)
	b.WriteByte(d.Device.BMaxPacketSize0)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.IDVendor)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.IDProduct)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.BcdDevice)
	b.WriteByte(d.Device.IManufacturer)
	b.WriteByte(d.Device.IProduct)
	b.WriteByte(d.Device.ISerialNumber)
	b.WriteByte(d.Device.BNumConfigurations)
	return b.Bytes()
}

// ConfigBytes builds the full configuration descriptor (header, every
// interface alternate setting and its endpoints) with wTotalLength patched.
func (d Descriptor) ConfigBytes() []byte {
	var b bytes.Buffer
	h := ConfigHeader{
		BNumInterfaces:      uint8(d.NumInterfaces()),
		BConfigurationValue: ConfigValueDefault,
		BMAttributes:        ConfigAttrBusPowered,
		BMaxPower:           ConfigMaxPower100mA,
	}
	h.Write(&b)
	for _, iface := range d.Interfaces {
		iface.Descriptor.BNumEndpoints = uint8(len(iface.Endpoints))
		iface.Descriptor.Write(&b)
		if len(iface.ClassData) > 0 {
			b.Write(iface.ClassData)
		}
		for _, ep := range iface.Endpoints {
			ep.Write(&b)
		}
	}
	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}

// ConfigHeader represents the USB configuration descriptor header (9 bytes).
type ConfigHeader struct {
	WTotalLength        uint16 // LE, to be patched after building
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
}

func (h ConfigHeader) Write(b *bytes.Buffer) {
	b.WriteByte(ConfigDescLen)
	b.WriteByte(ConfigDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(InterfaceDescType)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(i.BNumEndpoints)
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
}

// EndpointDescriptor (7 bytes) for each endpoint. Immutable once parsed.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
}

func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(EndpointDescLen)
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
}
