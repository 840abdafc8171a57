// Package usbip implements the USB/IP wire protocol: the management ops used
// to list and import devices and the URB stream that carries transfers.
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001

	// HeaderSize is the fixed size of every URB command and reply header.
	HeaderSize = 0x30
	// IsoPacketSize is the size of one iso packet descriptor.
	IsoPacketSize = 16
	// BusIDSize is the fixed width of the busid field.
	BusIDSize = 32

	exportedDeviceSize = 312
)

// Status codes carried in RET_SUBMIT / RET_UNLINK (negated errno).
const (
	StatusOK         int32 = 0
	StatusNoDevice   int32 = -19  // -ENODEV
	StatusPipe       int32 = -32  // -EPIPE, endpoint stalled
	StatusOverflow   int32 = -75  // -EOVERFLOW
	StatusConnReset  int32 = -104 // -ECONNRESET, unlinked
	StatusTimedOut   int32 = -110 // -ETIMEDOUT
	StatusShutdown   int32 = -108 // -ESHUTDOWN
	StatusInProgress int32 = -115 // -EINPROGRESS
)

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// ReadMgmtHeader reads an 8-byte management header and checks the version.
func ReadMgmtHeader(r io.Reader) (MgmtHeader, error) {
	var buf [8]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return MgmtHeader{}, err
	}
	h := MgmtHeader{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Command: binary.BigEndian.Uint16(buf[2:4]),
		Status:  binary.BigEndian.Uint32(buf[4:8]),
	}
	if h.Version != Version {
		return h, fmt.Errorf("unexpected usbip version %#04x", h.Version)
	}
	return h, nil
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[0:4], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

// ExportMeta carries USB-IP bus identity for an exported device.
// Uses fixed-size arrays matching the wire protocol format.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [32]byte
	BusId    uint32
	DevId    uint32
}

// BusIDString returns the busid ("1-1") without padding.
func (m ExportMeta) BusIDString() string { return cString(m.USBBusId[:]) }

// PathString returns the sysfs path without padding.
func (m ExportMeta) PathString() string { return cString(m.Path[:]) }

// DeviceID is the devid used in URB headers: busnum << 16 | devnum.
func (m ExportMeta) DeviceID() uint32 { return m.BusId<<16 | m.DevId }

// ExportedDevice describes one exported device in devlist/import replies.
// Layout matches kernel doc, strings are fixed-size, remaining numbers are BE.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	// Interfaces: for each interface: class, subclass, protocol, pad
	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (d *ExportedDevice) encode() []byte {
	buf := make([]byte, exportedDeviceSize)
	copy(buf[0:256], d.Path[:])
	copy(buf[256:288], d.USBBusId[:])
	binary.BigEndian.PutUint32(buf[288:292], d.BusId)
	binary.BigEndian.PutUint32(buf[292:296], d.DevId)
	binary.BigEndian.PutUint32(buf[296:300], d.Speed)
	binary.BigEndian.PutUint16(buf[300:302], d.IDVendor)
	binary.BigEndian.PutUint16(buf[302:304], d.IDProduct)
	binary.BigEndian.PutUint16(buf[304:306], d.BcdDevice)
	buf[306] = d.BDeviceClass
	buf[307] = d.BDeviceSubClass
	buf[308] = d.BDeviceProtocol
	buf[309] = d.BConfigurationValue
	buf[310] = d.BNumConfigurations
	buf[311] = d.BNumInterfaces
	return buf
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	var b bytes.Buffer
	b.Write(d.encode())
	for _, iface := range d.Interfaces {
		b.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0})
	}
	_, err := w.Write(b.Bytes())
	return err
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	_, err := w.Write(d.encode())
	return err
}

// ReadExportedDevice decodes one device entry. Devlist entries are followed
// by interface triplets; import replies are not.
func ReadExportedDevice(r io.Reader, withInterfaces bool) (ExportedDevice, error) {
	var base [exportedDeviceSize]byte
	if err := ReadExactly(r, base[:]); err != nil {
		return ExportedDevice{}, err
	}
	var d ExportedDevice
	copy(d.Path[:], base[0:256])
	copy(d.USBBusId[:], base[256:288])
	d.BusId = binary.BigEndian.Uint32(base[288:292])
	d.DevId = binary.BigEndian.Uint32(base[292:296])
	d.Speed = binary.BigEndian.Uint32(base[296:300])
	d.IDVendor = binary.BigEndian.Uint16(base[300:302])
	d.IDProduct = binary.BigEndian.Uint16(base[302:304])
	d.BcdDevice = binary.BigEndian.Uint16(base[304:306])
	d.BDeviceClass = base[306]
	d.BDeviceSubClass = base[307]
	d.BDeviceProtocol = base[308]
	d.BConfigurationValue = base[309]
	d.BNumConfigurations = base[310]
	d.BNumInterfaces = base[311]

	if withInterfaces && d.BNumInterfaces > 0 {
		ifaceBuf := make([]byte, int(d.BNumInterfaces)*4)
		if err := ReadExactly(r, ifaceBuf); err != nil {
			return ExportedDevice{}, err
		}
		for i := 0; i < int(d.BNumInterfaces); i++ {
			o := i * 4
			d.Interfaces = append(d.Interfaces, InterfaceDesc{
				Class:    ifaceBuf[o],
				SubClass: ifaceBuf[o+1],
				Protocol: ifaceBuf[o+2],
			})
		}
	}
	return d, nil
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h HeaderBasic) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Command)
	binary.BigEndian.PutUint32(b[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(b[8:12], h.Devid)
	binary.BigEndian.PutUint32(b[12:16], h.Dir)
	binary.BigEndian.PutUint32(b[16:20], h.Ep)
}

// ParseHeaderBasic decodes the first 20 bytes of a URB header.
func ParseHeaderBasic(b []byte) HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(b[0:4]),
		Seqnum:  binary.BigEndian.Uint32(b[4:8]),
		Devid:   binary.BigEndian.Uint32(b[8:12]),
		Dir:     binary.BigEndian.Uint32(b[12:16]),
		Ep:      binary.BigEndian.Uint32(b[16:20]),
	}
}

// CmdSubmit header (before payload) length is 0x30.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	var b [HeaderSize]byte
	c.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], c.TransferFlags)
	binary.BigEndian.PutUint32(b[24:28], c.TransferBufferLen)
	binary.BigEndian.PutUint32(b[28:32], c.StartFrame)
	binary.BigEndian.PutUint32(b[32:36], c.NumberOfPackets)
	binary.BigEndian.PutUint32(b[36:40], c.Interval)
	copy(b[40:48], c.Setup[:])
	_, err := w.Write(b[:])
	return err
}

// ParseCmdSubmit decodes a CMD_SUBMIT header.
func ParseCmdSubmit(b []byte) CmdSubmit {
	c := CmdSubmit{
		Basic:             ParseHeaderBasic(b),
		TransferFlags:     binary.BigEndian.Uint32(b[20:24]),
		TransferBufferLen: binary.BigEndian.Uint32(b[24:28]),
		StartFrame:        binary.BigEndian.Uint32(b[28:32]),
		NumberOfPackets:   binary.BigEndian.Uint32(b[32:36]),
		Interval:          binary.BigEndian.Uint32(b[36:40]),
	}
	copy(c.Setup[:], b[40:48])
	return c
}

// IsIso reports whether the submit carries iso packet descriptors.
// Non-iso URBs use 0 or 0xffffffff.
func (c *CmdSubmit) IsIso() bool {
	return c.NumberOfPackets != 0 && c.NumberOfPackets != 0xffffffff
}

// RetSubmit header (before payload) length is 0x30.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	var b [HeaderSize]byte
	r.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(b[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(b[28:32], r.StartFrame)
	binary.BigEndian.PutUint32(b[32:36], r.NumberOfPackets)
	binary.BigEndian.PutUint32(b[36:40], r.ErrorCount)
	copy(b[40:48], r.Padding[:])
	_, err := w.Write(b[:])
	return err
}

// ParseRetSubmit decodes a RET_SUBMIT header.
func ParseRetSubmit(b []byte) RetSubmit {
	return RetSubmit{
		Basic:           ParseHeaderBasic(b),
		Status:          int32(binary.BigEndian.Uint32(b[20:24])),
		ActualLength:    binary.BigEndian.Uint32(b[24:28]),
		StartFrame:      binary.BigEndian.Uint32(b[28:32]),
		NumberOfPackets: binary.BigEndian.Uint32(b[32:36]),
		ErrorCount:      binary.BigEndian.Uint32(b[36:40]),
	}
}

// CmdUnlink and RetUnlink
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	var b [HeaderSize]byte
	c.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], c.UnlinkSeqnum)
	_, err := w.Write(b[:])
	return err
}

// ParseCmdUnlink decodes a CMD_UNLINK header.
func ParseCmdUnlink(b []byte) CmdUnlink {
	return CmdUnlink{Basic: ParseHeaderBasic(b), UnlinkSeqnum: binary.BigEndian.Uint32(b[20:24])}
}

func (r *RetUnlink) Write(w io.Writer) error {
	var b [HeaderSize]byte
	r.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], uint32(r.Status))
	_, err := w.Write(b[:])
	return err
}

// ParseRetUnlink decodes a RET_UNLINK header.
func ParseRetUnlink(b []byte) RetUnlink {
	return RetUnlink{Basic: ParseHeaderBasic(b), Status: int32(binary.BigEndian.Uint32(b[20:24]))}
}

// IsoPacketDescriptor describes one packet of an isochronous URB.
type IsoPacketDescriptor struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

// WriteIsoPackets writes iso packet descriptors after a URB payload.
func WriteIsoPackets(w io.Writer, pkts []IsoPacketDescriptor) error {
	if len(pkts) == 0 {
		return nil
	}
	b := make([]byte, len(pkts)*IsoPacketSize)
	for i, p := range pkts {
		o := i * IsoPacketSize
		binary.BigEndian.PutUint32(b[o:o+4], p.Offset)
		binary.BigEndian.PutUint32(b[o+4:o+8], p.Length)
		binary.BigEndian.PutUint32(b[o+8:o+12], p.ActualLength)
		binary.BigEndian.PutUint32(b[o+12:o+16], uint32(p.Status))
	}
	_, err := w.Write(b)
	return err
}

// ReadIsoPackets reads n iso packet descriptors.
func ReadIsoPackets(r io.Reader, n int) ([]IsoPacketDescriptor, error) {
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n*IsoPacketSize)
	if err := ReadExactly(r, b); err != nil {
		return nil, err
	}
	out := make([]IsoPacketDescriptor, n)
	for i := range out {
		o := i * IsoPacketSize
		out[i] = IsoPacketDescriptor{
			Offset:       binary.BigEndian.Uint32(b[o : o+4]),
			Length:       binary.BigEndian.Uint32(b[o+4 : o+8]),
			ActualLength: binary.BigEndian.Uint32(b[o+8 : o+12]),
			Status:       int32(binary.BigEndian.Uint32(b[o+12 : o+16])),
		}
	}
	return out, nil
}

// SplitIso lays out length bytes as packets of at most maxPacket bytes.
func SplitIso(length int, maxPacket int) []IsoPacketDescriptor {
	if maxPacket <= 0 || length <= 0 {
		return nil
	}
	var pkts []IsoPacketDescriptor
	for off := 0; off < length; off += maxPacket {
		n := min(maxPacket, length-off)
		pkts = append(pkts, IsoPacketDescriptor{Offset: uint32(off), Length: uint32(n)})
	}
	return pkts
}

func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
