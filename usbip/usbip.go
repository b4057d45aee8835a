// Package usbip encodes and decodes the USB/IP wire protocol.
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Alia5/usbuart/usb"
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

	// URB header length shared by all four URB commands.
	HeaderSize = 0x30
	// BusIDSize is the length of the busid field of OP_REQ_IMPORT.
	BusIDSize = 32
)

// URB status values (negated Linux errno).
const (
	StatusOK        = 0
	StatusPipe      = -32  // -EPIPE: stall
	StatusConnReset = -104 // -ECONNRESET: unlinked
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

// ParseMgmtHeader decodes the first 8 bytes of a management op.
func ParseMgmtHeader(b []byte) MgmtHeader {
	return MgmtHeader{
		Version: binary.BigEndian.Uint16(b[0:2]),
		Command: binary.BigEndian.Uint16(b[2:4]),
		Status:  binary.BigEndian.Uint32(b[4:8]),
	}
}

// ExportMeta carries USB-IP bus identity for an emulated device.
// Uses fixed-size arrays matching the wire protocol format.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [32]byte
	BusId    uint32
	DevId    uint32
}

// BusIDString returns USBBusId up to its terminating zero.
func (m ExportMeta) BusIDString() string {
	if i := bytes.IndexByte(m.USBBusId[:], 0); i >= 0 {
		return string(m.USBBusId[:i])
	}
	return string(m.USBBusId[:])
}

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

// exportedDeviceSize is the encoded length without interface triplets.
const exportedDeviceSize = 256 + 32 + 4*3 + 2*3 + 6

// NewExportedDevice fills the wire description of desc exported under meta.
func NewExportedDevice(meta ExportMeta, desc *usb.Descriptor) ExportedDevice {
	exp := ExportedDevice{
		ExportMeta:          meta,
		Speed:               desc.Device.Speed,
		IDVendor:            desc.Device.IDVendor,
		IDProduct:           desc.Device.IDProduct,
		BcdDevice:           desc.Device.BcdDevice,
		BDeviceClass:        desc.Device.BDeviceClass,
		BDeviceSubClass:     desc.Device.BDeviceSubClass,
		BDeviceProtocol:     desc.Device.BDeviceProtocol,
		BConfigurationValue: usb.ConfigValueDefault,
		BNumConfigurations:  desc.Device.BNumConfigurations,
		BNumInterfaces:      uint8(len(desc.Interfaces)),
	}
	for _, iface := range desc.Interfaces {
		exp.Interfaces = append(exp.Interfaces, InterfaceDesc{
			Class:    iface.Descriptor.BInterfaceClass,
			SubClass: iface.Descriptor.BInterfaceSubClass,
			Protocol: iface.Descriptor.BInterfaceProtocol,
		})
	}
	return exp
}

func (d *ExportedDevice) appendBase(b []byte) []byte {
	b = append(b, d.Path[:]...)
	b = append(b, d.USBBusId[:]...)
	b = binary.BigEndian.AppendUint32(b, d.BusId)
	b = binary.BigEndian.AppendUint32(b, d.DevId)
	b = binary.BigEndian.AppendUint32(b, d.Speed)
	b = binary.BigEndian.AppendUint16(b, d.IDVendor)
	b = binary.BigEndian.AppendUint16(b, d.IDProduct)
	b = binary.BigEndian.AppendUint16(b, d.BcdDevice)
	return append(b,
		d.BDeviceClass,
		d.BDeviceSubClass,
		d.BDeviceProtocol,
		d.BConfigurationValue,
		d.BNumConfigurations,
		d.BNumInterfaces,
	)
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	b := d.appendBase(make([]byte, 0, exportedDeviceSize+4*len(d.Interfaces)))
	for _, iface := range d.Interfaces {
		b = append(b, iface.Class, iface.SubClass, iface.Protocol, 0)
	}
	_, err := w.Write(b)
	return err
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	_, err := w.Write(d.appendBase(make([]byte, 0, exportedDeviceSize)))
	return err
}

// ReadExportedDevice reads one device entry. withInterfaces selects the
// devlist layout.
func ReadExportedDevice(r io.Reader, withInterfaces bool) (ExportedDevice, error) {
	var d ExportedDevice
	var b [exportedDeviceSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return d, fmt.Errorf("read exported device: %w", err)
	}
	copy(d.Path[:], b[0:256])
	copy(d.USBBusId[:], b[256:288])
	d.BusId = binary.BigEndian.Uint32(b[288:292])
	d.DevId = binary.BigEndian.Uint32(b[292:296])
	d.Speed = binary.BigEndian.Uint32(b[296:300])
	d.IDVendor = binary.BigEndian.Uint16(b[300:302])
	d.IDProduct = binary.BigEndian.Uint16(b[302:304])
	d.BcdDevice = binary.BigEndian.Uint16(b[304:306])
	d.BDeviceClass = b[306]
	d.BDeviceSubClass = b[307]
	d.BDeviceProtocol = b[308]
	d.BConfigurationValue = b[309]
	d.BNumConfigurations = b[310]
	d.BNumInterfaces = b[311]
	if !withInterfaces {
		return d, nil
	}
	for i := 0; i < int(d.BNumInterfaces); i++ {
		var t [4]byte
		if _, err := io.ReadFull(r, t[:]); err != nil {
			return d, fmt.Errorf("read interface %d: %w", i, err)
		}
		d.Interfaces = append(d.Interfaces, InterfaceDesc{Class: t[0], SubClass: t[1], Protocol: t[2]})
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

// RetSubmit header (before payload) length is 0x30.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
}

func (r *RetSubmit) Write(w io.Writer) error {
	var b [HeaderSize]byte
	r.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(b[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(b[28:32], r.StartFrame)
	binary.BigEndian.PutUint32(b[32:36], r.NumberOfPackets)
	binary.BigEndian.PutUint32(b[36:40], r.ErrorCount)
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
}

type RetUnlink struct {
	Basic  HeaderBasic
	Status int32
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
