package usb

import (
	"bytes"
	"encoding/binary"
)

// Communications Device Class codes.
const (
	ClassCDC     = 0x02
	ClassCDCData = 0x0A

	SubclassACM          = 0x02
	ProtocolNone         = 0x00
	ProtocolATCommandsV2 = 0x01
)

// CDC functional descriptor subtypes (bDescriptorSubtype).
const (
	CDCSubtypeHeader         = 0x00
	CDCSubtypeCallManagement = 0x01
	CDCSubtypeACM            = 0x02
	CDCSubtypeUnion          = 0x06
)

// CDC class-specific requests handled by an ACM function.
const (
	CDCReqSetLineCoding       = 0x20
	CDCReqGetLineCoding       = 0x21
	CDCReqSetControlLineState = 0x22
	CDCReqSendBreak           = 0x23
)

// ACM capability bits (bmCapabilities of the ACM functional descriptor).
const (
	ACMCapCommFeature = 1 << 0
	ACMCapLineCoding  = 1 << 1
	ACMCapSendBreak   = 1 << 2
	ACMCapNetworkConn = 1 << 3
)

// CDCHeader is the Header functional descriptor (5 bytes).
type CDCHeader struct {
	BcdCDC uint16
}

func (h CDCHeader) Write(b *bytes.Buffer) {
	b.WriteByte(5)
	b.WriteByte(CSInterfaceType)
	b.WriteByte(CDCSubtypeHeader)
	_ = binary.Write(b, binary.LittleEndian, h.BcdCDC)
}

// CDCCallManagement is the Call Management functional descriptor (5 bytes).
type CDCCallManagement struct {
	BmCapabilities uint8
	BDataInterface uint8
}

func (c CDCCallManagement) Write(b *bytes.Buffer) {
	b.WriteByte(5)
	b.WriteByte(CSInterfaceType)
	b.WriteByte(CDCSubtypeCallManagement)
	b.WriteByte(c.BmCapabilities)
	b.WriteByte(c.BDataInterface)
}

// CDCACM is the Abstract Control Management functional descriptor (4 bytes).
type CDCACM struct {
	BmCapabilities uint8
}

func (a CDCACM) Write(b *bytes.Buffer) {
	b.WriteByte(4)
	b.WriteByte(CSInterfaceType)
	b.WriteByte(CDCSubtypeACM)
	b.WriteByte(a.BmCapabilities)
}

// CDCUnion is the Union functional descriptor with a single subordinate (5 bytes).
type CDCUnion struct {
	BControlInterface     uint8
	BSubordinateInterface uint8
}

func (u CDCUnion) Write(b *bytes.Buffer) {
	b.WriteByte(5)
	b.WriteByte(CSInterfaceType)
	b.WriteByte(CDCSubtypeUnion)
	b.WriteByte(u.BControlInterface)
	b.WriteByte(u.BSubordinateInterface)
}

// CDCFunctional returns the functional descriptor block of a two-interface
// ACM function whose control interface is ctrl and data interface is data.
func CDCFunctional(ctrl, data uint8, caps uint8) []byte {
	var b bytes.Buffer
	CDCHeader{BcdCDC: 0x0110}.Write(&b)
	CDCCallManagement{BDataInterface: data}.Write(&b)
	CDCACM{BmCapabilities: caps}.Write(&b)
	CDCUnion{BControlInterface: ctrl, BSubordinateInterface: data}.Write(&b)
	return b.Bytes()
}
