package usb

import (
	"encoding/binary"
	"fmt"
)

// bmRequestType fields.
const (
	RequestDirIn = 0x80

	RequestTypeMask     = 0x60
	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RecipientMask      = 0x1f
	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
)

// Standard request codes.
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0A
	ReqSetInterface     = 0x0B
)

// SetupPacket is the 8-byte control transfer setup stage.
type SetupPacket struct {
	BmRequestType uint8
	BRequest      uint8
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// ParseSetupPacket decodes an 8-byte setup stage.
func ParseSetupPacket(b []byte) (SetupPacket, error) {
	if len(b) != 8 {
		return SetupPacket{}, fmt.Errorf("setup packet: got %d bytes, want 8", len(b))
	}
	return SetupPacket{
		BmRequestType: b[0],
		BRequest:      b[1],
		WValue:        binary.LittleEndian.Uint16(b[2:4]),
		WIndex:        binary.LittleEndian.Uint16(b[4:6]),
		WLength:       binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// Bytes encodes the setup stage.
func (p SetupPacket) Bytes() [8]byte {
	var b [8]byte
	b[0] = p.BmRequestType
	b[1] = p.BRequest
	binary.LittleEndian.PutUint16(b[2:4], p.WValue)
	binary.LittleEndian.PutUint16(b[4:6], p.WIndex)
	binary.LittleEndian.PutUint16(b[6:8], p.WLength)
	return b
}

func (p SetupPacket) In() bool         { return p.BmRequestType&RequestDirIn != 0 }
func (p SetupPacket) Type() uint8      { return p.BmRequestType & RequestTypeMask }
func (p SetupPacket) Recipient() uint8 { return p.BmRequestType & RecipientMask }

// Truncate cuts data to the host's requested length.
func (p SetupPacket) Truncate(data []byte) []byte {
	if int(p.WLength) < len(data) {
		return data[:p.WLength]
	}
	return data
}
