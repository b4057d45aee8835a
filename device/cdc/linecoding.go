package cdc

import (
	"encoding/binary"
	"fmt"
)

// LineCoding represents the serial line configuration.
type LineCoding struct {
	DTERate    uint32 // Data terminal rate (baud rate)
	CharFormat uint8  // Stop bits: 0=1, 1=1.5, 2=2
	ParityType uint8  // Parity: 0=None, 1=Odd, 2=Even, 3=Mark, 4=Space
	DataBits   uint8  // Data bits: 5, 6, 7, 8, or 16
}

// LineCodingSize is the size of LineCoding in bytes.
const LineCodingSize = 7

// Stop bit values.
const (
	StopBits1   = 0
	StopBits1_5 = 1
	StopBits2   = 2
)

// Parity values.
const (
	ParityNone  = 0
	ParityOdd   = 1
	ParityEven  = 2
	ParityMark  = 3
	ParitySpace = 4
)

// Control line state bits (for SET_CONTROL_LINE_STATE).
const (
	ControlLineDTR = 1 << 0
	ControlLineRTS = 1 << 1
)

// DefaultLineCoding is 115200 8N1.
var DefaultLineCoding = LineCoding{
	DTERate:    115200,
	CharFormat: StopBits1,
	ParityType: ParityNone,
	DataBits:   8,
}

// Bytes encodes lc in wire order.
func (lc LineCoding) Bytes() []byte {
	b := make([]byte, LineCodingSize)
	binary.LittleEndian.PutUint32(b[0:4], lc.DTERate)
	b[4] = lc.CharFormat
	b[5] = lc.ParityType
	b[6] = lc.DataBits
	return b
}

// ParseLineCoding decodes a SET_LINE_CODING data stage.
func ParseLineCoding(data []byte) (LineCoding, error) {
	if len(data) < LineCodingSize {
		return LineCoding{}, fmt.Errorf("line coding: got %d bytes, want %d", len(data), LineCodingSize)
	}
	return LineCoding{
		DTERate:    binary.LittleEndian.Uint32(data[0:4]),
		CharFormat: data[4],
		ParityType: data[5],
		DataBits:   data[6],
	}, nil
}

func (lc LineCoding) String() string {
	parity := "?"
	if int(lc.ParityType) < len("NOEMS") {
		parity = string("NOEMS"[lc.ParityType])
	}
	stop := "1"
	switch lc.CharFormat {
	case StopBits1_5:
		stop = "1.5"
	case StopBits2:
		stop = "2"
	}
	return fmt.Sprintf("%d %d%s%s", lc.DTERate, lc.DataBits, parity, stop)
}
