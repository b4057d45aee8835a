package log

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

// Direction labels one side of a raw traffic dump.
type Direction string

const (
	UARTToUSB      Direction = "uart->usb"
	USBToUART      Direction = "usb->uart"
	ClientToServer Direction = "C->S"
	ServerToClient Direction = "S->C"
)

// RawLogger handles raw packet log with optional file output.
type RawLogger interface {
	Log(dir Direction, data []byte)
}

type rawLogger struct {
	w   io.Writer
	mu  sync.Mutex
	now func() time.Time
}

type nopRaw struct{}

func (nopRaw) Log(Direction, []byte) {}

// NewRaw creates a new RawLogger. If w is nil, returns a no-op logger.
func NewRaw(w io.Writer) RawLogger {
	if w == nil {
		return nopRaw{}
	}
	return &rawLogger{w: w, now: time.Now}
}

// Log emits one line with timestamp, direction and a spaced hex dump.
func (r *rawLogger) Log(dir Direction, data []byte) {
	if len(data) == 0 {
		return
	}
	dump := make([]byte, 0, len(data)*3)
	for i, b := range data {
		if i > 0 {
			dump = append(dump, ' ')
		}
		dump = append(dump, hex.EncodeToString([]byte{b})...)
	}
	line := fmt.Sprintf("%s %s chunk: %d bytes, hex: %s\n",
		r.now().Format("2006/01/02 15:04:05.000"), dir, len(data), dump)

	r.mu.Lock()
	_, _ = io.WriteString(r.w, line)
	r.mu.Unlock()
}
