// Package uart connects the bridge to a host serial port.
package uart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/Alia5/usbuart/device/cdc"
)

// Config selects and configures the host serial port.
type Config struct {
	Port        string        `help:"Serial port device, e.g. /dev/ttyUSB0 or COM3" env:"USBUART_UART_PORT"`
	Baud        int           `help:"Baud rate" default:"115200" env:"USBUART_UART_BAUD"`
	DataBits    int           `help:"Data bits (5-8)" default:"8" env:"USBUART_UART_DATA_BITS"`
	Parity      string        `help:"Parity" default:"none" enum:"none,odd,even,mark,space" env:"USBUART_UART_PARITY"`
	StopBits    string        `help:"Stop bits" default:"1" enum:"1,1.5,2" env:"USBUART_UART_STOP_BITS"`
	ReadTimeout time.Duration `help:"Upper bound of one port read" default:"50ms" env:"USBUART_UART_READ_TIMEOUT"`
	SendRetries int           `help:"Attempts to hand a read chunk to the bridge before dropping the rest" default:"20" env:"USBUART_UART_SEND_RETRIES"`
	RetryDelay  time.Duration `help:"Pause between attempts" default:"5ms" env:"USBUART_UART_RETRY_DELAY"`
}

const readChunk = 256

var ErrNoPort = errors.New("uart: no port configured")

// portHandle is the subset of serial.Port in use.
type portHandle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	Break(d time.Duration) error
}

// tests swap the real port for a fake
var openPort = func(name string, mode *serial.Mode) (portHandle, error) { return serial.Open(name, mode) }

// Ports lists the serial ports the OS reports.
func Ports() ([]string, error) { return serial.GetPortsList() }

// Mode converts the configured line settings.
func (c Config) Mode() (*serial.Mode, error) {
	if c.Baud <= 0 {
		return nil, fmt.Errorf("uart: invalid baud rate %d", c.Baud)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return nil, fmt.Errorf("uart: invalid data bits %d", c.DataBits)
	}
	m := &serial.Mode{BaudRate: c.Baud, DataBits: c.DataBits}
	switch strings.ToLower(c.Parity) {
	case "", "none":
		m.Parity = serial.NoParity
	case "odd":
		m.Parity = serial.OddParity
	case "even":
		m.Parity = serial.EvenParity
	case "mark":
		m.Parity = serial.MarkParity
	case "space":
		m.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("uart: invalid parity %q", c.Parity)
	}
	switch c.StopBits {
	case "", "1":
		m.StopBits = serial.OneStopBit
	case "1.5":
		m.StopBits = serial.OnePointFiveStopBits
	case "2":
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("uart: invalid stop bits %q", c.StopBits)
	}
	return m, nil
}

// ModeFromLineCoding converts a host CDC line coding to a port mode.
func ModeFromLineCoding(lc cdc.LineCoding) (*serial.Mode, error) {
	if lc.DTERate == 0 {
		return nil, errors.New("uart: line coding without baud rate")
	}
	if lc.DataBits < 5 || lc.DataBits > 8 {
		return nil, fmt.Errorf("uart: unsupported data bits %d", lc.DataBits)
	}
	m := &serial.Mode{BaudRate: int(lc.DTERate), DataBits: int(lc.DataBits)}
	switch lc.ParityType {
	case cdc.ParityNone:
		m.Parity = serial.NoParity
	case cdc.ParityOdd:
		m.Parity = serial.OddParity
	case cdc.ParityEven:
		m.Parity = serial.EvenParity
	case cdc.ParityMark:
		m.Parity = serial.MarkParity
	case cdc.ParitySpace:
		m.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("uart: unsupported parity %d", lc.ParityType)
	}
	switch lc.CharFormat {
	case cdc.StopBits1:
		m.StopBits = serial.OneStopBit
	case cdc.StopBits1_5:
		m.StopBits = serial.OnePointFiveStopBits
	case cdc.StopBits2:
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("uart: unsupported stop bits %d", lc.CharFormat)
	}
	return m, nil
}

// Port is an open host serial port.
type Port struct {
	cfg    Config
	logger *slog.Logger

	wmu  sync.Mutex
	port portHandle

	closed  atomic.Bool
	dropped atomic.Uint64
}

// Open opens cfg.Port with the configured mode.
func Open(cfg Config, logger *slog.Logger) (*Port, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == "" {
		return nil, ErrNoPort
	}
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 50 * time.Millisecond
	}

	h, err := openPort(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	if err := h.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	logger.Info("UART open", "port", cfg.Port, "baud", mode.BaudRate, "dataBits", mode.DataBits)
	return &Port{cfg: cfg, logger: logger, port: h}, nil
}

// Pump reads the port until ctx is done or the port is closed, handing each
// chunk to send. send returns how many bytes it accepted; the remainder is
// offered again up to SendRetries times and then dropped.
func (p *Port) Pump(ctx context.Context, send func([]byte) int) error {
	buf := make([]byte, readChunk)
	for ctx.Err() == nil {
		n, err := p.port.Read(buf)
		if err != nil {
			if p.closed.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s: %w", p.cfg.Port, err)
		}
		if n > 0 {
			p.deliver(ctx, buf[:n], send)
		}
	}
	return nil
}

func (p *Port) deliver(ctx context.Context, chunk []byte, send func([]byte) int) {
	for attempt := 0; ; attempt++ {
		chunk = chunk[send(chunk):]
		if len(chunk) == 0 {
			return
		}
		if attempt >= p.cfg.SendRetries {
			p.dropped.Add(uint64(len(chunk)))
			p.logger.Debug("bridge buffer full, dropping uart bytes", "bytes", len(chunk))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.RetryDelay):
		}
	}
}

// Write sends data to the port. It has the shape of the bridge UART write
// callback, so failures are logged instead of returned.
func (p *Port) Write(data []byte) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	for len(data) > 0 {
		n, err := p.port.Write(data)
		if err != nil {
			if !p.closed.Load() {
				p.logger.Error("uart write failed", "port", p.cfg.Port, "error", err)
			}
			return
		}
		data = data[n:]
	}
}

// ApplyLineCoding reconfigures the port to the host line coding.
func (p *Port) ApplyLineCoding(lc cdc.LineCoding) error {
	mode, err := ModeFromLineCoding(lc)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.port.SetMode(mode); err != nil {
		return fmt.Errorf("set mode %s: %w", lc, err)
	}
	p.logger.Info("UART line coding changed", "port", p.cfg.Port, "line", lc.String())
	return nil
}

// SetControlLines drives DTR and RTS.
func (p *Port) SetControlLines(dtr, rts bool) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.port.SetDTR(dtr); err != nil {
		return fmt.Errorf("set dtr: %w", err)
	}
	if err := p.port.SetRTS(rts); err != nil {
		return fmt.Errorf("set rts: %w", err)
	}
	return nil
}

// SendBreak holds the line in break state for d.
func (p *Port) SendBreak(d time.Duration) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.port.Break(d)
}

// Dropped is the number of read bytes the bridge never accepted.
func (p *Port) Dropped() uint64 { return p.dropped.Load() }

func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.port.Close()
}
