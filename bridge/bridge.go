// Package bridge forwards bytes between a UART and a USB CDC-ACM channel.
//
// A Bridge runs two goroutines. The RX supervisor moves bytes pushed with
// Send to the USB IN endpoint and applies reconfiguration requests; the TX
// worker moves bytes received on the USB OUT endpoint to the configured
// UART write callback. Neither goroutine polls: both sleep on an event set
// that USB hooks, Send and the control API raise.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultPacketSize is the CDC data packet length moved per USB operation.
	DefaultPacketSize = 64
	// DefaultTxTimeout bounds the wait for the previous USB transmit to complete.
	DefaultTxTimeout = 100 * time.Millisecond

	streamPackets = 5
)

var (
	ErrNilUSB   = errors.New("bridge: usb stack is nil")
	ErrDisabled = errors.New("bridge: disabled")
)

// Config selects the bound channel and where bytes from the host go.
type Config struct {
	Channel ChannelID
	// OnUARTWrite receives every chunk read from the USB channel, in order.
	// It is called from the TX worker and must not call back into the Bridge.
	OnUARTWrite func(p []byte)
}

// State is a best-effort snapshot of the transfer counters.
type State struct {
	RxBytes uint64 // UART to USB
	TxBytes uint64 // USB to UART
	Dropped uint64 // UART bytes discarded on flow-control timeout
}

// Options tune a Bridge. Zero values select the defaults.
type Options struct {
	Logger     *slog.Logger
	PacketSize int
	TxTimeout  time.Duration
	// Fault is invoked when the USB stack fails to bind or restore. It must
	// not return normally in production; the default panics.
	Fault func(error)
}

type cfgRequest struct {
	cfg  Config
	done chan struct{}
}

// Bridge is the handle returned by Enable.
type Bridge struct {
	usb     USB
	logger  *slog.Logger
	fault   func(error)
	pktSize int
	timeout time.Duration

	stream *stream
	permit *permit
	usbMu  sync.Mutex

	rxEvents *eventSet
	txEvents *eventSet

	// active is owned by the RX supervisor and only replaced while the TX
	// worker is stopped; the worker runs on a copy taken when it starts.
	active Config

	cfgMu   sync.Mutex
	pending Config
	request *cfgRequest
	setMu   sync.Mutex

	rxBuf []byte
	txBuf []byte

	rxBytes atomic.Uint64
	txBytes atomic.Uint64
	dropped atomic.Uint64

	txDone   chan struct{}
	rxDone   chan struct{}
	quit     chan struct{}
	disabled atomic.Bool
	stopOnce sync.Once
}

// Enable starts a bridge bound to cfg.Channel and returns its handle.
func Enable(usb USB, cfg Config, opts Options) (*Bridge, error) {
	if usb == nil {
		return nil, ErrNilUSB
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PacketSize <= 0 {
		opts.PacketSize = DefaultPacketSize
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = DefaultTxTimeout
	}
	if opts.Fault == nil {
		opts.Fault = func(err error) { panic(err) }
	}

	b := &Bridge{
		usb:      usb,
		logger:   opts.Logger,
		fault:    opts.Fault,
		pktSize:  opts.PacketSize,
		timeout:  opts.TxTimeout,
		stream:   newStream(opts.PacketSize * streamPackets),
		permit:   newPermit(),
		rxEvents: newEventSet(),
		txEvents: newEventSet(),
		pending:  cfg,
		rxBuf:    make([]byte, opts.PacketSize),
		txBuf:    make([]byte, opts.PacketSize),
		rxDone:   make(chan struct{}),
		quit:     make(chan struct{}),
	}

	started := make(chan struct{})
	go b.runRx(started)
	<-started
	return b, nil
}

// Send pushes UART bytes towards the USB channel and returns how many were
// buffered. The RX supervisor is woken even when nothing fit.
func (b *Bridge) Send(p []byte) int {
	if b.disabled.Load() {
		return 0
	}
	n := b.stream.push(p)
	b.rxEvents.set(evtRxDone)
	return n
}

// Disable stops both goroutines, unbinds the channel and restores the USB
// stack default. No OnUARTWrite call happens after Disable returns.
func (b *Bridge) Disable() {
	b.stopOnce.Do(func() {
		b.disabled.Store(true)
		close(b.quit)
		b.rxEvents.set(evtStop)
		<-b.rxDone
	})
}

// SetConfig requests cfg and blocks until the RX supervisor applied it.
// Both fields take effect: a new channel is rebound, and OnUARTWrite is
// handed to a restarted TX worker. A request for the bound channel keeps
// the binding and the counters.
func (b *Bridge) SetConfig(cfg Config) error {
	b.setMu.Lock()
	defer b.setMu.Unlock()

	if b.disabled.Load() {
		return ErrDisabled
	}
	req := &cfgRequest{cfg: cfg, done: make(chan struct{})}
	b.cfgMu.Lock()
	b.pending = cfg
	b.request = req
	b.cfgMu.Unlock()

	b.rxEvents.set(evtCfgChange)
	select {
	case <-req.done:
		return nil
	case <-b.rxDone:
		select {
		case <-req.done:
			return nil
		default:
			return ErrDisabled
		}
	}
}

// Config returns the last requested configuration, which may not be active yet.
func (b *Bridge) Config() Config {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	return b.pending
}

// State returns the transfer counters.
func (b *Bridge) State() State {
	return State{
		RxBytes: b.rxBytes.Load(),
		TxBytes: b.txBytes.Load(),
		Dropped: b.dropped.Load(),
	}
}

func (b *Bridge) takeRequest() *cfgRequest {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	req := b.request
	b.request = nil
	return req
}

func (b *Bridge) check(err error, op string, ch ChannelID) {
	if err == nil {
		return
	}
	err = fmt.Errorf("%s channel %d: %w", op, ch, err)
	b.logger.Error("usb stack fault", "error", err)
	b.fault(err)
}
