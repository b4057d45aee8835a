// Package cdc implements a virtual CDC-ACM serial function exported over
// USB/IP and the multi-channel stack the bridge drives.
package cdc

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Alia5/usbuart/bridge"
	"github.com/Alia5/usbuart/device"
	"github.com/Alia5/usbuart/usb"
	"github.com/Alia5/usbuart/usbip"
)

// Endpoint numbers (without direction bit).
const (
	NotifyEP = 1 // 0x81 interrupt IN
	DataEP   = 2 // 0x82 bulk IN, 0x02 bulk OUT

	MaxPacketSize = 64
)

const (
	DefaultPollInterval = 20 * time.Millisecond
	DefaultOutTimeout   = 500 * time.Millisecond
)

// Options configure an ACM function. Zero values select the defaults.
type Options struct {
	Logger       *slog.Logger
	PollInterval time.Duration
	OutTimeout   time.Duration
	Create       *device.CreateOptions
}

type txPacket struct {
	data []byte
	cb   bridge.Callbacks
}

// ACM is one virtual CDC-ACM device. Without bound callbacks it acts as a
// discard sink: host writes are dropped and reads return empty packets.
type ACM struct {
	logger     *slog.Logger
	descriptor usb.Descriptor
	poll       time.Duration
	outTimeout time.Duration

	mu           sync.Mutex
	cb           bridge.Callbacks
	lineCoding   LineCoding
	controlState uint16
	onLineCoding func(LineCoding)
	onControl    func(dtr, rts bool)
	onBreak      func(millis uint16)

	tx        chan txPacket
	rx        []byte
	rxDrained chan struct{}
}

// New returns an ACM function with the given serial string.
func New(serial string, o Options) *ACM {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.OutTimeout <= 0 {
		o.OutTimeout = DefaultOutTimeout
	}
	a := &ACM{
		logger:     o.Logger,
		descriptor: newDescriptor(serial),
		poll:       o.PollInterval,
		outTimeout: o.OutTimeout,
		lineCoding: DefaultLineCoding,
		tx:         make(chan txPacket, 1),
		rxDrained:  make(chan struct{}, 1),
	}
	o.Create.Apply(&a.descriptor)
	return a
}

func newDescriptor(serial string) usb.Descriptor {
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       usb.ClassCDC,
			BMaxPacketSize0:    64,
			IDVendor:           0x1209,
			IDProduct:          0x5550,
			BcdDevice:          0x0100,
			IManufacturer:      1,
			IProduct:           2,
			ISerialNumber:      3,
			BNumConfigurations: 1,
			Speed:              2, // full speed
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber:   0,
					BNumEndpoints:      1,
					BInterfaceClass:    usb.ClassCDC,
					BInterfaceSubClass: usb.SubclassACM,
					BInterfaceProtocol: usb.ProtocolATCommandsV2,
				},
				ClassDescriptors: usb.CDCFunctional(0, 1, usb.ACMCapLineCoding|usb.ACMCapSendBreak),
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: 0x80 | NotifyEP, BMAttributes: usb.EndpointInterrupt, WMaxPacketSize: 16, BInterval: 16},
				},
			},
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber: 1,
					BNumEndpoints:    2,
					BInterfaceClass:  usb.ClassCDCData,
				},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: 0x80 | DataEP, BMAttributes: usb.EndpointBulk, WMaxPacketSize: MaxPacketSize},
					{BEndpointAddress: DataEP, BMAttributes: usb.EndpointBulk, WMaxPacketSize: MaxPacketSize},
				},
			},
		},
		Strings: map[uint8]string{
			1: "usbuart",
			2: "USB UART Bridge",
			3: serial,
		},
	}
}

func (a *ACM) GetDescriptor() *usb.Descriptor { return &a.descriptor }

// SetOnLineCodingChange sets the observer for SET_LINE_CODING.
func (a *ACM) SetOnLineCodingChange(cb func(LineCoding)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onLineCoding = cb
}

// SetOnControlStateChange sets the observer for SET_CONTROL_LINE_STATE.
func (a *ACM) SetOnControlStateChange(cb func(dtr, rts bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onControl = cb
}

// SetOnBreak sets the observer for SEND_BREAK.
func (a *ACM) SetOnBreak(cb func(millis uint16)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onBreak = cb
}

// LineCoding returns the line coding last set by the host.
func (a *ACM) LineCoding() LineCoding {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lineCoding
}

// DTR reports whether the host asserted Data Terminal Ready.
func (a *ACM) DTR() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controlState&ControlLineDTR != 0
}

func (a *ACM) RTS() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controlState&ControlLineRTS != 0
}

// Bound reports whether bridge callbacks are attached.
func (a *ACM) Bound() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cb != nil
}

// bind attaches cb, or the discard sink when cb is nil. Data queued under
// the previous binding is dropped.
func (a *ACM) bind(cb bridge.Callbacks) {
	a.mu.Lock()
	a.cb = cb
	a.rx = nil
	a.mu.Unlock()
	select {
	case <-a.tx:
	default:
	}
	a.signalDrained()
}

// Transmit queues p for the next bulk IN transfer. The bound callbacks get
// OnTxComplete once the host has taken it. A packet never exceeds
// MaxPacketSize; the excess is discarded.
func (a *ACM) Transmit(p []byte) {
	a.mu.Lock()
	cb := a.cb
	a.mu.Unlock()
	if cb == nil {
		return
	}
	if len(p) > MaxPacketSize {
		a.logger.Warn("cdc transmit exceeds max packet size, truncating", "bytes", len(p), "max", MaxPacketSize)
		p = p[:MaxPacketSize]
	}
	select {
	case a.tx <- txPacket{data: append([]byte(nil), p...), cb: cb}:
	default:
		a.logger.Warn("cdc transmit while previous packet pending, dropping", "bytes", len(p))
	}
}

// Receive drains up to len(p) bytes of the pending host write. Residue is
// announced again with OnRxAvailable.
func (a *ACM) Receive(p []byte) int {
	a.mu.Lock()
	n := copy(p, a.rx)
	a.rx = a.rx[n:]
	residue := len(a.rx) > 0
	cb := a.cb
	a.mu.Unlock()

	if residue {
		if cb != nil {
			cb.OnRxAvailable()
		}
	} else if n > 0 {
		a.signalDrained()
	}
	return n
}

func (a *ACM) signalDrained() {
	select {
	case a.rxDrained <- struct{}{}:
	default:
	}
}

// HandleTransfer serves the notification and data endpoints.
func (a *ACM) HandleTransfer(ep uint32, dir uint32, out []byte) []byte {
	switch {
	case ep == DataEP && dir == usbip.DirIn:
		return a.handleDataIn()
	case ep == DataEP && dir == usbip.DirOut:
		a.handleDataOut(out)
		return nil
	case ep == NotifyEP && dir == usbip.DirIn:
		// No serial state notifications are generated.
		time.Sleep(a.poll)
		return []byte{}
	}
	return nil
}

func (a *ACM) handleDataIn() []byte {
	t := time.NewTimer(a.poll)
	defer t.Stop()
	select {
	case pkt := <-a.tx:
		pkt.cb.OnTxComplete()
		return pkt.data
	case <-t.C:
		return []byte{}
	}
}

// handleDataOut parks a host write in the receive slot, waiting up to
// outTimeout for the previous one to drain.
func (a *ACM) handleDataOut(data []byte) {
	if len(data) == 0 {
		return
	}
	var deadline <-chan time.Time
	for {
		a.mu.Lock()
		cb := a.cb
		if cb == nil {
			a.mu.Unlock()
			return
		}
		if len(a.rx) == 0 {
			a.rx = data
			a.mu.Unlock()
			cb.OnRxAvailable()
			return
		}
		a.mu.Unlock()

		if deadline == nil {
			t := time.NewTimer(a.outTimeout)
			defer t.Stop()
			deadline = t.C
		}
		select {
		case <-a.rxDrained:
		case <-deadline:
			a.logger.Warn("cdc receive slot full, dropping host write", "bytes", len(data))
			return
		}
	}
}

// HandleControl answers the ACM class requests.
func (a *ACM) HandleControl(setup usb.SetupPacket, data []byte) ([]byte, bool) {
	if setup.Type() != usb.RequestTypeClass || setup.Recipient() != usb.RecipientInterface {
		return nil, false
	}
	switch setup.BRequest {
	case usb.CDCReqSetLineCoding:
		lc, err := ParseLineCoding(data)
		if err != nil {
			a.logger.Warn("bad SET_LINE_CODING", "error", err)
			return nil, false
		}
		a.mu.Lock()
		a.lineCoding = lc
		cb, obs := a.cb, a.onLineCoding
		a.mu.Unlock()
		a.logger.Debug("line coding set", "coding", lc)
		if cb != nil {
			cb.OnLineCodingChange()
		}
		if obs != nil {
			obs(lc)
		}
		return nil, true

	case usb.CDCReqGetLineCoding:
		return setup.Truncate(a.LineCoding().Bytes()), true

	case usb.CDCReqSetControlLineState:
		a.mu.Lock()
		a.controlState = setup.WValue
		cb, obs := a.cb, a.onControl
		a.mu.Unlock()
		dtr := setup.WValue&ControlLineDTR != 0
		rts := setup.WValue&ControlLineRTS != 0
		a.logger.Debug("control line state set", "dtr", dtr, "rts", rts)
		if cb != nil {
			cb.OnControlLineChange()
		}
		if obs != nil {
			obs(dtr, rts)
		}
		return nil, true

	case usb.CDCReqSendBreak:
		a.mu.Lock()
		obs := a.onBreak
		a.mu.Unlock()
		a.logger.Debug("break signaled", "duration_ms", setup.WValue)
		if obs != nil {
			obs(setup.WValue)
		}
		return nil, true
	}
	return nil, false
}

func (a *ACM) String() string {
	return fmt.Sprintf("cdc-acm(%s)", a.descriptor.Strings[3])
}
