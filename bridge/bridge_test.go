package bridge_test

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbuart/bridge"
)

type transmit struct {
	ch   bridge.ChannelID
	data []byte
}

// fakeUSB records every call the bridge makes and lets tests play the host.
type fakeUSB struct {
	mu        sync.Mutex
	calls     []string
	cbs       map[bridge.ChannelID]bridge.Callbacks
	sent      []transmit
	rx        map[bridge.ChannelID][]byte
	complete  bool
	bindErr   error
	restored  int
	receiving int
}

func newFakeUSB(autoComplete bool) *fakeUSB {
	return &fakeUSB{
		cbs:      map[bridge.ChannelID]bridge.Callbacks{},
		rx:       map[bridge.ChannelID][]byte{},
		complete: autoComplete,
	}
}

func (f *fakeUSB) Bind(ch bridge.ChannelID, cb bridge.Callbacks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("bind %d", ch))
	if f.bindErr != nil {
		return f.bindErr
	}
	f.cbs[ch] = cb
	return nil
}

func (f *fakeUSB) Unbind(ch bridge.ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("unbind %d", ch))
	delete(f.cbs, ch)
}

func (f *fakeUSB) RestoreDefault() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "restore")
	f.restored++
	return nil
}

func (f *fakeUSB) Transmit(ch bridge.ChannelID, p []byte) {
	f.mu.Lock()
	f.sent = append(f.sent, transmit{ch: ch, data: bytes.Clone(p)})
	cb := f.cbs[ch]
	complete := f.complete
	f.mu.Unlock()
	if complete && cb != nil {
		cb.OnTxComplete()
	}
}

func (f *fakeUSB) Receive(ch bridge.ChannelID, p []byte) int {
	f.mu.Lock()
	f.receiving++
	n := copy(p, f.rx[ch])
	f.rx[ch] = f.rx[ch][n:]
	more := len(f.rx[ch]) > 0
	cb := f.cbs[ch]
	f.mu.Unlock()
	if more && cb != nil {
		cb.OnRxAvailable()
	}
	return n
}

// deliver plays a host OUT transfer on ch.
func (f *fakeUSB) deliver(ch bridge.ChannelID, p []byte) {
	f.mu.Lock()
	f.rx[ch] = append(f.rx[ch], p...)
	cb := f.cbs[ch]
	f.mu.Unlock()
	if cb != nil {
		cb.OnRxAvailable()
	}
}

func (f *fakeUSB) completeTx(ch bridge.ChannelID) {
	f.mu.Lock()
	cb := f.cbs[ch]
	f.mu.Unlock()
	cb.OnTxComplete()
}

func (f *fakeUSB) snapshotCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeUSB) snapshotSent() []transmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transmit(nil), f.sent...)
}

type uartSink struct {
	mu     sync.Mutex
	writes [][]byte
}

func (s *uartSink) write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, bytes.Clone(p))
}

func (s *uartSink) all() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Join(s.writes, nil)
}

func (s *uartSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

func enable(t *testing.T, usb *fakeUSB, cfg bridge.Config, opts bridge.Options) *bridge.Bridge {
	t.Helper()
	b, err := bridge.Enable(usb, cfg, opts)
	require.NoError(t, err)
	t.Cleanup(b.Disable)
	return b
}

func TestEnableRequiresUSB(t *testing.T) {
	b, err := bridge.Enable(nil, bridge.Config{}, bridge.Options{})
	assert.Nil(t, b)
	assert.ErrorIs(t, err, bridge.ErrNilUSB)
}

func TestEnableBindsInitialChannel(t *testing.T) {
	usb := newFakeUSB(true)
	enable(t, usb, bridge.Config{Channel: 1}, bridge.Options{})

	assert.Equal(t, []string{"bind 1"}, usb.snapshotCalls())
	// The TX worker attempts one receive right after start.
	require.Eventually(t, func() bool {
		usb.mu.Lock()
		defer usb.mu.Unlock()
		return usb.receiving >= 1
	}, time.Second, time.Millisecond)
}

func TestUARTPushIsTransmittedOnce(t *testing.T) {
	usb := newFakeUSB(true)
	b := enable(t, usb, bridge.Config{Channel: 0}, bridge.Options{})

	data := pattern(64)
	assert.Equal(t, 64, b.Send(data))

	require.Eventually(t, func() bool { return len(usb.snapshotSent()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	sent := usb.snapshotSent()
	require.Len(t, sent, 1)
	assert.Equal(t, bridge.ChannelID(0), sent[0].ch)
	assert.Equal(t, data, sent[0].data)
	assert.Equal(t, uint64(64), b.State().RxBytes)
	assert.Equal(t, uint64(0), b.State().Dropped)
}

func TestUARTBytesKeepOrder(t *testing.T) {
	usb := newFakeUSB(true)
	b := enable(t, usb, bridge.Config{}, bridge.Options{PacketSize: 16})

	data := pattern(16 * 5)
	for off := 0; off < len(data); off += 10 {
		end := min(off+10, len(data))
		require.Equal(t, end-off, b.Send(data[off:end]))
	}

	require.Eventually(t, func() bool { return b.State().RxBytes == uint64(len(data)) }, time.Second, time.Millisecond)
	var got []byte
	for _, s := range usb.snapshotSent() {
		assert.LessOrEqual(t, len(s.data), 16)
		got = append(got, s.data...)
	}
	assert.Equal(t, data, got)
}

func TestSendRejectsWhatDoesNotFit(t *testing.T) {
	usb := newFakeUSB(false)
	b := enable(t, usb, bridge.Config{}, bridge.Options{PacketSize: 8, TxTimeout: time.Hour})

	// The first packet goes out and holds the permit; the rest stays buffered.
	require.Equal(t, 8, b.Send(pattern(8)))
	require.Eventually(t, func() bool { return len(usb.snapshotSent()) == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 40, b.Send(pattern(100)))
}

func TestUSBReceiveReachesUART(t *testing.T) {
	usb := newFakeUSB(true)
	sink := &uartSink{}
	b := enable(t, usb, bridge.Config{OnUARTWrite: sink.write}, bridge.Options{})

	data := pattern(32)
	usb.deliver(0, data)

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, data, sink.all())
	assert.Equal(t, uint64(32), b.State().TxBytes)
}

func TestUSBReceiveKeepsOrderAcrossPackets(t *testing.T) {
	usb := newFakeUSB(true)
	sink := &uartSink{}
	b := enable(t, usb, bridge.Config{OnUARTWrite: sink.write}, bridge.Options{})

	var want []byte
	for i, n := range []int{1, 63, 64, 65, 200, 3} {
		chunk := bytes.Repeat([]byte{byte(i)}, n)
		want = append(want, chunk...)
		usb.deliver(0, chunk)
	}

	require.Eventually(t, func() bool { return b.State().TxBytes == uint64(len(want)) }, time.Second, time.Millisecond)
	assert.Equal(t, want, sink.all())
}

func TestFlowControlTimeoutDropsBufferedData(t *testing.T) {
	usb := newFakeUSB(false)
	b := enable(t, usb, bridge.Config{}, bridge.Options{TxTimeout: 20 * time.Millisecond})

	b.Send(pattern(10))
	require.Eventually(t, func() bool { return len(usb.snapshotSent()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, uint64(10), b.State().RxBytes)

	// The permit is still held by the first transmit.
	b.Send(pattern(20))
	require.Eventually(t, func() bool { return b.State().Dropped == 20 }, time.Second, time.Millisecond)

	assert.Equal(t, uint64(10), b.State().RxBytes)
	assert.Len(t, usb.snapshotSent(), 1)

	// Once the host drains the endpoint, traffic resumes.
	usb.completeTx(0)
	b.Send(pattern(5))
	require.Eventually(t, func() bool { return b.State().RxBytes == 15 }, time.Second, time.Millisecond)
}

func TestSetConfigRebindsChannel(t *testing.T) {
	usb := newFakeUSB(true)
	sink := &uartSink{}
	b := enable(t, usb, bridge.Config{Channel: 0, OnUARTWrite: sink.write}, bridge.Options{})

	require.NoError(t, b.SetConfig(bridge.Config{Channel: 1, OnUARTWrite: sink.write}))

	assert.Equal(t, []string{"bind 0", "unbind 0", "bind 1"}, usb.snapshotCalls())
	assert.Equal(t, bridge.ChannelID(1), b.Config().Channel)

	b.Send([]byte("after"))
	require.Eventually(t, func() bool { return len(usb.snapshotSent()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, bridge.ChannelID(1), usb.snapshotSent()[0].ch)

	usb.deliver(1, []byte("host"))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte("host"), sink.all())
}

func TestSetConfigSameChannelIsNoop(t *testing.T) {
	usb := newFakeUSB(true)
	b := enable(t, usb, bridge.Config{Channel: 2}, bridge.Options{})

	b.Send(pattern(12))
	require.Eventually(t, func() bool { return b.State().RxBytes == 12 }, time.Second, time.Millisecond)
	before := b.State()

	require.NoError(t, b.SetConfig(bridge.Config{Channel: 2}))

	assert.Equal(t, []string{"bind 2"}, usb.snapshotCalls())
	assert.Equal(t, before, b.State())
}

func TestSetConfigReleasesHeldPermit(t *testing.T) {
	usb := newFakeUSB(false)
	b := enable(t, usb, bridge.Config{Channel: 0}, bridge.Options{TxTimeout: time.Hour})

	b.Send([]byte("old"))
	require.Eventually(t, func() bool { return len(usb.snapshotSent()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, b.SetConfig(bridge.Config{Channel: 1}))
	b.Send([]byte("new"))

	require.Eventually(t, func() bool { return len(usb.snapshotSent()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, transmit{ch: 1, data: []byte("new")}, usb.snapshotSent()[1])
	assert.Equal(t, uint64(0), b.State().Dropped)
}

func TestLateCompletionFromOldChannelIsIgnored(t *testing.T) {
	usb := newFakeUSB(false)
	b := enable(t, usb, bridge.Config{Channel: 0}, bridge.Options{TxTimeout: 20 * time.Millisecond})

	b.Send([]byte("old"))
	require.Eventually(t, func() bool { return len(usb.snapshotSent()) == 1 }, time.Second, time.Millisecond)
	usb.mu.Lock()
	oldCb := usb.cbs[0]
	usb.mu.Unlock()

	require.NoError(t, b.SetConfig(bridge.Config{Channel: 1}))
	b.Send([]byte("new"))
	require.Eventually(t, func() bool { return len(usb.snapshotSent()) == 2 }, time.Second, time.Millisecond)

	// The host took "old" just before the rebind; its completion arrives now.
	oldCb.OnTxComplete()

	// "new" is still in flight, so the next push must wait and then drop.
	b.Send([]byte("more"))
	require.Eventually(t, func() bool { return b.State().Dropped == 4 }, time.Second, time.Millisecond)
	assert.Len(t, usb.snapshotSent(), 2)
	assert.Equal(t, uint64(6), b.State().RxBytes)

	usb.completeTx(1)
	b.Send([]byte("last"))
	require.Eventually(t, func() bool { return len(usb.snapshotSent()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, transmit{ch: 1, data: []byte("last")}, usb.snapshotSent()[2])
}

func TestSetConfigSameChannelSwapsUARTWrite(t *testing.T) {
	usb := newFakeUSB(true)
	oldSink, newSink := &uartSink{}, &uartSink{}
	b := enable(t, usb, bridge.Config{Channel: 0, OnUARTWrite: oldSink.write}, bridge.Options{})

	require.NoError(t, b.SetConfig(bridge.Config{Channel: 0, OnUARTWrite: newSink.write}))
	usb.deliver(0, []byte("hello"))

	require.Eventually(t, func() bool { return newSink.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte("hello"), newSink.all())
	assert.Zero(t, oldSink.count())
	assert.Equal(t, []string{"bind 0"}, usb.snapshotCalls())
	assert.Equal(t, uint64(5), b.State().TxBytes)
}

func TestConfigReturnsLastRequest(t *testing.T) {
	usb := newFakeUSB(true)
	b := enable(t, usb, bridge.Config{Channel: 3}, bridge.Options{})
	assert.Equal(t, bridge.ChannelID(3), b.Config().Channel)

	require.NoError(t, b.SetConfig(bridge.Config{Channel: 4}))
	assert.Equal(t, bridge.ChannelID(4), b.Config().Channel)
}

func TestConcurrentSetConfigSerializes(t *testing.T) {
	usb := newFakeUSB(true)
	b := enable(t, usb, bridge.Config{Channel: 0}, bridge.Options{})

	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func(ch bridge.ChannelID) {
			defer wg.Done()
			assert.NoError(t, b.SetConfig(bridge.Config{Channel: ch}))
		}(bridge.ChannelID(i))
	}
	wg.Wait()

	calls := usb.snapshotCalls()
	binds, unbinds := 0, 0
	for _, c := range calls {
		if c[:4] == "bind" {
			binds++
		} else {
			unbinds++
		}
	}
	assert.Equal(t, 5, binds)
	assert.Equal(t, 4, unbinds)
	assert.Equal(t, fmt.Sprintf("bind %d", b.Config().Channel), calls[len(calls)-1])
}

func TestDisableTearsDown(t *testing.T) {
	usb := newFakeUSB(true)
	sink := &uartSink{}
	b, err := bridge.Enable(usb, bridge.Config{Channel: 1, OnUARTWrite: sink.write}, bridge.Options{})
	require.NoError(t, err)

	b.Disable()
	assert.Equal(t, []string{"bind 1", "unbind 1", "restore"}, usb.snapshotCalls())

	// Late traffic after teardown never reaches the UART side.
	usb.deliver(1, []byte("late"))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
	assert.Equal(t, 0, b.Send([]byte("x")))
	assert.ErrorIs(t, b.SetConfig(bridge.Config{Channel: 0}), bridge.ErrDisabled)

	b.Disable()
	assert.Equal(t, 1, usb.restored)
}

func TestDisableWithTransmitInFlight(t *testing.T) {
	usb := newFakeUSB(false)
	sink := &uartSink{}
	b, err := bridge.Enable(usb, bridge.Config{OnUARTWrite: sink.write}, bridge.Options{TxTimeout: time.Hour})
	require.NoError(t, err)

	b.Send(pattern(64))
	require.Eventually(t, func() bool { return len(usb.snapshotSent()) == 1 }, time.Second, time.Millisecond)
	b.Send(pattern(64))

	done := make(chan struct{})
	go func() {
		b.Disable()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disable blocked with a transmit in flight")
	}
	assert.Equal(t, 0, sink.count())
}

func TestBindFailureReachesFaultHandler(t *testing.T) {
	usb := newFakeUSB(true)
	usb.bindErr = errors.New("no such interface")

	var mu sync.Mutex
	var faults []error
	b, err := bridge.Enable(usb, bridge.Config{Channel: 5}, bridge.Options{
		Fault: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			faults = append(faults, err)
		},
	})
	require.NoError(t, err)
	defer b.Disable()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, faults, 1)
	assert.ErrorIs(t, faults[0], usb.bindErr)
	assert.Contains(t, faults[0].Error(), "channel 5")
}

func TestCountersNeverDecrease(t *testing.T) {
	usb := newFakeUSB(true)
	b := enable(t, usb, bridge.Config{OnUARTWrite: func([]byte) {}}, bridge.Options{})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var last bridge.State
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := b.State()
			assert.GreaterOrEqual(t, s.RxBytes, last.RxBytes)
			assert.GreaterOrEqual(t, s.TxBytes, last.TxBytes)
			last = s
		}
	}()

	for i := 0; i < 50; i++ {
		b.Send(pattern(17))
		usb.deliver(0, pattern(9))
	}
	require.Eventually(t, func() bool { return b.State().TxBytes == 50*9 }, time.Second, time.Millisecond)
	close(stop)
	wg.Wait()
}
