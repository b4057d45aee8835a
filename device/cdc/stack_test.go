package cdc_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbuart/bridge"
	"github.com/Alia5/usbuart/device/cdc"
	"github.com/Alia5/usbuart/usbip"
)

// host polls the bulk IN endpoint the way a USB/IP client does.
func host(t *testing.T, a *cdc.ACM, stop <-chan struct{}) <-chan []byte {
	t.Helper()
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if p := a.HandleTransfer(cdc.DataEP, usbip.DirIn, nil); len(p) > 0 {
				out <- p
			}
		}
	}()
	return out
}

func TestBridgeOverStack(t *testing.T) {
	ch0 := cdc.New("c0", cdc.Options{PollInterval: 2 * time.Millisecond})
	ch1 := cdc.New("c1", cdc.Options{PollInterval: 2 * time.Millisecond})
	stack := cdc.NewStack([]*cdc.ACM{ch0, ch1}, nil)

	var mu sync.Mutex
	var uart []byte
	b, err := bridge.Enable(stack, bridge.Config{
		Channel: 0,
		OnUARTWrite: func(p []byte) {
			mu.Lock()
			uart = append(uart, p...)
			mu.Unlock()
		},
	}, bridge.Options{})
	require.NoError(t, err)

	stop := make(chan struct{})
	in := host(t, ch0, stop)

	require.Equal(t, 5, b.Send([]byte("hello")))
	select {
	case p := <-in:
		assert.Equal(t, []byte("hello"), p)
	case <-time.After(time.Second):
		t.Fatal("no IN packet")
	}

	ch0.HandleTransfer(cdc.DataEP, usbip.DirOut, []byte("from host"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(uart) == "from host"
	}, time.Second, time.Millisecond)

	require.NoError(t, b.SetConfig(bridge.Config{Channel: 1}))
	assert.False(t, ch0.Bound())
	assert.True(t, ch1.Bound())

	close(stop)
	for range in {
	}
	b.Disable()
	assert.False(t, ch1.Bound())
	assert.Equal(t, uint64(5), b.State().RxBytes)
	assert.Equal(t, uint64(9), b.State().TxBytes)
}
