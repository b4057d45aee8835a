package testing

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Alia5/usbuart/bridge"
	"github.com/Alia5/usbuart/device/cdc"
	"github.com/Alia5/usbuart/internal/server/api"
	"github.com/Alia5/usbuart/internal/server/usb"
	"github.com/Alia5/usbuart/virtualbus"
)

// StartAPIServer starts an API server on a free loopback port and calls
// register so the test can add the handlers it needs. The server is closed
// on test cleanup.
func StartAPIServer(t *testing.T, cfg api.ServerConfig, register func(r *api.Router)) (addr string) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	apiSrv := api.New(cfg, quietLogger())
	if register != nil {
		register(apiSrv.Router())
	}
	if err := apiSrv.Start(); err != nil {
		t.Fatalf("api start failed: %v", err)
	}
	t.Cleanup(apiSrv.Close)
	return apiSrv.Addr().String()
}

// ExecCmd dials the API server, sends cmd and reads the full response
// without the trailing newline.
func ExecCmd(t *testing.T, addr string, cmd string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	_, _ = fmt.Fprintf(c, "%s\x00", cmd)

	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil && err != io.EOF {
		t.Fatalf("read failed: %v", err)
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
}

// UARTSink collects what the bridge writes towards the UART.
type UARTSink struct {
	mu  sync.Mutex
	buf []byte
}

func (u *UARTSink) Write(p []byte) {
	u.mu.Lock()
	u.buf = append(u.buf, p...)
	u.mu.Unlock()
}

func (u *UARTSink) Bytes() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]byte(nil), u.buf...)
}

// BridgeFixture is a running bridge over n CDC channels exported by a USB/IP
// server on a loopback port.
type BridgeFixture struct {
	USB    *usb.Server
	Bus    *virtualbus.VirtualBus
	Stack  *cdc.Stack
	Bridge *bridge.Bridge
	UART   *UARTSink
}

// StartBridge builds a BridgeFixture bound to channel 0. Everything is torn
// down on test cleanup.
func StartBridge(t testing.TB, n int) *BridgeFixture {
	t.Helper()
	logger := quietLogger()

	srv := usb.New(usb.ServerConfig{Addr: "127.0.0.1:0"}, logger, nil)
	bus := virtualbus.New()
	acms := make([]*cdc.ACM, 0, n)
	for i := 0; i < n; i++ {
		acm := cdc.New(fmt.Sprintf("fixture-%d", i), cdc.Options{Logger: logger, PollInterval: 20 * time.Millisecond})
		if _, err := bus.Add(acm); err != nil {
			t.Fatalf("add channel %d: %v", i, err)
		}
		acms = append(acms, acm)
	}
	if err := srv.AddBus(bus); err != nil {
		t.Fatalf("add bus: %v", err)
	}
	go func() { _ = srv.ListenAndServe() }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("usb server not ready")
	}

	f := &BridgeFixture{USB: srv, Bus: bus, Stack: cdc.NewStack(acms, logger), UART: &UARTSink{}}
	b, err := bridge.Enable(f.Stack, bridge.Config{Channel: 0, OnUARTWrite: f.UART.Write}, bridge.Options{
		Logger: logger,
		Fault:  func(err error) { t.Errorf("bridge fault: %v", err) },
	})
	if err != nil {
		t.Fatalf("enable bridge: %v", err)
	}
	f.Bridge = b

	t.Cleanup(func() {
		b.Disable()
		_ = srv.Close()
		_ = srv.RemoveBus(bus.BusID())
	})
	return f
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
