package usb_test

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbuart/bridge"
	"github.com/Alia5/usbuart/device/cdc"
	srv "github.com/Alia5/usbuart/internal/server/usb"
	th "github.com/Alia5/usbuart/internal/testing"
	"github.com/Alia5/usbuart/usb"
	"github.com/Alia5/usbuart/usbip"
	"github.com/Alia5/usbuart/virtualbus"
)

type fixture struct {
	server *srv.Server
	bus    *virtualbus.VirtualBus
	acm    *cdc.ACM
	stack  *cdc.Stack
	client *th.UsbIpClient
}

func start(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := srv.New(srv.ServerConfig{Addr: "127.0.0.1:0"}, logger, nil)
	bus := virtualbus.New()
	acm := cdc.New("srv-test", cdc.Options{Logger: logger, PollInterval: 20 * time.Millisecond})
	_, err := bus.Add(acm)
	require.NoError(t, err)
	require.NoError(t, s.AddBus(bus))

	go func() { _ = s.ListenAndServe() }()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	t.Cleanup(func() {
		_ = s.Close()
		_ = s.RemoveBus(bus.BusID())
	})

	return &fixture{
		server: s,
		bus:    bus,
		acm:    acm,
		stack:  cdc.NewStack([]*cdc.ACM{acm}, logger),
		client: th.NewUsbIpClient(t, s.Addr().String()),
	}
}

func (f *fixture) busID() string {
	return f.bus.GetAllDeviceMetas()[0].Meta.BusIDString()
}

func TestDevList(t *testing.T) {
	f := start(t)

	devs, err := f.client.ListDevices()
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, f.busID(), devs[0].BusIDString())
	assert.Equal(t, uint8(usb.ClassCDC), devs[0].BDeviceClass)
	require.Len(t, devs[0].Interfaces, 2)
	assert.Equal(t, uint8(usb.SubclassACM), devs[0].Interfaces[0].SubClass)
	assert.Equal(t, uint8(usb.ClassCDCData), devs[0].Interfaces[1].Class)
}

func TestImportAndEnumerate(t *testing.T) {
	f := start(t)
	conn, exp, err := f.client.Attach(f.busID())
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1209), exp.IDVendor)

	getDesc := func(typ uint8, index uint8, length uint16) th.Reply {
		r, err := f.client.Control(conn, usb.SetupPacket{
			BmRequestType: usb.RequestDirIn,
			BRequest:      usb.ReqGetDescriptor,
			WValue:        uint16(typ)<<8 | uint16(index),
			WLength:       length,
		}, nil)
		require.NoError(t, err)
		return r
	}

	r := getDesc(usb.DeviceDescType, 0, 64)
	assert.Equal(t, int32(usbip.StatusOK), r.Status)
	assert.Equal(t, f.acm.GetDescriptor().Bytes(), r.Data)

	r = getDesc(usb.ConfigDescType, 0, 9)
	require.Len(t, r.Data, 9)
	total := binary.LittleEndian.Uint16(r.Data[2:4])
	r = getDesc(usb.ConfigDescType, 0, total)
	assert.Equal(t, f.acm.GetDescriptor().ConfigBytes(), r.Data)

	r = getDesc(usb.StringDescType, 2, 255)
	assert.Equal(t, usb.EncodeStringDescriptor("USB UART Bridge"), r.Data)

	r = getDesc(usb.StringDescType, 9, 255)
	assert.Equal(t, int32(usbip.StatusPipe), r.Status)

	r, err = f.client.Control(conn, usb.SetupPacket{BRequest: usb.ReqSetConfiguration, WValue: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(usbip.StatusOK), r.Status)
}

func TestClassRequests(t *testing.T) {
	f := start(t)
	conn, _, err := f.client.Attach(f.busID())
	require.NoError(t, err)

	lc := cdc.LineCoding{DTERate: 57600, DataBits: 8}
	r, err := f.client.Control(conn, usb.SetupPacket{
		BmRequestType: usb.RequestTypeClass | usb.RecipientInterface,
		BRequest:      usb.CDCReqSetLineCoding,
		WLength:       cdc.LineCodingSize,
	}, lc.Bytes())
	require.NoError(t, err)
	assert.Equal(t, int32(usbip.StatusOK), r.Status)
	assert.Equal(t, uint32(cdc.LineCodingSize), r.Actual)
	assert.Equal(t, lc, f.acm.LineCoding())

	r, err = f.client.Control(conn, usb.SetupPacket{
		BmRequestType: usb.RequestDirIn | usb.RequestTypeClass | usb.RecipientInterface,
		BRequest:      usb.CDCReqGetLineCoding,
		WLength:       cdc.LineCodingSize,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, lc.Bytes(), r.Data)

	r, err = f.client.Control(conn, usb.SetupPacket{
		BmRequestType: usb.RequestTypeClass | usb.RecipientInterface,
		BRequest:      0x7e,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(usbip.StatusPipe), r.Status)
}

func TestBulkTrafficThroughBridge(t *testing.T) {
	f := start(t)
	conn, _, err := f.client.Attach(f.busID())
	require.NoError(t, err)

	var mu sync.Mutex
	var uart []byte
	b, err := bridge.Enable(f.stack, bridge.Config{OnUARTWrite: func(p []byte) {
		mu.Lock()
		uart = append(uart, p...)
		mu.Unlock()
	}}, bridge.Options{})
	require.NoError(t, err)
	defer b.Disable()

	r, err := f.client.Submit(conn, cdc.DataEP, usbip.DirOut, 0, []byte("ping"), [8]byte{})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), r.Actual)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(uart) == "ping"
	}, time.Second, time.Millisecond)

	b.Send([]byte("pong"))
	var got []byte
	require.Eventually(t, func() bool {
		r, err := f.client.Submit(conn, cdc.DataEP, usbip.DirIn, cdc.MaxPacketSize, nil, [8]byte{})
		if err != nil {
			return false
		}
		got = append(got, r.Data...)
		return string(got) == "pong"
	}, time.Second, time.Millisecond)
}

func TestBulkInBoundedByTransferBuffer(t *testing.T) {
	f := start(t)
	conn, _, err := f.client.Attach(f.busID())
	require.NoError(t, err)

	b, err := bridge.Enable(f.stack, bridge.Config{}, bridge.Options{})
	require.NoError(t, err)
	defer b.Disable()

	data := []byte("0123456789abcdefghij")
	require.Equal(t, len(data), b.Send(data))

	var r th.Reply
	require.Eventually(t, func() bool {
		r, err = f.client.Submit(conn, cdc.DataEP, usbip.DirIn, 8, nil, [8]byte{})
		return err == nil && r.Actual > 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint32(8), r.Actual)
	assert.Equal(t, data[:8], r.Data)

	// framing survives: the next URB decodes cleanly
	r, err = f.client.Control(conn, usb.SetupPacket{BmRequestType: 0xA1, BRequest: usb.CDCReqGetLineCoding, WLength: cdc.LineCodingSize}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(usbip.StatusOK), r.Status)
	assert.Len(t, r.Data, cdc.LineCodingSize)
}

func TestSecondImportRefused(t *testing.T) {
	f := start(t)
	_, _, err := f.client.Attach(f.busID())
	require.NoError(t, err)

	_, _, err = f.client.Attach(f.busID())
	assert.Error(t, err)

	_, _, err = f.client.Attach("9-9")
	assert.Error(t, err)
}

func TestUnlinkQueuedURB(t *testing.T) {
	f := start(t)
	conn, _, err := f.client.Attach(f.busID())
	require.NoError(t, err)

	// The first IN occupies the worker for a poll interval; the second is
	// still queued when the unlink arrives.
	first, second := f.client.NextSeq(), f.client.NextSeq()
	require.NoError(t, f.client.Send(conn, first, cdc.DataEP, usbip.DirIn, 64, nil, [8]byte{}))
	require.NoError(t, f.client.Send(conn, second, cdc.DataEP, usbip.DirIn, 64, nil, [8]byte{}))
	require.NoError(t, f.client.Unlink(conn, f.client.NextSeq(), second))

	var unlinkStatus int32
	var submits []uint32
	for i := 0; i < 2; i++ {
		cmd, r, err := f.client.ReadReply(conn)
		require.NoError(t, err)
		if cmd == usbip.RetUnlinkCode {
			unlinkStatus = r.Status
			continue
		}
		submits = append(submits, r.Seq)
	}
	assert.Equal(t, int32(usbip.StatusConnReset), unlinkStatus)
	assert.Equal(t, []uint32{first}, submits)
}

func TestDeviceRemovalClosesStream(t *testing.T) {
	f := start(t)
	conn, _, err := f.client.Attach(f.busID())
	require.NoError(t, err)

	require.NoError(t, f.bus.Remove(f.acm))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}
