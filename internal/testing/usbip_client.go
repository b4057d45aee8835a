package testing

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alia5/usbuart/usb"
	"github.com/Alia5/usbuart/usbip"
)

// UsbIpClient is a minimal USB/IP client driving one request at a time.
type UsbIpClient struct {
	t       testing.TB
	address string
	seq     atomic.Uint32
	Timeout time.Duration
}

// Reply is a decoded RET_SUBMIT with its IN payload.
type Reply struct {
	Seq    uint32
	Status int32
	Actual uint32
	Data   []byte
}

func NewUsbIpClient(t testing.TB, addr string) *UsbIpClient {
	t.Helper()
	return &UsbIpClient{t: t, address: addr, Timeout: 2 * time.Second}
}

func (c *UsbIpClient) NextSeq() uint32 { return c.seq.Add(1) }

func (c *UsbIpClient) ListDevices() ([]usbip.ExportedDevice, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.Timeout))

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}
	var hdr [12]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	if h := usbip.ParseMgmtHeader(hdr[:]); h.Command != usbip.OpRepDevlist {
		return nil, fmt.Errorf("unexpected reply command %x", h.Command)
	}
	n := uint32(hdr[8])<<24 | uint32(hdr[9])<<16 | uint32(hdr[10])<<8 | uint32(hdr[11])
	devices := make([]usbip.ExportedDevice, 0, n)
	for i := uint32(0); i < n; i++ {
		dev, err := usbip.ReadExportedDevice(conn, true)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// Attach imports busID. The returned connection carries the URB stream and
// is closed with the test.
func (c *UsbIpClient) Attach(busID string) (net.Conn, usbip.ExportedDevice, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, usbip.ExportedDevice{}, err
	}
	_ = conn.SetDeadline(time.Now().Add(c.Timeout))

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(conn); err != nil {
		conn.Close()
		return nil, usbip.ExportedDevice{}, err
	}
	var bus [usbip.BusIDSize]byte
	copy(bus[:], busID)
	if _, err := conn.Write(bus[:]); err != nil {
		conn.Close()
		return nil, usbip.ExportedDevice{}, err
	}

	var hdr [8]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		conn.Close()
		return nil, usbip.ExportedDevice{}, err
	}
	h := usbip.ParseMgmtHeader(hdr[:])
	if h.Command != usbip.OpRepImport {
		conn.Close()
		return nil, usbip.ExportedDevice{}, fmt.Errorf("unexpected reply command %x", h.Command)
	}
	if h.Status != 0 {
		conn.Close()
		return nil, usbip.ExportedDevice{}, fmt.Errorf("import refused: status %d", h.Status)
	}
	dev, err := usbip.ReadExportedDevice(conn, false)
	if err != nil {
		conn.Close()
		return nil, usbip.ExportedDevice{}, err
	}
	_ = conn.SetDeadline(time.Time{})
	c.t.Cleanup(func() { conn.Close() })
	return conn, dev, nil
}

// Send writes a CMD_SUBMIT without waiting for the reply.
func (c *UsbIpClient) Send(conn net.Conn, seq, ep, dir uint32, bufLen int, out []byte, setup [8]byte) error {
	if dir == usbip.DirOut {
		bufLen = len(out)
	}
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Dir: dir, Ep: ep},
		TransferBufferLen: uint32(bufLen),
		Setup:             setup,
	}
	if err := cmd.Write(conn); err != nil {
		return err
	}
	if dir == usbip.DirOut && len(out) > 0 {
		_, err := conn.Write(out)
		return err
	}
	return nil
}

// Unlink writes a CMD_UNLINK for target.
func (c *UsbIpClient) Unlink(conn net.Conn, seq, target uint32) error {
	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: seq},
		UnlinkSeqnum: target,
	}
	return cmd.Write(conn)
}

// ReadReply reads the next RET_SUBMIT or RET_UNLINK. For RET_UNLINK only
// Seq and Status are set and Actual is zero.
func (c *UsbIpClient) ReadReply(conn net.Conn) (uint32, Reply, error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.Timeout))
	defer conn.SetReadDeadline(time.Time{})

	var hdr [usbip.HeaderSize]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return 0, Reply{}, err
	}
	basic := usbip.ParseHeaderBasic(hdr[:])
	switch basic.Command {
	case usbip.RetUnlinkCode:
		r := usbip.ParseRetUnlink(hdr[:])
		return basic.Command, Reply{Seq: basic.Seqnum, Status: r.Status}, nil
	case usbip.RetSubmitCode:
	default:
		return 0, Reply{}, fmt.Errorf("unexpected ret cmd %x", basic.Command)
	}
	r := usbip.ParseRetSubmit(hdr[:])
	reply := Reply{Seq: basic.Seqnum, Status: r.Status, Actual: r.ActualLength}
	return basic.Command, reply, nil
}

// ReadPayload reads n bytes of IN data following a RET_SUBMIT.
func (c *UsbIpClient) ReadPayload(conn net.Conn, n uint32) ([]byte, error) {
	data := make([]byte, n)
	_, err := io.ReadFull(conn, data)
	return data, err
}

// Submit sends one transfer and waits for its reply. The stream must have no
// other URB in flight.
func (c *UsbIpClient) Submit(conn net.Conn, ep, dir uint32, bufLen int, out []byte, setup [8]byte) (Reply, error) {
	seq := c.NextSeq()
	if err := c.Send(conn, seq, ep, dir, bufLen, out, setup); err != nil {
		return Reply{}, err
	}
	cmd, r, err := c.ReadReply(conn)
	if err != nil {
		return Reply{}, err
	}
	if cmd != usbip.RetSubmitCode || r.Seq != seq {
		return Reply{}, fmt.Errorf("reply for seq %d, want %d", r.Seq, seq)
	}
	if dir == usbip.DirIn && r.Actual > 0 {
		r.Data, err = c.ReadPayload(conn, r.Actual)
	}
	return r, err
}

// Control runs a control transfer on EP0.
func (c *UsbIpClient) Control(conn net.Conn, setup usb.SetupPacket, out []byte) (Reply, error) {
	dir := uint32(usbip.DirOut)
	if setup.In() {
		dir = usbip.DirIn
	}
	return c.Submit(conn, 0, dir, int(setup.WLength), out, setup.Bytes())
}
