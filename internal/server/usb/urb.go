package usb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Alia5/usbuart/device"
	"github.com/Alia5/usbuart/usb"
	"github.com/Alia5/usbuart/usbip"
)

type urb struct {
	seq    uint32
	ep     uint32
	dir    uint32
	bufLen uint32
	out    []byte
}

// urbStream serves one imported device. EP0 is answered inline by the
// reader; every other endpoint/direction pair has its own worker so a bulk
// IN waiting for data never holds up OUT or control traffic.
type urbStream struct {
	s    *Server
	conn net.Conn
	dev  usb.Device

	writeMu sync.Mutex

	mu      sync.Mutex
	queued  map[uint32]*urb
	workers map[uint32]chan *urb
	wg      sync.WaitGroup
}

func (s *Server) serveURBs(conn net.Conn, target *importTarget) error {
	_ = conn.SetDeadline(time.Time{})

	ctx := target.bus.GetDeviceContext(target.meta.Dev)
	if ctx == nil {
		return fmt.Errorf("no device context available from bus")
	}
	if meta := device.GetDeviceMeta(ctx); meta != nil {
		s.logger.Info("device attached", "busid", meta.BusIDString())
	}

	st := &urbStream{
		s:       s,
		conn:    conn,
		dev:     target.meta.Dev,
		queued:  make(map[uint32]*urb),
		workers: make(map[uint32]chan *urb),
	}
	defer st.shutdown()

	// Removal of the device closes the connection to unblock the reader.
	stop := context.AfterFunc(ctx, func() {
		s.logger.Info("device removed, closing URB stream")
		_ = conn.Close()
	})
	defer stop()

	for {
		if err := st.readOne(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (st *urbStream) readOne() error {
	var hdr [usbip.HeaderSize]byte
	if _, err := io.ReadFull(st.conn, hdr[:]); err != nil {
		return fmt.Errorf("read URB header: %w", err)
	}
	basic := usbip.ParseHeaderBasic(hdr[:])

	switch basic.Command {
	case usbip.CmdUnlinkCode:
		cmd := usbip.ParseCmdUnlink(hdr[:])
		st.s.logger.Debug("USBIP_CMD_UNLINK", "seq", basic.Seqnum, "unlink", cmd.UnlinkSeqnum)
		return st.unlink(basic.Seqnum, cmd.UnlinkSeqnum)
	case usbip.CmdSubmitCode:
	default:
		return fmt.Errorf("unsupported cmd %d (seq=%d, devid=%d)", basic.Command, basic.Seqnum, basic.Devid)
	}

	cmd := usbip.ParseCmdSubmit(hdr[:])
	var out []byte
	if basic.Dir == usbip.DirOut && cmd.TransferBufferLen > 0 {
		out = make([]byte, cmd.TransferBufferLen)
		if _, err := io.ReadFull(st.conn, out); err != nil {
			return fmt.Errorf("read OUT payload: %w", err)
		}
	}

	if basic.Ep == 0 {
		resp, status := st.s.processControl(st.dev, cmd.Setup, out)
		return st.reply(basic.Seqnum, basic.Dir, cmd.TransferBufferLen, out, resp, status)
	}

	u := &urb{seq: basic.Seqnum, ep: basic.Ep, dir: basic.Dir, bufLen: cmd.TransferBufferLen, out: out}
	st.mu.Lock()
	st.queued[u.seq] = u
	q := st.worker(basic.Ep<<1 | basic.Dir)
	st.mu.Unlock()
	q <- u
	return nil
}

// worker returns the queue for key, starting its goroutine on first use.
// Must hold st.mu.
func (st *urbStream) worker(key uint32) chan *urb {
	if q, ok := st.workers[key]; ok {
		return q
	}
	q := make(chan *urb, st.s.config.QueueDepth)
	st.workers[key] = q
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		for u := range q {
			st.mu.Lock()
			_, live := st.queued[u.seq]
			delete(st.queued, u.seq)
			st.mu.Unlock()
			if !live {
				continue
			}
			resp := st.dev.HandleTransfer(u.ep, u.dir, u.out)
			if err := st.reply(u.seq, u.dir, u.bufLen, u.out, resp, usbip.StatusOK); err != nil {
				st.s.logger.Debug("RET_SUBMIT failed", "seq", u.seq, "error", err)
			}
		}
	}()
	return q
}

// unlink cancels a URB that has not started yet. A URB already handed to
// the device completes normally and the unlink reports status 0.
func (st *urbStream) unlink(seq, target uint32) error {
	st.mu.Lock()
	_, queued := st.queued[target]
	delete(st.queued, target)
	st.mu.Unlock()

	status := int32(usbip.StatusOK)
	if queued {
		status = usbip.StatusConnReset
	}
	ret := usbip.RetUnlink{
		Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: seq},
		Status: status,
	}
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	return ret.Write(st.conn)
}

// reply writes RET_SUBMIT. IN data never exceeds the buffer the host posted.
func (st *urbStream) reply(seq, dir, bufLen uint32, out, resp []byte, status int32) error {
	if dir == usbip.DirIn && uint32(len(resp)) > bufLen {
		st.s.logger.Warn("IN data exceeds transfer buffer, truncating",
			"seq", seq, "bytes", len(resp), "buffer", bufLen)
		resp = resp[:bufLen]
	}
	ret := usbip.RetSubmit{
		Basic:  usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: seq},
		Status: status,
	}
	if dir == usbip.DirIn {
		ret.ActualLength = uint32(len(resp))
	} else if status == usbip.StatusOK {
		ret.ActualLength = uint32(len(out))
	}

	var b bytes.Buffer
	_ = ret.Write(&b)
	if dir == usbip.DirIn {
		b.Write(resp)
	}
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	if _, err := st.conn.Write(b.Bytes()); err != nil {
		return fmt.Errorf("write RET_SUBMIT: %w", err)
	}
	return nil
}

func (st *urbStream) shutdown() {
	st.mu.Lock()
	for k, q := range st.workers {
		close(q)
		delete(st.workers, k)
	}
	clear(st.queued)
	st.mu.Unlock()
	st.wg.Wait()
}
