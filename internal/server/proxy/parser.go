package proxy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Alia5/usbuart/device/cdc"
	"github.com/Alia5/usbuart/internal/log"
	"github.com/Alia5/usbuart/usb"
	"github.com/Alia5/usbuart/usbip"
)

// maxPayload bounds a single transfer buffer. Anything larger means the
// stream lost framing.
const maxPayload = 1 << 20

// maxDevices bounds an OP_REP_DEVLIST device count for the same reason.
const maxDevices = 1024

type urb struct {
	ep      uint32
	dir     uint32
	setup   usb.SetupPacket
	control bool
	unlink  uint32
}

// Stats counts the CDC data seen on one proxied session.
type Stats struct {
	BulkOutBytes uint64
	BulkInBytes  uint64
	Requests     uint64
}

// Parser follows one USB/IP session in both directions. It logs imports,
// CDC class requests and data endpoint transfers.
type Parser struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uint32]urb
	stats   Stats
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{logger: logger, pending: make(map[uint32]urb)}
}

// Stream returns the decoder for one direction of the session.
func (p *Parser) Stream(dir log.Direction) *Stream {
	return &Stream{p: p, dir: dir}
}

func (p *Parser) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Parser) track(seq uint32, u urb) {
	p.mu.Lock()
	p.pending[seq] = u
	p.stats.Requests++
	p.mu.Unlock()
}

func (p *Parser) take(seq uint32) (urb, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.pending[seq]
	delete(p.pending, seq)
	return u, ok
}

func (p *Parser) count(out bool, n int) {
	p.mu.Lock()
	if out {
		p.stats.BulkOutBytes += uint64(n)
	} else {
		p.stats.BulkInBytes += uint64(n)
	}
	p.mu.Unlock()
}

// Stream reassembles packets from arbitrary read chunks.
type Stream struct {
	p   *Parser
	dir log.Direction
	buf bytes.Buffer
}

// Feed appends data and logs every complete packet.
func (s *Stream) Feed(data []byte) {
	s.buf.Write(data)
	for s.buf.Len() > 0 {
		n, err := s.next(s.buf.Bytes())
		if err != nil {
			s.p.logger.Warn("USB-IP trace lost framing", "dir", s.dir, "error", err, "dropped", s.buf.Len())
			s.buf.Reset()
			return
		}
		if n == 0 {
			return
		}
		s.buf.Next(n)
	}
}

// next decodes the packet at the head of b. It returns 0 when b holds only
// part of it.
func (s *Stream) next(b []byte) (int, error) {
	if len(b) < 8 {
		return 0, nil
	}
	if mh := usbip.ParseMgmtHeader(b); mh.Version == usbip.Version {
		return s.mgmt(mh, b)
	}
	if len(b) < usbip.HeaderSize {
		return 0, nil
	}
	switch cmd := binary.BigEndian.Uint32(b[0:4]); cmd {
	case usbip.CmdSubmitCode:
		return s.cmdSubmit(b)
	case usbip.RetSubmitCode:
		return s.retSubmit(b)
	case usbip.CmdUnlinkCode:
		c := usbip.ParseCmdUnlink(b)
		s.p.track(c.Basic.Seqnum, urb{unlink: c.UnlinkSeqnum})
		s.p.logger.Debug("CMD_UNLINK", "seq", c.Basic.Seqnum, "target", c.UnlinkSeqnum)
		return usbip.HeaderSize, nil
	case usbip.RetUnlinkCode:
		r := usbip.ParseRetUnlink(b)
		if u, ok := s.p.take(r.Basic.Seqnum); ok && r.Status == usbip.StatusConnReset {
			s.p.take(u.unlink)
		}
		s.p.logger.Debug("RET_UNLINK", "seq", r.Basic.Seqnum, "status", r.Status)
		return usbip.HeaderSize, nil
	default:
		return 0, fmt.Errorf("unknown command 0x%08x", cmd)
	}
}

func (s *Stream) mgmt(mh usbip.MgmtHeader, b []byte) (int, error) {
	logger := s.p.logger
	switch mh.Command {
	case usbip.OpReqDevlist:
		logger.Info("OP_REQ_DEVLIST")
		return 8, nil

	case usbip.OpRepDevlist:
		if len(b) < 12 {
			return 0, nil
		}
		n := binary.BigEndian.Uint32(b[8:12])
		if n > maxDevices {
			return 0, fmt.Errorf("devlist with %d devices", n)
		}
		r := bytes.NewReader(b[12:])
		busIDs := make([]string, 0, n)
		for i := uint32(0); i < n; i++ {
			d, err := usbip.ReadExportedDevice(r, true)
			if err != nil {
				return 0, nil
			}
			busIDs = append(busIDs, d.BusIDString())
		}
		logger.Info("OP_REP_DEVLIST", "devices", n, "busids", busIDs)
		return len(b) - r.Len(), nil

	case usbip.OpReqImport:
		if len(b) < 8+usbip.BusIDSize {
			return 0, nil
		}
		busID := b[8 : 8+usbip.BusIDSize]
		if i := bytes.IndexByte(busID, 0); i >= 0 {
			busID = busID[:i]
		}
		logger.Info("OP_REQ_IMPORT", "busid", string(busID))
		return 8 + usbip.BusIDSize, nil

	case usbip.OpRepImport:
		if mh.Status != 0 {
			logger.Warn("OP_REP_IMPORT refused", "status", mh.Status)
			return 8, nil
		}
		r := bytes.NewReader(b[8:])
		d, err := usbip.ReadExportedDevice(r, false)
		if err != nil {
			return 0, nil
		}
		logger.Info("OP_REP_IMPORT", "busid", d.BusIDString(),
			"vidpid", fmt.Sprintf("%04x:%04x", d.IDVendor, d.IDProduct))
		return len(b) - r.Len(), nil

	default:
		return 0, fmt.Errorf("unknown management op 0x%04x", mh.Command)
	}
}

func (s *Stream) cmdSubmit(b []byte) (int, error) {
	c := usbip.ParseCmdSubmit(b)
	payload := 0
	if c.Basic.Dir == usbip.DirOut {
		payload = int(c.TransferBufferLen)
	}
	if payload > maxPayload {
		return 0, fmt.Errorf("CMD_SUBMIT with %d byte payload", payload)
	}
	if len(b) < usbip.HeaderSize+payload {
		return 0, nil
	}
	data := b[usbip.HeaderSize : usbip.HeaderSize+payload]

	u := urb{ep: c.Basic.Ep, dir: c.Basic.Dir}
	if c.Basic.Ep == 0 {
		setup, err := usb.ParseSetupPacket(c.Setup[:])
		if err != nil {
			return 0, err
		}
		u.setup, u.control = setup, true
		s.logControlOut(setup, data)
	} else if c.Basic.Ep == cdc.DataEP && c.Basic.Dir == usbip.DirOut {
		s.p.count(true, len(data))
		s.p.logger.Debug("bulk OUT", "seq", c.Basic.Seqnum, "bytes", len(data))
	}
	s.p.track(c.Basic.Seqnum, u)
	return usbip.HeaderSize + payload, nil
}

func (s *Stream) retSubmit(b []byte) (int, error) {
	r := usbip.ParseRetSubmit(b)
	u, ok := s.p.take(r.Basic.Seqnum)
	if !ok {
		// the server echoes the direction; use it when the command was not seen
		u = urb{ep: r.Basic.Ep, dir: r.Basic.Dir}
	}
	payload := 0
	if u.dir == usbip.DirIn {
		payload = int(r.ActualLength)
	}
	if payload > maxPayload {
		return 0, fmt.Errorf("RET_SUBMIT with %d byte payload", payload)
	}
	if len(b) < usbip.HeaderSize+payload {
		return 0, nil
	}
	data := b[usbip.HeaderSize : usbip.HeaderSize+payload]

	logger := s.p.logger
	switch {
	case r.Status != usbip.StatusOK:
		logger.Debug("RET_SUBMIT failed", "seq", r.Basic.Seqnum, "ep", u.ep, "status", r.Status)
	case u.control && isClass(u.setup) && u.setup.BRequest == usb.CDCReqGetLineCoding:
		if lc, err := cdc.ParseLineCoding(data); err == nil {
			logger.Info("GET_LINE_CODING", "line", lc.String())
		}
	case u.ep == cdc.DataEP && u.dir == usbip.DirIn && len(data) > 0:
		s.p.count(false, len(data))
		logger.Debug("bulk IN", "seq", r.Basic.Seqnum, "bytes", len(data))
	}
	return usbip.HeaderSize + payload, nil
}

func isClass(setup usb.SetupPacket) bool {
	return setup.Type() == usb.RequestTypeClass && setup.Recipient() == usb.RecipientInterface
}

func (s *Stream) logControlOut(setup usb.SetupPacket, data []byte) {
	logger := s.p.logger
	if !isClass(setup) {
		logger.Debug("control", "request", fmt.Sprintf("0x%02x", setup.BRequest),
			"value", setup.WValue, "index", setup.WIndex, "length", setup.WLength)
		return
	}
	switch setup.BRequest {
	case usb.CDCReqSetLineCoding:
		lc, err := cdc.ParseLineCoding(data)
		if err != nil {
			logger.Warn("SET_LINE_CODING malformed", "interface", setup.WIndex, "error", err)
			return
		}
		logger.Info("SET_LINE_CODING", "interface", setup.WIndex, "line", lc.String())
	case usb.CDCReqSetControlLineState:
		logger.Info("SET_CONTROL_LINE_STATE", "interface", setup.WIndex,
			"dtr", setup.WValue&cdc.ControlLineDTR != 0, "rts", setup.WValue&cdc.ControlLineRTS != 0)
	case usb.CDCReqSendBreak:
		logger.Info("SEND_BREAK", "interface", setup.WIndex, "millis", setup.WValue)
	}
}
