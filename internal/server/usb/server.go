// Package usb serves virtual buses to USB/IP clients.
package usb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Alia5/usbuart/internal/log"
	"github.com/Alia5/usbuart/usb"
	"github.com/Alia5/usbuart/usbip"
	"github.com/Alia5/usbuart/virtualbus"
)

type Server struct {
	config    *ServerConfig
	logger    *slog.Logger
	rawLogger log.RawLogger
	busses    map[uint32]*virtualbus.VirtualBus
	busesMu   sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	lnMu      sync.Mutex
	ln        net.Listener
}

func New(config ServerConfig, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	if config.QueueDepth <= 0 {
		config.QueueDepth = 32
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = 10 * time.Second
	}
	if rawLogger == nil {
		rawLogger = log.NewRaw(nil)
	}
	return &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		busses:    make(map[uint32]*virtualbus.VirtualBus),
		ready:     make(chan struct{}),
	}
}

// AddBus registers a bus with the server. If the bus number is already present,
// an error is returned.
func (s *Server) AddBus(bus *virtualbus.VirtualBus) error {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	if bus == nil {
		return fmt.Errorf("bus is nil")
	}
	if _, ok := s.busses[bus.BusID()]; ok {
		return fmt.Errorf("bus %d already registered", bus.BusID())
	}
	s.busses[bus.BusID()] = bus
	return nil
}

// RemoveBus unregisters a bus from the server and closes it, which cancels
// every attached device stream.
func (s *Server) RemoveBus(busID uint32) error {
	s.busesMu.Lock()
	bus, ok := s.busses[busID]
	delete(s.busses, busID)
	s.busesMu.Unlock()
	if !ok {
		return fmt.Errorf("bus %d not found", busID)
	}
	return bus.Close()
}

// ListBuses returns a snapshot of active bus numbers.
func (s *Server) ListBuses() []uint32 {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := make([]uint32, 0, len(s.busses))
	for k := range s.busses {
		out = append(out, k)
	}
	return out
}

// GetBus returns a bus by ID or nil if not present.
func (s *Server) GetBus(busID uint32) *virtualbus.VirtualBus {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	return s.busses[busID]
}

// ListenAndServe starts the USB-IP server and handles incoming connections.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.lnMu.Lock()
	s.ln = ln
	s.lnMu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USBIP server listening", "addr", ln.Addr().String())
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("USBIP server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", c.RemoteAddr())
		go func() {
			if err := s.handleConn(c); err != nil {
				if isClientDisconnect(err) {
					s.logger.Info("Client disconnected", "error", err)
				} else {
					s.logger.Error("Connection handler error", "error", err)
				}
			}
		}()
	}
}

// Ready returns a channel that is closed once the server has successfully bound
// to its listen address and is ready to accept connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listen address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the USB server by closing its listener.
func (s *Server) Close() error {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// GetListenPort returns the bound port, falling back to the configured one.
func (s *Server) GetListenPort() uint16 {
	if a, ok := s.Addr().(*net.TCPAddr); ok {
		return uint16(a.Port)
	}
	_, portStr, err := net.SplitHostPort(s.config.Addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// --

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = &logConn{Conn: conn, raw: s.rawLogger}
	if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
		s.logger.Warn("Failed to set deadline", "error", err)
	}

	var hdrBuf [8]byte
	if _, err := io.ReadFull(conn, hdrBuf[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	hdr := usbip.ParseMgmtHeader(hdrBuf[:])
	if hdr.Version != usbip.Version {
		return fmt.Errorf("protocol violation: unsupported version %#04x", hdr.Version)
	}

	switch hdr.Command {
	case usbip.OpReqDevlist:
		s.logger.Info("OP_REQ_DEVLIST")
		return s.handleDevList(conn)
	case usbip.OpReqImport:
		s.logger.Info("OP_REQ_IMPORT")
		target, err := s.handleImport(conn)
		if err != nil {
			return fmt.Errorf("handle import: %w", err)
		}
		defer target.release()
		return s.serveURBs(conn, target)
	}
	return fmt.Errorf("protocol violation: client sent URB data without OP_REQ_IMPORT")
}

func (s *Server) handleDevList(conn net.Conn) error {
	_ = conn.SetDeadline(time.Time{})
	metas := s.getAllDeviceMetas()

	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist}
	_ = rep.Write(&buf)
	buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(metas))))
	for _, m := range metas {
		exp := usbip.NewExportedDevice(m.Meta, m.Dev.GetDescriptor())
		_ = exp.WriteDevlist(&buf)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

type importTarget struct {
	bus     *virtualbus.VirtualBus
	meta    virtualbus.DeviceMeta
	release func()
}

func (s *Server) handleImport(conn net.Conn) (*importTarget, error) {
	var rest [usbip.BusIDSize]byte
	if _, err := io.ReadFull(conn, rest[:]); err != nil {
		return nil, fmt.Errorf("read import busid: %w", err)
	}
	reqBus := string(rest[:])
	if i := bytes.IndexByte(rest[:], 0); i >= 0 {
		reqBus = string(rest[:i])
	}
	s.logger.Info("Import request", "busid", reqBus)

	var target *importTarget
	s.busesMu.Lock()
	for _, b := range s.busses {
		for _, m := range b.GetAllDeviceMetas() {
			if m.Meta.BusIDString() == reqBus {
				target = &importTarget{bus: b, meta: m}
			}
		}
	}
	s.busesMu.Unlock()

	var err error
	if target == nil {
		err = fmt.Errorf("no device matches busid %s", reqBus)
	} else {
		target.release, err = target.bus.Attach(target.meta.Dev)
	}
	if err != nil {
		rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 1}
		_ = rep.Write(conn)
		return nil, err
	}

	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport}
	_ = rep.Write(&buf)
	exp := usbip.NewExportedDevice(target.meta.Meta, target.meta.Dev.GetDescriptor())
	_ = exp.WriteImport(&buf)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		target.release()
		return nil, fmt.Errorf("write import reply failed: %w", err)
	}
	return target, nil
}

// getAllDeviceMetas aggregates device metas from all registered busses.
func (s *Server) getAllDeviceMetas() []virtualbus.DeviceMeta {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := []virtualbus.DeviceMeta{}
	for _, b := range s.busses {
		out = append(out, b.GetAllDeviceMetas()...)
	}
	return out
}

type logConn struct {
	net.Conn
	raw log.RawLogger
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 {
		lc.raw.Log(log.ClientToServer, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 {
		lc.raw.Log(log.ServerToClient, p[:n])
	}
	return n, err
}

// isClientDisconnect tests whether an error represents a normal client
// disconnect (EOF, ECONNRESET, broken pipe, or the Windows WSAECONNRESET
// translated error). We treat those as normal client disconnects and log
// them at Info level instead of Error.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "connection reset by peer") || strings.Contains(e, "forcibly closed")
}

// Descriptors are served from here; class requests go to the device.
func (s *Server) processControl(dev usb.Device, rawSetup [8]byte, out []byte) ([]byte, int32) {
	setup, _ := usb.ParseSetupPacket(rawSetup[:])

	if setup.Type() != usb.RequestTypeStandard {
		ctrl, ok := dev.(usb.ControlHandler)
		if !ok {
			return nil, usbip.StatusPipe
		}
		resp, handled := ctrl.HandleControl(setup, out)
		if !handled {
			s.logger.Debug("control request stalled", "request", setup.BRequest, "type", setup.BmRequestType)
			return nil, usbip.StatusPipe
		}
		return resp, usbip.StatusOK
	}

	desc := dev.GetDescriptor()
	switch setup.BRequest {
	case usb.ReqSetAddress, usb.ReqSetConfiguration, usb.ReqSetInterface,
		usb.ReqClearFeature, usb.ReqSetFeature:
		return nil, usbip.StatusOK
	case usb.ReqGetConfiguration:
		return []byte{usb.ConfigValueDefault}, usbip.StatusOK
	case usb.ReqGetInterface:
		return []byte{0}, usbip.StatusOK
	case usb.ReqGetStatus:
		return setup.Truncate([]byte{0, 0}), usbip.StatusOK
	case usb.ReqGetDescriptor:
		var data []byte
		switch uint8(setup.WValue >> 8) {
		case usb.DeviceDescType:
			data = desc.Bytes()
		case usb.ConfigDescType:
			data = desc.ConfigBytes()
		case usb.StringDescType:
			data = desc.StringBytes(uint8(setup.WValue))
		}
		if len(data) == 0 {
			return nil, usbip.StatusPipe
		}
		return setup.Truncate(data), usbip.StatusOK
	}
	return nil, usbip.StatusPipe
}
