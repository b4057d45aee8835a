// Package proxy relays USB/IP connections to a bridge and traces the CDC
// traffic passing through.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Alia5/usbuart/internal/log"
)

// Config configures the tracing proxy.
type Config struct {
	ListenAddr        string        `help:"Proxy listen address" default:":3243" env:"USBUART_PROXY_ADDR"`
	UpstreamAddr      string        `help:"USB/IP address of the bridge" default:"localhost:3241" env:"USBUART_PROXY_UPSTREAM"`
	ConnectionTimeout time.Duration `help:"Deadline for the first packet of a connection" default:"30s" env:"USBUART_PROXY_CONNECTION_TIMEOUT"`
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	rawLogger log.RawLogger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	if rawLogger == nil {
		rawLogger = log.NewRaw(nil)
	}
	return &Server{cfg: cfg, logger: logger, rawLogger: rawLogger}
}

// Listen binds the listen address. ListenAndServe calls it when needed.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr is the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.ln
		s.mu.Unlock()
	}
	s.logger.Info("USB-IP proxy listening", "addr", ln.Addr(), "upstream", s.cfg.UpstreamAddr)

	for {
		clientConn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("Proxy server stopped")
				s.wg.Wait()
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", clientConn.RemoteAddr())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleProxy(clientConn)
		}()
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleProxy(clientConn net.Conn) {
	defer clientConn.Close()

	upstreamConn, err := net.DialTimeout("tcp", s.cfg.UpstreamAddr, s.cfg.ConnectionTimeout)
	if err != nil {
		s.logger.Error("Failed to connect to upstream", "upstream", s.cfg.UpstreamAddr, "error", err)
		return
	}
	defer upstreamConn.Close()

	s.logger.Info("Proxying connection", "client", clientConn.RemoteAddr(), "upstream", upstreamConn.RemoteAddr())

	if s.cfg.ConnectionTimeout > 0 {
		deadline := time.Now().Add(s.cfg.ConnectionTimeout)
		if err := clientConn.SetDeadline(deadline); err != nil {
			s.logger.Error("Failed to set client deadline", "error", err)
			return
		}
		if err := upstreamConn.SetDeadline(deadline); err != nil {
			s.logger.Error("Failed to set upstream deadline", "error", err)
			return
		}
	}

	parser := NewParser(s.logger)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := s.copyTraced(upstreamConn, clientConn, log.ClientToServer, parser)
		if err != nil && !isExpectedDisconnect(err) {
			s.logger.Debug("Client->Server copy error", "error", err)
		}
		s.logger.Debug("Client->Server stream ended", "bytes", n)
		halfClose(upstreamConn, true)
		halfClose(clientConn, false)
	}()

	go func() {
		defer wg.Done()
		n, err := s.copyTraced(clientConn, upstreamConn, log.ServerToClient, parser)
		if err != nil && !isExpectedDisconnect(err) {
			s.logger.Debug("Server->Client copy error", "error", err)
		}
		s.logger.Debug("Server->Client stream ended", "bytes", n)
		halfClose(clientConn, true)
		halfClose(upstreamConn, false)
	}()

	wg.Wait()
	st := parser.Stats()
	s.logger.Info("Connection closed", "client", clientConn.RemoteAddr(),
		"urbs", st.Requests, "bulkOut", st.BulkOutBytes, "bulkIn", st.BulkInBytes)
}

// copyTraced copies src to dst, feeding every chunk to the raw log and the
// parser before it is forwarded.
func (s *Server) copyTraced(dst, src net.Conn, dir log.Direction, parser *Parser) (int64, error) {
	buf := make([]byte, 32*1024)
	stream := parser.Stream(dir)
	var total int64
	firstPacket := true

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			s.rawLogger.Log(dir, buf[:n])
			stream.Feed(buf[:n])

			// the deadline only guards the handshake
			if firstPacket {
				if err := src.SetDeadline(time.Time{}); err != nil {
					return total, err
				}
				if err := dst.SetDeadline(time.Time{}); err != nil {
					return total, err
				}
				firstPacket = false
			}

			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
			if wn != n {
				return total, fmt.Errorf("short write: wrote %d of %d", wn, n)
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

func halfClose(conn net.Conn, write bool) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if write {
			_ = tc.CloseWrite()
		} else {
			_ = tc.CloseRead()
		}
	}
}

func isExpectedDisconnect(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "connection reset") ||
		strings.Contains(e, "broken pipe") ||
		strings.Contains(e, "forcibly closed")
}
