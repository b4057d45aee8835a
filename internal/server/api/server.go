// Package api serves the usbuart management protocol: one null-terminated
// request per TCP connection, answered by a single JSON line.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Alia5/usbuart/internal/server/api/auth"
)

var wsRegex = regexp.MustCompile(`\s`)

// Server implements a small TCP API for inspecting and steering the bridge.
type Server struct {
	logger *slog.Logger
	router *Router
	config ServerConfig

	mu  sync.Mutex
	ln  net.Listener
	key []byte
	wg  sync.WaitGroup
}

// New creates an API server. Handlers are added through Router before Start.
func New(config ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger: logger,
		config: config,
		router: NewRouter(),
	}
}

// Router returns the router used by the API server so callers can register handlers.
func (a *Server) Router() *Router { return a.router }

// Config returns the server configuration.
func (a *Server) Config() ServerConfig { return a.config }

// Start listens on the configured address and serves incoming API commands.
func (a *Server) Start() error {
	var key []byte
	if a.config.Password != "" {
		k, err := auth.DeriveKey(a.config.Password)
		if err != nil {
			return fmt.Errorf("derive api key: %w", err)
		}
		key = k
	}
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.ln = ln
	a.key = key
	a.mu.Unlock()

	a.logger.Info("API listening", "addr", ln.Addr().String(), "auth", key != nil)
	a.wg.Add(1)
	go a.serve(ln)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (a *Server) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Close stops the API server and waits for in-flight requests.
func (a *Server) Close() {
	a.mu.Lock()
	ln := a.ln
	a.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	a.wg.Wait()
}

func (a *Server) serve(ln net.Listener) {
	defer a.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				a.logger.Info("API server stopped")
				return
			}
			a.logger.Info("API accept error", "error", err)
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleConn(c)
		}()
	}
}

func (a *Server) writeError(w io.Writer, err error) {
	problemJSON, _ := json.Marshal(WrapError(err))
	fmt.Fprintf(w, "%s\n", string(problemJSON))
}

func (a *Server) writeOK(w io.Writer, rest string) {
	if rest == "" {
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "%s\n", rest)
	}
}

// authExempt reports whether remote may skip the handshake.
func (a *Server) authExempt(remote net.Addr) bool {
	if a.config.RequireLocalAuth {
		return false
	}
	tcp, ok := remote.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}

// secure runs the optional handshake and returns the reader and writer the
// request is served on. ok is false when the connection must be dropped.
func (a *Server) secure(conn net.Conn, r *bufio.Reader, logger *slog.Logger) (*bufio.Reader, io.Writer, bool) {
	isHandshake, err := auth.IsHandshake(r)
	if err != nil {
		logger.Debug("api connection closed before request", "error", err)
		return nil, nil, false
	}
	switch {
	case isHandshake && a.key == nil:
		a.writeError(conn, ErrBadRequest("authentication is not enabled"))
		return nil, nil, false
	case isHandshake:
		sessionKey, err := auth.Accept(r, conn, a.key)
		if err != nil {
			logger.Warn("api authentication failed", "error", err)
			if errors.Is(err, auth.ErrBadPassword) {
				a.writeError(conn, ErrUnauthorized("invalid password"))
			}
			return nil, nil, false
		}
		sc, err := auth.WrapConn(conn, r, sessionKey, auth.RoleServer)
		if err != nil {
			logger.Error("api session setup", "error", err)
			return nil, nil, false
		}
		logger.Debug("api session authenticated")
		return bufio.NewReader(sc), sc, true
	case a.key != nil && !a.authExempt(conn.RemoteAddr()):
		logger.Warn("api request without authentication refused")
		a.writeError(conn, ErrUnauthorized("authentication required"))
		return nil, nil, false
	}
	return r, conn, true
}

func (a *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if a.config.ConnectionTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(a.config.ConnectionTimeout))
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	connLogger := a.logger.With("remote", conn.RemoteAddr().String())
	r, w, ok := a.secure(conn, bufio.NewReader(conn), connLogger)
	if !ok {
		return
	}

	reqData, err := r.ReadString('\x00')
	if err != nil {
		if err == io.EOF {
			connLogger.Error("api incomplete request (no null terminator)")
		} else {
			connLogger.Error("read api data", "error", err)
		}
		return
	}
	reqData = strings.TrimSuffix(reqData, "\x00")

	if reqData == "" {
		connLogger.Error("api empty command")
		a.writeError(w, ErrBadRequest("empty request"))
		return
	}

	path, payload := reqData, ""
	if loc := wsRegex.FindStringIndex(reqData); loc != nil {
		path = reqData[:loc[0]]
		payload = reqData[loc[1]:]
	}
	if path == "" {
		connLogger.Error("api empty path")
		a.writeError(w, ErrBadRequest("empty path"))
		return
	}

	path = strings.ToLower(path)
	connLogger.Info("api cmd", "path", path)

	h, params := a.router.Match(path)
	if h == nil {
		connLogger.Error("api unknown path", "path", path)
		a.writeError(w, ErrNotFound(fmt.Sprintf("unknown path: %s", path)))
		return
	}
	req := &Request{Ctx: connCtx, Params: params, Payload: payload}
	res := &Response{}
	if err := h(req, res, connLogger); err != nil {
		connLogger.Error("api handler error", "path", path, "error", err)
		a.writeError(w, err)
		return
	}
	connLogger.Debug("api handler success", "path", path)
	a.writeOK(w, res.JSON)
}
