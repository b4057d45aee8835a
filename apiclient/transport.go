package apiclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/Alia5/usbuart/apitypes"
	"github.com/Alia5/usbuart/internal/server/api/auth"
)

// Config controls dial and I/O timeouts and the optional API password.
type Config struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Password     string
}

func defaultConfig() Config {
	return Config{
		DialTimeout:  3 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Transport sends one management request per connection.
//
// A request is `<path>[ <payload>]\x00`; the bridge routes only take short
// text payloads such as a channel number. The server answers with one JSON
// line and closes the connection. With a password set, the connection opens
// with the auth handshake and everything after it travels as sealed frames.
type Transport struct {
	addr string
	mock func(path, payload string) (string, error)
	cfg  Config
}

func NewTransport(addr string) *Transport { return NewTransportWithConfig(addr, nil) }

func NewTransportWithPassword(addr, password string) *Transport {
	cfg := defaultConfig()
	cfg.Password = password
	return NewTransportWithConfig(addr, &cfg)
}

// NewTransportWithConfig uses the default timeouts when cfg is nil.
func NewTransportWithConfig(addr string, cfg *Config) *Transport {
	c := defaultConfig()
	if cfg != nil {
		c = *cfg
	}
	return &Transport{addr: addr, cfg: c}
}

// NewMockTransport answers every request with responder instead of dialing.
func NewMockTransport(responder func(path, payload string) (string, error)) *Transport {
	return &Transport{addr: "mock", mock: responder, cfg: defaultConfig()}
}

// Do sends path with an optional payload and returns the response line
// without its trailing newline.
func (t *Transport) Do(path, payload string) (string, error) {
	return t.DoCtx(context.Background(), path, payload)
}

func (t *Transport) DoCtx(ctx context.Context, path, payload string) (string, error) {
	if t.mock != nil {
		return t.mock(path, payload)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	d := &net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			slog.Warn("failed to set TCP_NODELAY", "error", err)
		}
	}
	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}

	var rw io.ReadWriter = conn
	if t.cfg.Password != "" {
		if rw, err = t.secure(conn); err != nil {
			return "", err
		}
	}

	if _, err := rw.Write([]byte(requestLine(path, payload))); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	if t.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	resp, err := io.ReadAll(rw)
	if err != nil && len(resp) == 0 {
		return "", fmt.Errorf("read: %w", err)
	}
	return strings.TrimSuffix(string(resp), "\n"), nil
}

// secure runs the client handshake and wraps conn in the sealed framing.
func (t *Transport) secure(conn net.Conn) (*auth.Conn, error) {
	key, err := auth.DeriveKey(t.cfg.Password)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(conn)
	sessionKey, err := auth.Dial(r, conn, key)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &apitypes.ApiError{Status: 401, Title: "Unauthorized", Detail: "connection closed during handshake"}
		}
		return nil, err
	}
	return auth.WrapConn(conn, r, sessionKey, auth.RoleClient)
}

func requestLine(path, payload string) string {
	if payload == "" {
		return path + "\x00"
	}
	return path + " " + payload + "\x00"
}
