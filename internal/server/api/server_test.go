package api_test

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbuart/apiclient"
	"github.com/Alia5/usbuart/internal/server/api"
	"github.com/Alia5/usbuart/internal/server/api/auth"
	th "github.com/Alia5/usbuart/internal/testing"
)

func echoRoutes(r *api.Router) {
	r.Register("echo", func(req *api.Request, res *api.Response, _ *slog.Logger) error {
		res.JSON = fmt.Sprintf("%q", req.Payload)
		return nil
	})
	r.Register("item/{Name}", func(req *api.Request, res *api.Response, _ *slog.Logger) error {
		res.JSON = fmt.Sprintf("%q", req.Params["Name"])
		return nil
	})
	r.Register("fail", func(req *api.Request, res *api.Response, _ *slog.Logger) error {
		return errors.New("boom")
	})
	r.Register("conflict", func(req *api.Request, res *api.Response, _ *slog.Logger) error {
		return api.ErrConflict("busy")
	})
	r.Register("empty", func(req *api.Request, res *api.Response, _ *slog.Logger) error {
		return nil
	})
}

func TestServerRequests(t *testing.T) {
	addr := th.StartAPIServer(t, api.ServerConfig{}, echoRoutes)

	tests := []struct {
		name     string
		cmd      string
		expected string
	}{
		{name: "payload", cmd: "echo hello world", expected: `"hello world"`},
		{name: "payload after newline", cmd: "echo\nline", expected: `"line"`},
		{name: "case insensitive path", cmd: "ECHO x", expected: `"x"`},
		{name: "path parameter", cmd: "item/abc", expected: `"abc"`},
		{name: "empty response", cmd: "empty", expected: ""},
		{name: "handler error", cmd: "fail", expected: `{"status":500,"title":"Internal Server Error","detail":"boom"}`},
		{name: "typed handler error", cmd: "conflict", expected: `{"status":409,"title":"Conflict","detail":"busy"}`},
		{name: "unknown path", cmd: "nope", expected: `{"status":404,"title":"Not Found","detail":"unknown path: nope"}`},
		{name: "empty request", cmd: "", expected: `{"status":400,"title":"Bad Request","detail":"empty request"}`},
		{name: "empty path", cmd: " x", expected: `{"status":400,"title":"Bad Request","detail":"empty path"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := th.ExecCmd(t, addr, tt.cmd)
			if tt.expected != "" && tt.expected[0] == '{' {
				assert.JSONEq(t, tt.expected, got)
				return
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestServerIncompleteRequest(t *testing.T) {
	addr := th.StartAPIServer(t, api.ServerConfig{}, echoRoutes)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = c.Write([]byte("echo no terminator"))
	require.NoError(t, err)
	require.NoError(t, c.(*net.TCPConn).CloseWrite())

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = c.Read(buf)
	assert.Error(t, err)
	_ = c.Close()
}

func TestServerAuthentication(t *testing.T) {
	const password = "s3cret"

	tests := []struct {
		name        string
		cfg         api.ServerConfig
		password    string
		expected    string
		expectedErr string
	}{
		{
			name:     "no password configured",
			cfg:      api.ServerConfig{},
			expected: `"hi"`,
		},
		{
			name:     "loopback exempt",
			cfg:      api.ServerConfig{Password: password},
			expected: `"hi"`,
		},
		{
			name:     "loopback with password",
			cfg:      api.ServerConfig{Password: password},
			password: password,
			expected: `"hi"`,
		},
		{
			name:     "local auth required",
			cfg:      api.ServerConfig{Password: password, RequireLocalAuth: true},
			expected: `{"status":401,"title":"Unauthorized","detail":"authentication required"}`,
		},
		{
			name:     "local auth required with password",
			cfg:      api.ServerConfig{Password: password, RequireLocalAuth: true},
			password: password,
			expected: `"hi"`,
		},
		{
			name:        "wrong password",
			cfg:         api.ServerConfig{Password: password, RequireLocalAuth: true},
			password:    "nope",
			expectedErr: "401 Unauthorized: invalid password",
		},
		{
			name:        "handshake without server password",
			cfg:         api.ServerConfig{},
			password:    password,
			expectedErr: "400 Bad Request: authentication is not enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := th.StartAPIServer(t, tt.cfg, echoRoutes)

			var tr *apiclient.Transport
			if tt.password != "" {
				tr = apiclient.NewTransportWithPassword(addr, tt.password)
			} else {
				tr = apiclient.NewTransport(addr)
			}
			line, err := tr.Do("echo", "hi")
			if tt.expectedErr != "" {
				assert.ErrorContains(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			if tt.expected[0] == '{' {
				assert.JSONEq(t, tt.expected, line)
				return
			}
			assert.Equal(t, tt.expected, line)
		})
	}
}

func TestServerHandshakeWithoutRequest(t *testing.T) {
	addr := th.StartAPIServer(t, api.ServerConfig{Password: "pw", RequireLocalAuth: true}, echoRoutes)
	key, err := auth.DeriveKey("pw")
	require.NoError(t, err)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))

	sessionKey, err := auth.Dial(c, c, key)
	require.NoError(t, err)
	sc, err := auth.WrapConn(c, nil, sessionKey, auth.RoleClient)
	require.NoError(t, err)

	_, err = sc.Write([]byte("item/XY\x00"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := sc.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "\"xy\"\n", string(buf[:n]))
}

func TestRouterRoutes(t *testing.T) {
	r := api.NewRouter()
	echoRoutes(r)
	assert.Equal(t, []string{"echo", "item/{name}", "fail", "conflict", "empty"}, r.Routes())

	h, params := r.Match("item/Foo")
	require.NotNil(t, h)
	assert.Equal(t, map[string]string{"Name": "foo"}, params)

	h, _ = r.Match("item/foo/bar")
	assert.Nil(t, h)
}
