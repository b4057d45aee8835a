package auth_test

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/Alia5/usbuart/internal/server/api/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err = ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestConn(t *testing.T) {
	key, err := auth.DeriveKey("test123")
	require.NoError(t, err)
	otherKey, err := auth.DeriveKey("123test")
	require.NoError(t, err)

	testCases := []struct {
		name       string
		clientKey  []byte
		serverKey  []byte
		clientRole auth.Role
		input      []byte
		errSubstr  string
	}{
		{name: "valid read", clientKey: key, serverKey: key, clientRole: auth.RoleClient, input: []byte("Hello, World!")},
		{name: "differing keys", clientKey: key, serverKey: otherKey, clientRole: auth.RoleClient, input: []byte("x"),
			errSubstr: "message authentication failed"},
		{name: "same role on both ends", clientKey: key, serverKey: key, clientRole: auth.RoleServer, input: []byte("x"),
			errSubstr: "out of order"},
		{name: "bad key length", clientKey: []byte{1, 2, 3}, serverKey: key, clientRole: auth.RoleClient,
			errSubstr: "bad key length"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client, server := tcpPair(t)

			sc, err := auth.WrapConn(server, nil, tc.serverKey, auth.RoleServer)
			require.NoError(t, err)
			cc, err := auth.WrapConn(client, nil, tc.clientKey, tc.clientRole)
			if err != nil {
				assert.ErrorContains(t, err, tc.errSubstr)
				return
			}

			_, err = cc.Write(tc.input)
			require.NoError(t, err)

			buf := make([]byte, len(tc.input))
			_, err = io.ReadFull(sc, buf)
			if tc.errSubstr != "" {
				assert.ErrorContains(t, err, tc.errSubstr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.input, buf)
		})
	}
}

func TestConnBothDirections(t *testing.T) {
	key, err := auth.DeriveKey("test123")
	require.NoError(t, err)
	client, server := tcpPair(t)

	cc, err := auth.WrapConn(client, nil, key, auth.RoleClient)
	require.NoError(t, err)
	sc, err := auth.WrapConn(server, nil, key, auth.RoleServer)
	require.NoError(t, err)

	for _, msg := range []string{"bridge/state\x00", "bridge/channel 1\x00"} {
		_, err := cc.Write([]byte(msg))
		require.NoError(t, err)
		got, err := bufio.NewReader(sc).ReadString('\x00')
		require.NoError(t, err)
		assert.Equal(t, msg, got)

		_, err = sc.Write([]byte("{}\n"))
		require.NoError(t, err)
		reply := make([]byte, 3)
		_, err = io.ReadFull(cc, reply)
		require.NoError(t, err)
		assert.Equal(t, "{}\n", string(reply))
	}
}

func TestConnRejectsReplayedFrame(t *testing.T) {
	key, err := auth.DeriveKey("test123")
	require.NoError(t, err)
	client, server := tcpPair(t)

	var captured bytes.Buffer
	cc, err := auth.WrapConn(&recordingConn{Conn: client, w: &captured}, nil, key, auth.RoleClient)
	require.NoError(t, err)
	sc, err := auth.WrapConn(server, nil, key, auth.RoleServer)
	require.NoError(t, err)

	_, err = cc.Write([]byte("one"))
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(sc, buf)
	require.NoError(t, err)

	frame := captured.Bytes()
	require.Equal(t, uint32(len(frame)-4), binary.BigEndian.Uint32(frame[:4]))
	_, err = client.Write(frame)
	require.NoError(t, err)

	_, err = sc.Read(buf)
	assert.ErrorIs(t, err, auth.ErrReplay)
}

type recordingConn struct {
	net.Conn
	w io.Writer
}

func (r *recordingConn) Write(p []byte) (int, error) {
	_, _ = r.w.Write(p)
	return r.Conn.Write(p)
}
