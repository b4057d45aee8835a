package auth_test

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/Alia5/usbuart/apitypes"
	"github.com/Alia5/usbuart/internal/server/api/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsHandshake(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected bool
		wantErr  bool
	}{
		{name: "handshake", input: auth.HandshakeMagic, expected: true},
		{name: "plain request", input: "ping\x00", expected: false},
		{name: "empty request", input: "\x00", expected: false},
		{name: "nothing sent", input: "", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := auth.IsHandshake(bufio.NewReader(bytes.NewBufferString(tc.input)))
			if tc.wantErr {
				assert.ErrorIs(t, err, io.EOF)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func clientHello(key []byte) []byte {
	nonce := make([]byte, auth.NonceSize)
	for i := range nonce {
		nonce[i] = byte(i)
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte("usbuart-auth-v1"))
	_, _ = mac.Write(nonce)
	msg := append([]byte(auth.HandshakeMagic), nonce...)
	return append(msg, mac.Sum(nil)...)
}

func TestAccept(t *testing.T) {
	key, err := auth.DeriveKey("test123")
	require.NoError(t, err)
	wrongKey, err := auth.DeriveKey("wrongpass")
	require.NoError(t, err)

	testCases := []struct {
		name      string
		input     []byte
		key       []byte
		wantErr   error
		errSubstr string
	}{
		{name: "valid hello", input: clientHello(key), key: key},
		{name: "wrong password", input: clientHello(wrongKey), key: key, wantErr: auth.ErrBadPassword},
		{name: "short hello", input: []byte(auth.HandshakeMagic + "short"), key: key, errSubstr: "read handshake: unexpected EOF"},
		{name: "bad magic", input: append([]byte("xxxxx"), clientHello(key)[5:]...), key: key, errSubstr: "bad magic"},
		{name: "missing key", input: clientHello(key), key: nil, errSubstr: "missing key"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			sessionKey, err := auth.Accept(bytes.NewReader(tc.input), &out, tc.key)
			switch {
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Zero(t, out.Len())
			case tc.errSubstr != "":
				assert.ErrorContains(t, err, tc.errSubstr)
			default:
				require.NoError(t, err)
				assert.Len(t, sessionKey, auth.KeySize)
				reply := out.Bytes()
				require.Len(t, reply, 3+auth.NonceSize)
				assert.Equal(t, "OK\x00", string(reply[:3]))
			}
		})
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	key, err := auth.DeriveKey("test123")
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	serverKey := make(chan []byte, 1)
	go func() {
		k, err := auth.Accept(server, server, key)
		assert.NoError(t, err)
		serverKey <- k
	}()

	clientKey, err := auth.Dial(client, client, key)
	require.NoError(t, err)
	assert.Equal(t, clientKey, <-serverKey)
}

func TestDialRejected(t *testing.T) {
	testCases := []struct {
		name    string
		reply   string
		wantAPI bool
		errText string
	}{
		{
			name:    "problem json",
			reply:   `{"status":401,"title":"Unauthorized","detail":"invalid password"}` + "\n",
			wantAPI: true,
			errText: "401 Unauthorized: invalid password",
		},
		{name: "garbage", reply: "NO\x00nothing", errText: "invalid handshake reply"},
		{name: "closed early", reply: "", errText: "read handshake reply: EOF"},
	}

	key, err := auth.DeriveKey("test123")
	require.NoError(t, err)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := auth.Dial(bytes.NewBufferString(tc.reply), io.Discard, key)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errText)
			var apiErr *apitypes.ApiError
			assert.Equal(t, tc.wantAPI, errors.As(err, &apiErr))
		})
	}
}
