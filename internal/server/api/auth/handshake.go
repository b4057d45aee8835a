package auth

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Alia5/usbuart/apitypes"
)

// Wire layout:
//
//	client: HandshakeMagic | client nonce[32] | HMAC-SHA256(key, authContext | client nonce)
//	server: "OK\x00" | server nonce[32]       (or one problem+json line on failure)
//
// Everything after the server reply is framed by Conn.
const (
	// HandshakeMagic starts with a byte that no request path can begin with,
	// so one peeked byte tells a handshake from a plain request.
	HandshakeMagic = "\x01uUA1"
	NonceSize      = 32
	authContext    = "usbuart-auth-v1"
	okReply        = "OK\x00"
)

var ErrBadPassword = errors.New("auth: invalid password")

// IsHandshake reports whether the next byte in r starts a handshake.
func IsHandshake(r *bufio.Reader) (bool, error) {
	b, err := r.Peek(1)
	if err != nil {
		return false, err
	}
	return b[0] == HandshakeMagic[0], nil
}

func proof(key, clientNonce []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(authContext))
	_, _ = mac.Write(clientNonce)
	return mac.Sum(nil)
}

func nonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// Accept runs the server side of the handshake and returns the session key.
// A wrong password yields ErrBadPassword and nothing is written to w.
func Accept(r io.Reader, w io.Writer, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("handshake: missing key")
	}
	msg := make([]byte, len(HandshakeMagic)+NonceSize+sha256.Size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if string(msg[:len(HandshakeMagic)]) != HandshakeMagic {
		return nil, errors.New("read handshake: bad magic")
	}
	clientNonce := msg[len(HandshakeMagic) : len(HandshakeMagic)+NonceSize]
	clientProof := msg[len(HandshakeMagic)+NonceSize:]
	if !hmac.Equal(clientProof, proof(key, clientNonce)) {
		return nil, ErrBadPassword
	}

	serverNonce, err := nonce()
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(append([]byte(okReply), serverNonce...)); err != nil {
		return nil, fmt.Errorf("write handshake reply: %w", err)
	}
	return DeriveSessionKey(key, serverNonce, clientNonce), nil
}

// Dial runs the client side of the handshake and returns the session key.
// A problem+json reply from the server is returned as *apitypes.ApiError.
func Dial(r io.Reader, w io.Writer, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("handshake: missing key")
	}
	clientNonce, err := nonce()
	if err != nil {
		return nil, err
	}
	msg := append([]byte(HandshakeMagic), clientNonce...)
	msg = append(msg, proof(key, clientNonce)...)
	if _, err := w.Write(msg); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	prefix := make([]byte, len(okReply))
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	if string(prefix) != okReply {
		rest, _ := io.ReadAll(r)
		line := strings.TrimSuffix(string(append(prefix, rest...)), "\n")
		var apiErr apitypes.ApiError
		if err := json.Unmarshal([]byte(line), &apiErr); err == nil && (apiErr.Status != 0 || apiErr.Title != "") {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("invalid handshake reply: %q", line)
	}

	serverNonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, serverNonce); err != nil {
		return nil, fmt.Errorf("read server nonce: %w", err)
	}
	return DeriveSessionKey(key, serverNonce, clientNonce), nil
}
