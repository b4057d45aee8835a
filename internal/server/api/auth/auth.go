// Package auth implements the optional password protection of the
// management API: key derivation, the session handshake and the encrypted
// connection that follows it.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	AutoGenKeyLength = 16
	Base62Chars      = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	PBKDF2Iterations = 100000
	PBKDF2Salt       = "usbuart-key-v1"
	KeySize          = 32

	sessionInfo = "usbuart-session-v1"
)

var ErrEmptyPassword = errors.New("auth: password cannot be empty")

// GenerateKey creates a random base62 password of AutoGenKeyLength characters.
func GenerateKey() (string, error) {
	randomBytes := make([]byte, AutoGenKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	key := make([]byte, AutoGenKeyLength)
	for i, b := range randomBytes {
		key[i] = Base62Chars[int(b)%len(Base62Chars)]
	}
	return string(key), nil
}

// DeriveKey stretches a password to KeySize bytes.
func DeriveKey(password string) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	return pbkdf2.Key([]byte(password), []byte(PBKDF2Salt), PBKDF2Iterations, KeySize, sha256.New), nil
}

// DeriveSessionKey expands the long-term key into a key unique to one
// connection, salted with both handshake nonces.
func DeriveSessionKey(key, serverNonce, clientNonce []byte) []byte {
	salt := make([]byte, 0, len(serverNonce)+len(clientNonce))
	salt = append(salt, serverNonce...)
	salt = append(salt, clientNonce...)

	out := make([]byte, KeySize)
	// HKDF only fails when asked for more than 255 hash lengths.
	_, _ = io.ReadFull(hkdf.New(sha256.New, key, salt, []byte(sessionInfo)), out)
	return out
}
