package auth_test

import (
	"bytes"
	"testing"

	"github.com/Alia5/usbuart/internal/server/api/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenKey(t *testing.T) {
	key, err := auth.GenerateKey()
	assert.NoError(t, err)
	assert.Len(t, key, auth.AutoGenKeyLength)
	assert.Regexp(t, "^[0-9A-Za-z]{16}$", key)

	other, err := auth.GenerateKey()
	assert.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestDeriveKey(t *testing.T) {
	testCases := []struct {
		name        string
		password    string
		expectedKey []byte
		expectedErr error
	}{
		{
			name:     "normal password",
			password: "password123",
			expectedKey: []byte{0xce, 0xe0, 0xa6, 0xd8, 0x7c, 0xe5, 0xd9, 0x9d, 0x52, 0x25, 0x83, 0x06, 0x03, 0x50, 0x1a, 0xe0,
				0xd1, 0xe1, 0x31, 0x31, 0xff, 0x73, 0x97, 0xb9, 0x98, 0xe6, 0xda, 0x48, 0x53, 0xdb, 0x4d, 0x94},
		},
		{
			name:     "single character",
			password: "1",
			expectedKey: []byte{0xd2, 0x16, 0x72, 0x78, 0x92, 0x95, 0x79, 0x01, 0x68, 0xa2, 0x4d, 0x20, 0x91, 0x4e, 0xa1, 0xb7,
				0x81, 0xd7, 0x71, 0xf9, 0x7b, 0x4b, 0x62, 0xc5, 0xcb, 0x59, 0x34, 0x40, 0x42, 0xc6, 0x42, 0x51},
		},
		{
			name:        "empty password",
			password:    "",
			expectedErr: auth.ErrEmptyPassword,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			derivedKey, err := auth.DeriveKey(tc.password)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expectedKey, derivedKey)
		})
	}
}

func TestDeriveSessionKey(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	serverNonce := bytes.Repeat([]byte{1}, 32)
	clientNonce := bytes.Repeat([]byte{2}, 32)

	sessionKey := auth.DeriveSessionKey(key, serverNonce, clientNonce)
	require.Len(t, sessionKey, auth.KeySize)
	assert.Equal(t, []byte{0x88, 0xb5, 0xd4, 0xcf, 0x90, 0x66, 0x47, 0x06, 0xfc, 0x9c, 0x21, 0xc1, 0xb6, 0x88, 0x7e, 0x4c,
		0x04, 0x0a, 0x5a, 0x96, 0x23, 0x7a, 0x94, 0xb4, 0xff, 0xba, 0xe5, 0x25, 0xf5, 0x33, 0xbd, 0x9f}, sessionKey)

	assert.Equal(t, sessionKey, auth.DeriveSessionKey(key, serverNonce, clientNonce))
	assert.NotEqual(t, sessionKey, auth.DeriveSessionKey(key, clientNonce, serverNonce))
}
