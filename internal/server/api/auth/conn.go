package auth

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Role selects the nonce space a side of the connection seals with.
type Role byte

const (
	RoleClient Role = 0
	RoleServer Role = 1
)

const maxFrameSize = 1 << 20

var ErrReplay = errors.New("auth: out of order frame")

// Conn is a net.Conn whose payload travels as sealed frames:
//
//	length uint32 BE | nonce[12] | ciphertext
//
// The nonce holds the sender role in byte 0 and a per-direction counter in
// bytes 4..12; the receiver rejects any frame whose counter is not the next
// one expected from the peer.
type Conn struct {
	net.Conn
	r    io.Reader
	aead cipher.AEAD
	role Role

	wmu     sync.Mutex
	sendCtr uint64

	rmu     sync.Mutex
	recvCtr uint64
	recvBuf bytes.Buffer
}

// WrapConn seals traffic on conn with sessionKey. Frames are read from r,
// which lets a caller hand over a bufio.Reader that already buffered bytes
// from conn; a nil r reads conn directly.
func WrapConn(conn net.Conn, r io.Reader, sessionKey []byte, role Role) (*Conn, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	if r == nil {
		r = conn
	}
	return &Conn{Conn: conn, r: r, aead: aead, role: role}, nil
}

func (c *Conn) nonce(role Role, ctr uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	n[0] = byte(role)
	binary.BigEndian.PutUint64(n[4:], ctr)
	return n
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	nonce := c.nonce(c.role, c.sendCtr)
	c.sendCtr++

	frame := make([]byte, 4, 4+len(nonce)+len(p)+c.aead.Overhead())
	frame = append(frame, nonce...)
	frame = c.aead.Seal(frame, nonce, p, nil)
	binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)-4))

	if _, err := c.Conn.Write(frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for c.recvBuf.Len() == 0 {
		if err := c.readFrame(); err != nil {
			return 0, err
		}
	}
	return c.recvBuf.Read(p)
}

func (c *Conn) readFrame() error {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length < chacha20poly1305.NonceSize || length > maxFrameSize {
		return fmt.Errorf("auth: bad frame length %d", length)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		return err
	}

	peer := RoleServer
	if c.role == RoleServer {
		peer = RoleClient
	}
	nonce := frame[:chacha20poly1305.NonceSize]
	if !bytes.Equal(nonce, c.nonce(peer, c.recvCtr)) {
		return ErrReplay
	}
	pt, err := c.aead.Open(nil, nonce, frame[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return err
	}
	c.recvCtr++
	c.recvBuf.Write(pt)
	return nil
}
