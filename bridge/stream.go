package bridge

import "sync"

// stream is the bounded byte FIFO between the UART producer and the RX
// supervisor. Pushes never overwrite; whatever does not fit is rejected.
type stream struct {
	mu   sync.Mutex
	buf  []byte
	head int // next read index
	used int
}

func newStream(capacity int) *stream {
	return &stream{buf: make([]byte, capacity)}
}

// push copies as much of p as fits and returns the number of bytes accepted.
func (s *stream) push(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	free := len(s.buf) - s.used
	n := len(p)
	if n > free {
		n = free
	}
	tail := (s.head + s.used) % len(s.buf)
	first := copy(s.buf[tail:], p[:n])
	copy(s.buf, p[first:n])
	s.used += n
	return n
}

// pop copies up to len(p) buffered bytes into p.
func (s *stream) pop(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(p)
	if n > s.used {
		n = s.used
	}
	end := s.head + n
	if end <= len(s.buf) {
		copy(p, s.buf[s.head:end])
	} else {
		first := copy(p, s.buf[s.head:])
		copy(p[first:n], s.buf[:n-first])
	}
	s.head = (s.head + n) % len(s.buf)
	s.used -= n
	if s.used == 0 {
		s.head = 0
	}
	return n
}

// clear drops all buffered bytes and returns how many were dropped.
func (s *stream) clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.used
	s.head = 0
	s.used = 0
	return n
}

func (s *stream) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *stream) capacity() int { return len(s.buf) }
