package bridge

import (
	"sync"
	"time"
)

// permit is a single-slot semaphore guarding the one USB transmit buffer
// that may be in flight. It starts available. Every reset opens a new
// epoch; releases carry the epoch their transmit was issued in.
type permit struct {
	mu    sync.Mutex
	epoch uint64
	slot  chan struct{}
}

func newPermit() *permit {
	p := &permit{slot: make(chan struct{}, 1)}
	p.slot <- struct{}{}
	return p
}

// tryAcquire takes the slot, waiting at most timeout for a release or until
// cancel is closed.
func (p *permit) tryAcquire(timeout time.Duration, cancel <-chan struct{}) bool {
	select {
	case <-p.slot:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.slot:
		return true
	case <-t.C:
		return false
	case <-cancel:
		return false
	}
}

func (p *permit) current() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// reset makes the slot available regardless of its current state and starts
// a new epoch. Used when the channel owning an in-flight transmit is unbound
// and its completion can no longer be trusted.
func (p *permit) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	select {
	case p.slot <- struct{}{}:
	default:
	}
}

// release returns the slot for a transmit issued in epoch. It reports false
// when the slot was not held or epoch predates the last reset.
func (p *permit) release(epoch uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if epoch != p.epoch {
		return false
	}
	select {
	case p.slot <- struct{}{}:
		return true
	default:
		return false
	}
}
