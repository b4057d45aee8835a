package bridge

import "sync"

type eventFlags uint32

const (
	evtStop eventFlags = 1 << iota
	evtRxDone
	evtTxStop
	evtCdcRx
	evtCdcTxComplete
	evtCfgChange
	evtLineCoding
	evtControlLine
)

const (
	rxEvents = evtStop | evtRxDone | evtCfgChange | evtLineCoding | evtControlLine | evtCdcTxComplete
	txEvents = evtTxStop | evtCdcRx
)

// eventSet is a pending bitmask owned by a single waiting goroutine.
// Repeated sets of the same bit before the next wait collapse into one wake.
type eventSet struct {
	mu      sync.Mutex
	pending eventFlags
	wake    chan struct{}
}

func newEventSet() *eventSet {
	return &eventSet{wake: make(chan struct{}, 1)}
}

// set raises f and wakes the waiter. Safe from any goroutine, never blocks.
func (e *eventSet) set(f eventFlags) {
	e.mu.Lock()
	e.pending |= f
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// wait blocks until at least one bit of mask is pending, clears and returns
// the pending bits of mask. Bits outside mask stay pending.
func (e *eventSet) wait(mask eventFlags) eventFlags {
	for {
		e.mu.Lock()
		got := e.pending & mask
		e.pending &^= got
		e.mu.Unlock()
		if got != 0 {
			return got
		}
		<-e.wake
	}
}

// clear drops pending bits of mask without waiting.
func (e *eventSet) clear(mask eventFlags) {
	e.mu.Lock()
	e.pending &^= mask
	e.mu.Unlock()
}
