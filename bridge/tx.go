package bridge

func (b *Bridge) startTx() {
	b.txEvents.clear(evtTxStop)
	b.txDone = make(chan struct{})
	go b.runTx(b.active, b.txDone)
}

// stopTx signals the TX worker and waits for it to exit.
func (b *Bridge) stopTx() {
	b.txEvents.set(evtTxStop)
	<-b.txDone
}

// runTx is the TX worker. cfg is the active configuration at start; the
// supervisor restarts the worker whenever it changes.
func (b *Bridge) runTx(cfg Config, done chan<- struct{}) {
	defer close(done)
	for {
		events := b.txEvents.wait(txEvents)
		if events&evtTxStop != 0 {
			return
		}
		if events&evtCdcRx == 0 {
			continue
		}

		b.usbMu.Lock()
		n := b.usb.Receive(cfg.Channel, b.txBuf)
		b.usbMu.Unlock()
		if n <= 0 {
			continue
		}
		b.txBytes.Add(uint64(n))
		if cfg.OnUARTWrite != nil {
			cfg.OnUARTWrite(b.txBuf[:n])
		}
	}
}
