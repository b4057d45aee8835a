package bridge

type phase uint8

const (
	phaseStarting phase = iota
	phaseRunning
	phaseReconfiguring
	phaseStopping
	phaseStopped
)

func (p phase) String() string {
	switch p {
	case phaseStarting:
		return "starting"
	case phaseRunning:
		return "running"
	case phaseReconfiguring:
		return "reconfiguring"
	case phaseStopping:
		return "stopping"
	case phaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (b *Bridge) enter(p phase) {
	b.logger.Debug("rx supervisor", "phase", p, "channel", b.active.Channel)
}

// runRx is the RX supervisor. It owns the active configuration and is the
// only goroutine that transmits on the USB channel.
func (b *Bridge) runRx(started chan<- struct{}) {
	defer close(b.rxDone)

	b.enter(phaseStarting)
	b.active = b.Config()
	b.check(b.usb.Bind(b.active.Channel, b.hooks()), "bind", b.active.Channel)
	b.startTx()
	b.txEvents.set(evtCdcRx)
	close(started)

	b.enter(phaseRunning)
	for {
		events := b.rxEvents.wait(rxEvents)
		if events&evtStop != 0 {
			break
		}
		if events&(evtRxDone|evtCdcTxComplete) != 0 {
			b.forward()
		}
		if events&evtCfgChange != 0 {
			b.reconfigure()
		}
		if events&(evtLineCoding|evtControlLine) != 0 {
			b.logger.Debug("cdc line state changed", "channel", b.active.Channel)
		}
	}

	b.enter(phaseStopping)
	b.stopTx()
	b.usb.Unbind(b.active.Channel)
	if n := b.stream.clear(); n > 0 {
		b.dropped.Add(uint64(n))
	}
	b.check(b.usb.RestoreDefault(), "restore default", b.active.Channel)
	b.enter(phaseStopped)
}

// forward moves at most one packet from the stream to the USB channel.
func (b *Bridge) forward() {
	n := b.stream.pop(b.rxBuf)
	if n == 0 {
		return
	}
	if !b.permit.tryAcquire(b.timeout, b.quit) {
		dropped := n + b.stream.clear()
		b.dropped.Add(uint64(dropped))
		b.logger.Debug("usb transmit timed out, dropping buffered data",
			"channel", b.active.Channel, "bytes", dropped)
		return
	}
	b.rxBytes.Add(uint64(n))
	b.usbMu.Lock()
	b.usb.Transmit(b.active.Channel, b.rxBuf[:n])
	b.usbMu.Unlock()
}

func (b *Bridge) reconfigure() {
	req := b.takeRequest()
	if req == nil {
		return
	}
	defer close(req.done)

	if req.cfg.Channel == b.active.Channel {
		// The binding stays; only the TX worker needs the new callback.
		b.stopTx()
		b.active = req.cfg
		b.startTx()
		b.txEvents.set(evtCdcRx)
		return
	}

	b.enter(phaseReconfiguring)
	old := b.active.Channel
	b.stopTx()
	b.usb.Unbind(old)
	// A transmit still pending on the old channel will never complete, and a
	// completion already in flight from it must not release the new permit.
	b.permit.reset()
	b.check(b.usb.Bind(req.cfg.Channel, b.hooks()), "bind", req.cfg.Channel)
	b.active = req.cfg
	b.startTx()
	b.txEvents.set(evtCdcRx)
	b.logger.Info("bridge channel changed", "from", old, "to", b.active.Channel)
	b.enter(phaseRunning)
}
