package bridge

// ChannelID selects one logical CDC channel of the USB stack.
type ChannelID uint8

// Callbacks are the hooks a USB stack fires for a bound channel.
// Implementations provided by the bridge only raise event bits and return.
type Callbacks interface {
	// OnTxComplete reports that the last Transmit left the device.
	OnTxComplete()
	// OnRxAvailable reports that Receive has data to return.
	OnRxAvailable()
	OnControlLineChange()
	OnLineCodingChange()
}

// USB is the CDC stack the bridge drives. Transmit and Receive are never
// called concurrently with each other by the bridge.
type USB interface {
	// Bind attaches cb to channel ch and makes the channel available to the host.
	Bind(ch ChannelID, cb Callbacks) error
	// Unbind detaches any callbacks from ch.
	Unbind(ch ChannelID)
	// RestoreDefault returns the stack to its state before the bridge was enabled.
	RestoreDefault() error
	// Transmit queues p on the channel's IN endpoint. At most one transmit is
	// outstanding until OnTxComplete fires. p is only valid during the call.
	Transmit(ch ChannelID, p []byte)
	// Receive copies up to len(p) bytes from the channel's OUT endpoint.
	Receive(ch ChannelID, p []byte) int
}

// hooks carry the permit epoch of the binding they were issued for, so a
// completion from an earlier binding cannot release the current permit.
type hooks struct {
	b     *Bridge
	epoch uint64
}

func (b *Bridge) hooks() hooks { return hooks{b: b, epoch: b.permit.current()} }

func (h hooks) OnTxComplete() {
	if !h.b.permit.release(h.epoch) {
		if h.epoch != h.b.permit.current() {
			h.b.logger.Debug("ignoring tx completion from a previous binding")
			return
		}
		h.b.logger.Warn("tx completion without outstanding transmit")
	}
	h.b.rxEvents.set(evtCdcTxComplete)
}

func (h hooks) OnRxAvailable()       { h.b.txEvents.set(evtCdcRx) }
func (h hooks) OnControlLineChange() { h.b.rxEvents.set(evtControlLine) }
func (h hooks) OnLineCodingChange()  { h.b.rxEvents.set(evtLineCoding) }
