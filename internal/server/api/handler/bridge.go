// Package handler holds the management API route handlers.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Alia5/usbuart/apitypes"
	"github.com/Alia5/usbuart/bridge"
	"github.com/Alia5/usbuart/device/cdc"
	"github.com/Alia5/usbuart/internal/server/api"
	"github.com/Alia5/usbuart/virtualbus"
)

// Bridge is the part of *bridge.Bridge the handlers drive.
type Bridge interface {
	State() bridge.State
	Config() bridge.Config
	SetConfig(cfg bridge.Config) error
}

func writeJSON(res *api.Response, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
	}
	res.JSON = string(payload)
	return nil
}

// DropCounter reports bytes discarded before they reached the bridge.
type DropCounter interface {
	Dropped() uint64
}

// BridgeState returns a handler reporting the transfer counters. uart may be
// nil when no UART reader feeds the bridge.
func BridgeState(b Bridge, uart DropCounter) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		st := b.State()
		out := apitypes.BridgeState{
			Channel: uint8(b.Config().Channel),
			RxBytes: st.RxBytes,
			TxBytes: st.TxBytes,
			Dropped: st.Dropped,
		}
		if uart != nil {
			out.UARTDropped = uart.Dropped()
		}
		return writeJSON(res, out)
	}
}

// BridgeConfig returns a handler reporting the requested configuration.
func BridgeConfig(b Bridge) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		return writeJSON(res, apitypes.BridgeConfig{Channel: uint8(b.Config().Channel)})
	}
}

// BridgeChannel returns a handler that rebinds the bridge to the channel in
// the payload. It answers once the bridge applied the change.
func BridgeChannel(b Bridge, stack *cdc.Stack) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		payload := strings.TrimSpace(req.Payload)
		if payload == "" {
			return api.ErrBadRequest("missing channel")
		}
		var want apitypes.BridgeConfig
		if err := json.Unmarshal([]byte(payload), &want); err != nil {
			return api.ErrBadRequest(fmt.Sprintf("invalid channel: %v", err))
		}
		// Binding a channel the stack does not have is fatal for the bridge.
		if _, err := stack.Channel(bridge.ChannelID(want.Channel)); err != nil {
			return api.ErrNotFound(fmt.Sprintf("channel %d not found", want.Channel))
		}

		cfg := b.Config()
		cfg.Channel = bridge.ChannelID(want.Channel)
		if err := b.SetConfig(cfg); err != nil {
			if errors.Is(err, bridge.ErrDisabled) {
				return api.ErrConflict("bridge is disabled")
			}
			return err
		}
		logger.Info("bridge channel set", "channel", want.Channel)
		return writeJSON(res, apitypes.BridgeConfig{Channel: want.Channel})
	}
}

// BridgeChannels returns a handler listing every channel of the stack with
// its bus id and host-side line state.
func BridgeChannels(b Bridge, stack *cdc.Stack, bus *virtualbus.VirtualBus) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		metas := map[*cdc.ACM]virtualbus.DeviceMeta{}
		for _, m := range bus.GetAllDeviceMetas() {
			if acm, ok := m.Dev.(*cdc.ACM); ok {
				metas[acm] = m
			}
		}
		active := b.Config().Channel

		out := make([]apitypes.Channel, 0, len(stack.Channels()))
		for i, acm := range stack.Channels() {
			desc := acm.GetDescriptor().Device
			ch := apitypes.Channel{
				ID:     uint8(i),
				Vid:    fmt.Sprintf("0x%04x", desc.IDVendor),
				Pid:    fmt.Sprintf("0x%04x", desc.IDProduct),
				Active: bridge.ChannelID(i) == active,
				Line:   acm.LineCoding().String(),
				DTR:    acm.DTR(),
				RTS:    acm.RTS(),
			}
			if m, ok := metas[acm]; ok {
				ch.BusID = m.Meta.BusIDString()
				ch.Attached = m.Attached
			}
			out = append(out, ch)
		}
		return writeJSON(res, apitypes.ChannelsResponse{Channels: out})
	}
}
