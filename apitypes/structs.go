package apitypes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ApiError represents an RFC 7807 (problem+json) error response.
type ApiError struct {
	// Status is the HTTP-style status code (e.g., 400, 404, 500)
	Status int `json:"status"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Detail is a human-readable explanation specific to this occurrence
	Detail string `json:"detail"`
}

func (e ApiError) Error() string {
	if e.Status == 0 && e.Title == "" {
		return "unknown error"
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
}

// --

type PingResponse struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

// BridgeState carries the bridge transfer counters. UARTDropped counts bytes
// the UART reader gave up on after the bridge stayed full.
type BridgeState struct {
	Channel     uint8  `json:"channel"`
	RxBytes     uint64 `json:"rxBytes"`
	TxBytes     uint64 `json:"txBytes"`
	Dropped     uint64 `json:"dropped"`
	UARTDropped uint64 `json:"uartDropped"`
}

type BridgeConfig struct {
	Channel uint8 `json:"channel"`
}

// UnmarshalJSON accepts either {"channel":N} or a bare number.
func (c *BridgeConfig) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s != "" && s[0] != '{' {
		n, err := parseUint8(s)
		if err != nil {
			return fmt.Errorf("channel: %w", err)
		}
		c.Channel = n
		return nil
	}
	var raw struct {
		Channel *json.Number `json:"channel"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Channel == nil {
		return fmt.Errorf("channel: missing")
	}
	n, err := parseUint8(raw.Channel.String())
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	c.Channel = n
	return nil
}

func parseUint8(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.Trim(s, `"`), 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

// Channel describes one CDC-ACM channel exported on the virtual bus.
type Channel struct {
	ID       uint8  `json:"id"`
	BusID    string `json:"busId"`
	Vid      string `json:"vid"`
	Pid      string `json:"pid"`
	Attached bool   `json:"attached"`
	Active   bool   `json:"active"`
	Line     string `json:"line"`
	DTR      bool   `json:"dtr"`
	RTS      bool   `json:"rts"`
}

type ChannelsResponse struct {
	Channels []Channel `json:"channels"`
}
