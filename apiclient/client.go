package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Alia5/usbuart/apitypes"
)

// Client provides a high-level interface to the usbuart API, handling request
// formatting, response parsing, and error handling.
type Client struct{ transport *Transport }

// New constructs a high-level API client using the internal low-level Transport.
// The addr parameter specifies the TCP address (host:port) of the API server.
func New(addr string) *Client { return &Client{transport: NewTransport(addr)} }

// NewWithPassword constructs a client that authenticates with the given password.
func NewWithPassword(addr, password string) *Client {
	return &Client{transport: NewTransportWithPassword(addr, password)}
}

// NewWithConfig constructs a client with custom transport timeouts.
func NewWithConfig(addr string, cfg *Config) *Client {
	return &Client{transport: NewTransportWithConfig(addr, cfg)}
}

// WithTransport constructs a Client using a custom Transport implementation.
func WithTransport(t *Transport) *Client { return &Client{transport: t} }

// Ping returns the version and identity of the server.
func (c *Client) Ping() (*apitypes.PingResponse, error) {
	return c.PingCtx(context.Background())
}

func (c *Client) PingCtx(ctx context.Context) (*apitypes.PingResponse, error) {
	return call[apitypes.PingResponse](ctx, c, "ping", "")
}

// State returns the bridge transfer counters.
func (c *Client) State() (*apitypes.BridgeState, error) {
	return c.StateCtx(context.Background())
}

func (c *Client) StateCtx(ctx context.Context) (*apitypes.BridgeState, error) {
	return call[apitypes.BridgeState](ctx, c, "bridge/state", "")
}

// Config returns the last requested bridge configuration.
func (c *Client) Config() (*apitypes.BridgeConfig, error) {
	return c.ConfigCtx(context.Background())
}

func (c *Client) ConfigCtx(ctx context.Context) (*apitypes.BridgeConfig, error) {
	return call[apitypes.BridgeConfig](ctx, c, "bridge/config", "")
}

// SetChannel rebinds the bridge to channel ch. It returns once the bridge
// applied the change.
func (c *Client) SetChannel(ch uint8) (*apitypes.BridgeConfig, error) {
	return c.SetChannelCtx(context.Background(), ch)
}

func (c *Client) SetChannelCtx(ctx context.Context, ch uint8) (*apitypes.BridgeConfig, error) {
	return call[apitypes.BridgeConfig](ctx, c, "bridge/channel", strconv.Itoa(int(ch)))
}

// Channels lists the CDC channels exported on the virtual bus.
func (c *Client) Channels() (*apitypes.ChannelsResponse, error) {
	return c.ChannelsCtx(context.Background())
}

func (c *Client) ChannelsCtx(ctx context.Context) (*apitypes.ChannelsResponse, error) {
	return call[apitypes.ChannelsResponse](ctx, c, "bridge/channels", "")
}

func call[T any](ctx context.Context, c *Client, path, payload string) (*T, error) {
	raw, err := c.transport.DoCtx(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	return parse[T](raw)
}

func parse[T any](data string) (*T, error) {
	if data == "" {
		return nil, errors.New("empty response")
	}
	var problem apitypes.ApiError
	if err := json.Unmarshal([]byte(data), &problem); err == nil && (problem.Status != 0 || problem.Title != "") {
		return nil, &problem
	}
	var out T
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}
