package cdc

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Alia5/usbuart/bridge"
)

var ErrNoChannel = errors.New("cdc: no such channel")

// Stack exposes a fixed list of ACM functions as bridge channels. Channel n
// is the n-th function.
type Stack struct {
	logger   *slog.Logger
	channels []*ACM
}

func NewStack(channels []*ACM, logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{logger: logger, channels: channels}
}

// Channel returns the function behind ch.
func (s *Stack) Channel(ch bridge.ChannelID) (*ACM, error) {
	if int(ch) >= len(s.channels) {
		return nil, fmt.Errorf("%w: %d", ErrNoChannel, ch)
	}
	return s.channels[ch], nil
}

func (s *Stack) Channels() []*ACM { return s.channels }

func (s *Stack) Bind(ch bridge.ChannelID, cb bridge.Callbacks) error {
	a, err := s.Channel(ch)
	if err != nil {
		return err
	}
	a.bind(cb)
	s.logger.Debug("cdc channel bound", "channel", ch)
	return nil
}

func (s *Stack) Unbind(ch bridge.ChannelID) {
	if a, err := s.Channel(ch); err == nil {
		a.bind(nil)
	}
}

// RestoreDefault puts every channel back on the discard sink.
func (s *Stack) RestoreDefault() error {
	for _, a := range s.channels {
		a.bind(nil)
	}
	return nil
}

func (s *Stack) Transmit(ch bridge.ChannelID, p []byte) {
	a, err := s.Channel(ch)
	if err != nil {
		s.logger.Warn("transmit on unknown channel", "channel", ch)
		return
	}
	a.Transmit(p)
}

func (s *Stack) Receive(ch bridge.ChannelID, p []byte) int {
	a, err := s.Channel(ch)
	if err != nil {
		return 0
	}
	return a.Receive(p)
}
