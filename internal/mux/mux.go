// Package mux splits the single set-named-value wire operation into two
// channels: persistent properties and one-shot signals.
//
// A name that starts with the reserved prefix is a signal. Such names are
// never stored and never answered by a get; application properties cannot
// use the prefix. Both endpoints must be configured with the same prefix.
package mux

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/shellsurface/internal/value"
)

// DefaultPrefix is the reserved signal namespace.
const DefaultPrefix = "__DWAYLAND_SIGNAL_"

var (
	ErrReservedName = errors.New("mux: name uses the reserved signal prefix")
	ErrEmptyName    = errors.New("mux: empty name")
	ErrEmptyPrefix  = errors.New("mux: empty signal prefix")
)

type Channel uint8

const (
	ChannelProperty Channel = iota
	ChannelSignal
)

func (c Channel) String() string {
	if c == ChannelSignal {
		return "signal"
	}
	return "property"
}

// Sink receives demultiplexed traffic.
type Sink struct {
	Property func(name string, v value.Value)
	Signal   func(name string, v value.Value)
}

type Mux struct {
	prefix string
}

// New returns a Mux for prefix; an empty prefix selects DefaultPrefix.
func New(prefix string) Mux {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Mux{prefix: prefix}
}

func Default() Mux {
	return New(DefaultPrefix)
}

func (m Mux) Prefix() string {
	if m.prefix == "" {
		return DefaultPrefix
	}
	return m.prefix
}

func (m Mux) IsSignal(name string) bool {
	return strings.HasPrefix(name, m.Prefix())
}

// Route classifies name and returns the name as seen on that channel:
// stripped for signals, unchanged for properties.
func (m Mux) Route(name string) (Channel, string) {
	if stripped, ok := strings.CutPrefix(name, m.Prefix()); ok {
		return ChannelSignal, stripped
	}
	return ChannelProperty, name
}

// SignalName returns the wire name carrying signal name.
func (m Mux) SignalName(name string) string {
	return m.Prefix() + name
}

// CheckProperty rejects names an application may not store.
func (m Mux) CheckProperty(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if m.IsSignal(name) {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	return nil
}

// CheckSignal rejects signal names that cannot be carried.
func (m Mux) CheckSignal(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	return nil
}

// Dispatch routes one decoded set to the matching sink function and
// reports the channel used. Nil sink functions drop the value.
func (m Mux) Dispatch(name string, v value.Value, sink Sink) Channel {
	ch, routed := m.Route(name)
	switch ch {
	case ChannelSignal:
		if sink.Signal != nil {
			sink.Signal(routed, v)
		}
	default:
		if sink.Property != nil {
			sink.Property(routed, v)
		}
	}
	return ch
}

// ValidatePrefix is used by configuration loading.
func ValidatePrefix(prefix string) error {
	if strings.TrimSpace(prefix) == "" {
		return ErrEmptyPrefix
	}
	return nil
}
