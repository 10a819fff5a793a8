package session

import (
	"time"

	"github.com/danmuck/shellsurface/internal/protocol/frame"
)

// Config defines transport/session defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// QueryRetryAfter bounds how long an unanswered get request suppresses
	// a repeat of the same request.
	QueryRetryAfter time.Duration
	MaxPayloadBytes uint32
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		QueryRetryAfter:  time.Second,
		MaxPayloadBytes:  frame.DefaultLimits().MaxPayloadBytes,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) Limits() frame.Limits {
	if c.MaxPayloadBytes == 0 {
		return frame.DefaultLimits()
	}
	return frame.Limits{MaxPayloadBytes: c.MaxPayloadBytes}
}
