package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes reconnect delays for peers dialing the authority.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool
}

// Delay is the wait before retry attempt (1-based). A nil rng with Jitter
// set uses the low end of the range.
func (c BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	mult := math.Max(c.Multiplier, 1)
	d := float64(c.InitialDelay) * math.Pow(mult, float64(max(attempt, 1)-1))
	if c.MaxDelay > 0 {
		d = math.Min(d, float64(c.MaxDelay))
	}
	if c.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		d *= f
	}
	return time.Duration(d)
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (c BackoffConfig) Wait(ctx context.Context, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(c.Delay(attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
