package session

import (
	"context"
	"math/rand"
	"time"
)

// BackoffConfig spaces out connect attempts while the host is starting up.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter spreads each delay over [0.75, 1.25) of its nominal value.
	Jitter bool
}

// Delay is the pause after failed attempt n (1-based).
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	growth := b.Multiplier
	if growth < 1 {
		growth = 1
	}
	d := float64(b.InitialDelay)
	for i := 1; i < n; i++ {
		d *= growth
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			d = float64(b.MaxDelay)
			break
		}
	}
	if b.Jitter && rng != nil {
		d *= 0.75 + rng.Float64()/2
	}
	return time.Duration(d)
}

// Wait sleeps for Delay(n) or until ctx is done.
func (b BackoffConfig) Wait(ctx context.Context, n int, rng *rand.Rand) error {
	timer := time.NewTimer(b.Delay(n, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
