package fetch

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff shapes the delay between attempts of one task.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultBackoff doubles from 500ms up to 10s with jitter.
var DefaultBackoff = Backoff{
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2,
	Jitter:       true,
}

// NextBackoffDelay returns the delay after failed attempt N (1-based).
// rnd supplies jitter in [0,1); nil means the midpoint.
func NextBackoffDelay(cfg Backoff, attempt int, rnd func() float64) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		delay *= math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 1.0
		if rnd != nil {
			f = 0.5 + rnd()
		}
		delay *= f
	}
	return time.Duration(delay)
}

func defaultJitter() float64 { return rand.Float64() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
