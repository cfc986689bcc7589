package ratelimit

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out successive operations against one upstream, adding optional
// jitter so request timing does not look machine generated.
// It is safe for concurrent use by multiple goroutines.
type Pacer struct {
	limiter  *rate.Limiter
	jitter   float64 // 0.0 to 1.0
	interval time.Duration
}

// NewPacer creates a pacer allowing rps operations per second with the given
// jitter factor (clamped to [0, 1]). If rps is <= 0, the pacer never blocks.
func NewPacer(rps float64, jitter float64) *Pacer {
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}
	if rps <= 0 {
		return &Pacer{jitter: jitter}
	}
	return &Pacer{
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		jitter:   jitter,
		interval: time.Duration(float64(time.Second) / rps),
	}
}

// Wait blocks until the next operation may start or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if p.jitter <= 0 {
		return nil
	}
	// Only positive jitter delays; the limiter already enforces the minimum spacing.
	extra := time.Duration(float64(p.interval) * p.jitter * rand.Float64())
	if extra <= 0 {
		return nil
	}
	t := time.NewTimer(extra)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
