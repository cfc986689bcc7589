// Package gate is the admission control every outbound network operation
// passes through: a global bound on in-flight operations plus optional
// per-key sliding-window rate budgets.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FranksOps/poolfeed/internal/metrics"
	"github.com/FranksOps/poolfeed/pkg/ratelimit"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent bounds outbound operations when Config leaves it unset.
const DefaultMaxConcurrent = 6

// ErrWaitExceeded is returned when a caller waited longer than Config.MaxWait
// for admission.
var ErrWaitExceeded = errors.New("gate: permit wait exceeded")

// Budget is a request-rate allowance: at most Limit admissions per Window.
type Budget struct {
	Limit  int
	Window time.Duration
}

func (b Budget) enabled() bool { return b.Limit > 0 && b.Window > 0 }

// Config defines the gate's limits.
type Config struct {
	// MaxConcurrent is the global in-flight ceiling (0 = DefaultMaxConcurrent).
	MaxConcurrent int
	// MaxWait caps how long Acquire may block (0 = until ctx is done).
	MaxWait time.Duration
	// Budgets maps a key, or a key prefix ending at the first ':', to its rate
	// budget. Keys with no budget are only subject to the concurrency bound.
	Budgets map[string]Budget
	// Window stores rate buckets; defaults to an in-memory window.
	Window ratelimit.Window
}

// Gate is safe for concurrent use.
type Gate struct {
	sem     *semaphore.Weighted
	max     int
	maxWait time.Duration
	window  ratelimit.Window

	budgetsMu sync.RWMutex
	budgets   map[string]Budget

	inFlight  atomic.Int64
	highWater atomic.Int64
}

// New creates a gate from cfg, filling in defaults.
func New(cfg Config) *Gate {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Window == nil {
		cfg.Window = ratelimit.NewMemoryWindow()
	}
	budgets := make(map[string]Budget, len(cfg.Budgets))
	for k, b := range cfg.Budgets {
		budgets[k] = b
	}
	return &Gate{
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		max:     cfg.MaxConcurrent,
		maxWait: cfg.MaxWait,
		window:  cfg.Window,
		budgets: budgets,
	}
}

// SetBudget installs or replaces the budget for a key or key prefix.
func (g *Gate) SetBudget(key string, b Budget) {
	g.budgetsMu.Lock()
	g.budgets[key] = b
	g.budgetsMu.Unlock()
}

func (g *Gate) budgetFor(key string) Budget {
	g.budgetsMu.RLock()
	defer g.budgetsMu.RUnlock()
	if b, ok := g.budgets[key]; ok {
		return b
	}
	if i := strings.IndexByte(key, ':'); i > 0 {
		return g.budgets[key[:i]]
	}
	return Budget{}
}

// Permit is one admitted outbound operation. Release is idempotent.
type Permit struct {
	g    *Gate
	once sync.Once
}

// Release returns the slot to the gate.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.g.inFlight.Add(-1)
		metrics.GateInFlight.Dec()
		p.g.sem.Release(1)
	})
}

// Acquire blocks until a global slot is free and, when key is non-empty and
// has a budget, the key's window has room. The returned permit must be
// released on every exit path.
func (g *Gate) Acquire(ctx context.Context, key string) (*Permit, error) {
	waitCtx := ctx
	if g.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.maxWait)
		defer cancel()
	}

	metrics.GateWaiting.Inc()
	defer metrics.GateWaiting.Dec()

	// The budget is taken first so a throttled key never sits on a global
	// slot; it is refunded when no slot arrives.
	took := false
	if key != "" {
		if b := g.budgetFor(key); b.enabled() {
			if err := g.waitBudget(waitCtx, key, b); err != nil {
				return nil, g.waitErr(ctx, err)
			}
			took = true
		}
	}

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if took {
			refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			_ = g.window.Refund(refundCtx, key)
			cancel()
		}
		return nil, g.waitErr(ctx, err)
	}

	n := g.inFlight.Add(1)
	for {
		hw := g.highWater.Load()
		if n <= hw || g.highWater.CompareAndSwap(hw, n) {
			break
		}
	}
	metrics.GateInFlight.Inc()
	return &Permit{g: g}, nil
}

func (g *Gate) waitBudget(ctx context.Context, key string, b Budget) error {
	for {
		res, err := g.window.Take(ctx, key, b.Limit, b.Window)
		if err != nil {
			return err
		}
		if !res.Limited {
			return nil
		}
		wait := res.Reset
		if wait <= 0 {
			wait = time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// waitErr distinguishes the caller giving up from the gate's own ceiling.
func (g *Gate) waitErr(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && g.maxWait > 0 {
		return fmt.Errorf("%w after %s", ErrWaitExceeded, g.maxWait)
	}
	return err
}

// RateLimited records an attempt for key and reports whether it exceeds
// limit within window. It never blocks on the concurrency bound.
func (g *Gate) RateLimited(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	return g.window.Check(ctx, key, limit, window)
}

// InFlight is the number of currently held permits.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// HighWater is the largest number of simultaneously held permits observed.
func (g *Gate) HighWater() int { return int(g.highWater.Load()) }

// MaxConcurrent is the configured global ceiling.
func (g *Gate) MaxConcurrent() int { return g.max }
