// Package ratelimit provides request pacing and sliding-window rate budgets.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one rate-window check.
type Result struct {
	Limit     int
	Remaining int
	Limited   bool
	// Reset is the time until the oldest counted request leaves the window.
	Reset time.Duration
}

// Window tracks per-key request timestamps inside a sliding window.
type Window interface {
	// Check records the attempt unconditionally and reports whether the key
	// is now over limit.
	Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
	// Take records the attempt only if it fits inside the budget. When it does
	// not, Reset tells the caller how long to wait before trying again.
	Take(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
	// Refund drops the key's most recent attempt, returning a taken slot
	// that was never used.
	Refund(ctx context.Context, key string) error
}

// Bucket is the retained history of one key: timestamps newer than now-window,
// oldest first. Its length is the current request count.
type Bucket struct {
	Key    string
	Stamps []time.Time
	window time.Duration
}

func (b *Bucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.Stamps) && !b.Stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.Stamps = append(b.Stamps[:0], b.Stamps[i:]...)
	}
	b.window = window
}

func (b *Bucket) result(now time.Time, limit int, window time.Duration) Result {
	r := Result{Limit: limit, Remaining: limit - len(b.Stamps)}
	if r.Remaining < 0 {
		r.Remaining = 0
	}
	if len(b.Stamps) > 0 {
		r.Reset = b.Stamps[0].Add(window).Sub(now)
		if r.Reset < 0 {
			r.Reset = 0
		}
	}
	return r
}

// MemoryWindow is an in-process Window. Buckets are created lazily and dropped
// once every timestamp in them has aged out.
type MemoryWindow struct {
	// Now is the clock; tests may replace it before first use.
	Now func() time.Time

	mu      sync.Mutex
	buckets map[string]*Bucket
	checks  int
}

var _ Window = (*MemoryWindow)(nil)

// NewMemoryWindow returns an empty in-memory window store.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{
		Now:     time.Now,
		buckets: make(map[string]*Bucket),
	}
}

// Check implements the recording query: drop stale timestamps, append now,
// compare the resulting count with limit.
func (w *MemoryWindow) Check(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.Now()
	b := w.bucket(key)
	b.prune(now, window)
	b.Stamps = append(b.Stamps, now)

	res := b.result(now, limit, window)
	res.Limited = len(b.Stamps) > limit
	w.sweep(now)
	return res, nil
}

// Take admits the attempt only while fewer than limit timestamps are retained.
func (w *MemoryWindow) Take(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.Now()
	b := w.bucket(key)
	b.prune(now, window)
	if len(b.Stamps) >= limit {
		res := b.result(now, limit, window)
		res.Limited = true
		return res, nil
	}
	b.Stamps = append(b.Stamps, now)
	res := b.result(now, limit, window)
	w.sweep(now)
	return res, nil
}

// Refund removes the newest timestamp of key.
func (w *MemoryWindow) Refund(_ context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok := w.buckets[key]; ok && len(b.Stamps) > 0 {
		b.Stamps = b.Stamps[:len(b.Stamps)-1]
	}
	return nil
}

// Snapshot returns a copy of the key's bucket, or nil when the key is unknown.
func (w *MemoryWindow) Snapshot(key string) *Bucket {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.buckets[key]
	if !ok {
		return nil
	}
	cp := &Bucket{Key: b.Key, Stamps: make([]time.Time, len(b.Stamps)), window: b.window}
	copy(cp.Stamps, b.Stamps)
	return cp
}

// Must be called with the lock held.
func (w *MemoryWindow) bucket(key string) *Bucket {
	if w.buckets == nil {
		w.buckets = make(map[string]*Bucket)
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	b, ok := w.buckets[key]
	if !ok {
		b = &Bucket{Key: key}
		w.buckets[key] = b
	}
	return b
}

const sweepEvery = 1024

// sweep drops fully aged-out buckets every sweepEvery checks. Must be called
// with the lock held.
func (w *MemoryWindow) sweep(now time.Time) {
	w.checks++
	if w.checks%sweepEvery != 0 {
		return
	}
	for k, b := range w.buckets {
		if len(b.Stamps) == 0 || !b.Stamps[len(b.Stamps)-1].After(now.Add(-b.window)) {
			delete(w.buckets, k)
		}
	}
}
