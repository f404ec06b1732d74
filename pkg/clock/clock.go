// Package clock implements the hybrid-logical clock and per-partition
// safe-time watermark the coordinator stamps commands with and waits on
// before serving reads (spec §3, §4.9).
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/distrikv/partd/pkg/types"
)

// HybridClock produces monotonically increasing timestamps combining
// wall-clock physical time with a logical tie-breaker, and can be advanced
// past a timestamp observed from a peer (the usual HLC update rule).
type HybridClock struct {
	mu       sync.Mutex
	current  types.HybridTimestamp
	nowFn    func() time.Time
}

// New creates a clock using wall-clock time as its physical source.
func New() *HybridClock {
	return &HybridClock{nowFn: time.Now}
}

// NewWithSource is exported for tests that need a controllable physical
// time source.
func NewWithSource(nowFn func() time.Time) *HybridClock {
	return &HybridClock{nowFn: nowFn}
}

// Now returns a fresh timestamp strictly greater than any previously
// returned or observed value.
func (c *HybridClock) Now() types.HybridTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.nowFn().UnixMilli()
	if phys > c.current.Physical {
		c.current = types.HybridTimestamp{Physical: phys}
	} else {
		c.current.Logical++
	}
	return c.current
}

// Update advances the clock so it is guaranteed to produce timestamps
// strictly after the given one (observed from a replicated command or a
// peer request).
func (c *HybridClock) Update(observed types.HybridTimestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.nowFn().UnixMilli()
	switch {
	case observed.Physical >= phys && observed.Physical > c.current.Physical:
		c.current = types.HybridTimestamp{Physical: observed.Physical, Logical: observed.Logical + 1}
	case observed.Physical == c.current.Physical && observed.Logical >= c.current.Logical:
		c.current.Logical = observed.Logical + 1
	case phys > c.current.Physical:
		c.current = types.HybridTimestamp{Physical: phys}
	default:
		c.current.Logical++
	}
}

// SafeTimeTracker is a monotone, per-partition watermark: readers at
// timestamp t block in Wait until the watermark reaches t (spec §3
// invariant 3, §4.9).
type SafeTimeTracker struct {
	mu      sync.Mutex
	current types.HybridTimestamp
	waiters []waiter
}

type waiter struct {
	target types.HybridTimestamp
	done   chan struct{}
}

// NewSafeTimeTracker creates a tracker starting at the zero timestamp.
func NewSafeTimeTracker() *SafeTimeTracker {
	return &SafeTimeTracker{}
}

// Current returns the current watermark.
func (t *SafeTimeTracker) Current() types.HybridTimestamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Advance moves the watermark forward. Advancing to a timestamp at or
// before the current watermark is a no-op — the watermark never regresses
// (spec §3 invariant 3).
func (t *SafeTimeTracker) Advance(to types.HybridTimestamp) {
	t.mu.Lock()
	if to.Compare(t.current) <= 0 {
		t.mu.Unlock()
		return
	}
	t.current = to

	var ready []waiter
	remaining := t.waiters[:0]
	for _, w := range t.waiters {
		if w.target.Compare(t.current) <= 0 {
			ready = append(ready, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	t.waiters = remaining
	t.mu.Unlock()

	for _, w := range ready {
		close(w.done)
	}
}

// Wait blocks until the watermark reaches at least target, or ctx is done.
func (t *SafeTimeTracker) Wait(ctx context.Context, target types.HybridTimestamp) error {
	t.mu.Lock()
	if target.Compare(t.current) <= 0 {
		t.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	t.waiters = append(t.waiters, waiter{target: target, done: done})
	t.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
