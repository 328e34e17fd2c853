// Package testutil provides deterministic test doubles for the sync core:
// a manually advanced clock and a fixed identifier sequence.
package testutil

import (
	"sync"
	"time"
)

// ManualClock is a thread-safe clock that only moves when told to.
//
// Components in this codebase take a `now func() time.Time`; tests pass
// clock.Now and advance time explicitly, which makes debounce windows,
// backoff schedules and echo-suppression TTLs fully deterministic.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current frozen instant.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative durations are not allowed;
// the clock is monotonic by construction.
func (c *ManualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("testutil: ManualClock cannot move backwards")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t. Panics if t is earlier than the current instant.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.now) {
		panic("testutil: ManualClock cannot move backwards")
	}
	c.now = t
}
