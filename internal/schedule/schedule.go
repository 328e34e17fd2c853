// Package schedule provides the trigger plumbing between user actions and
// the sync/reconcile passes: per-key debounced triggers with an immediate
// bypass, a rate throttle for noisy trigger sources, and a periodic
// safety-net tick that fires regardless of other triggers.
package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultDebounce is the coalescing window for debounced triggers.
const DefaultDebounce = 250 * time.Millisecond

// Debouncer coalesces bursts of triggers per key: only the last trigger in
// a window fires, after the window elapses. TriggerNow bypasses the window
// for cases that must not wait (app backgrounding, explicit retry, first
// load).
//
// Thread-safety: all methods are safe for concurrent use. Debounced
// callbacks run on timer goroutines; TriggerNow runs its callback on the
// calling goroutine.
type Debouncer struct {
	window time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewDebouncer creates a Debouncer. A zero or negative window falls back to
// DefaultDebounce.
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Debouncer{window: window, timers: map[string]*time.Timer{}}
}

// Trigger schedules fn to run after the debounce window. A later trigger
// for the same key replaces fn and restarts the window.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		delete(d.timers, key)
		closed := d.closed
		d.mu.Unlock()
		if !closed {
			fn()
		}
	})
}

// TriggerNow cancels any pending trigger for the key and runs fn
// immediately on the calling goroutine.
func (d *Debouncer) TriggerNow(key string, fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()
	fn()
}

// Cancel drops any pending trigger for the key.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()
}

// Close cancels all pending triggers. Further triggers are ignored.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()
}

// Throttle admits at most one call per interval. Used to keep foreground
// and calendar-change triggers from stampeding the reconciler.
//
// Thread-safety: safe for concurrent use.
type Throttle struct {
	every time.Duration
	now   func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewThrottle creates a Throttle admitting one call per every. A nil now
// falls back to time.Now.
func NewThrottle(every time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{every: every, now: now}
}

// Allow reports whether a call is admitted, consuming the slot if so.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.every {
		return false
	}
	t.last = now
	return true
}

// DefaultSafetyInterval is how often the safety tick fires.
const DefaultSafetyInterval = 60 * time.Second

// SafetyTick periodically invokes a callback independent of all other
// triggers, so a missed or dropped trigger can only delay work, never
// strand it.
type SafetyTick struct {
	cron *cron.Cron
}

// NewSafetyTick starts a tick firing fn every interval. A zero or negative
// interval falls back to DefaultSafetyInterval.
func NewSafetyTick(interval time.Duration, fn func()) (*SafetyTick, error) {
	if interval <= 0 {
		interval = DefaultSafetyInterval
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), fn); err != nil {
		return nil, fmt.Errorf("schedule: safety tick: %w", err)
	}
	c.Start()
	return &SafetyTick{cron: c}, nil
}

// Stop halts the tick. Running callbacks finish before Stop returns.
func (s *SafetyTick) Stop() {
	<-s.cron.Stop().Done()
}
