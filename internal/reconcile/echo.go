package reconcile

import (
	"sync"
	"time"

	"github.com/weekender-app/weekender/internal/plan"
)

// DefaultEchoTTL is how long a just-pushed write suppresses reinterpretation
// of the same source key as an external change.
const DefaultEchoTTL = 8 * time.Second

// EchoLedger remembers source keys the app recently wrote back to. A
// reconciliation pass inside the window treats the source's matching state
// as an echo of our own write rather than an independent edit.
//
// Thread-safety: all methods are safe for concurrent use.
type EchoLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	expires map[string]time.Time
}

// NewEchoLedger creates a ledger with the given suppression window. A zero
// or negative ttl falls back to DefaultEchoTTL; a nil now falls back to
// time.Now.
func NewEchoLedger(ttl time.Duration, now func() time.Time) *EchoLedger {
	if ttl <= 0 {
		ttl = DefaultEchoTTL
	}
	if now == nil {
		now = time.Now
	}
	return &EchoLedger{ttl: ttl, now: now, expires: map[string]time.Time{}}
}

// Record starts (or restarts) the suppression window for a source key.
func (l *EchoLedger) Record(key plan.SourceKey) {
	l.mu.Lock()
	l.expires[key.String()] = l.now().Add(l.ttl)
	l.mu.Unlock()
}

// Active reports whether the key is inside its suppression window, pruning
// expired entries as a side effect.
func (l *EchoLedger) Active(key plan.SourceKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, exp := range l.expires {
		if !exp.After(now) {
			delete(l.expires, k)
		}
	}
	return l.expires[key.String()].After(now)
}
