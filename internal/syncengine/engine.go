// Package syncengine replays outbox entries against the remote planner
// store, applying last-write-wins conflict resolution and capped
// exponential backoff on failure.
//
// Failures are recovered locally and only summarized (last error message)
// to the user; they are never fatal to the process.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weekender-app/weekender/internal/outbox"
	"github.com/weekender-app/weekender/internal/plan"
	"github.com/weekender-app/weekender/internal/remote"
	"github.com/weekender-app/weekender/internal/store"
)

const (
	// backoffBase is the delay after the first failure; each further
	// failure doubles it up to backoffCap.
	backoffBase = 15 * time.Second
	backoffCap  = time.Hour
)

// backoffDelay returns the retry delay after a failure, given the attempt
// count before the failing attempt: 15s, 30s, 60s, ... capped at one hour.
func backoffDelay(priorAttempts int) time.Duration {
	delay := backoffBase
	for i := 0; i < priorAttempts; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	return delay
}

// Config wires an Engine's collaborators.
type Config struct {
	Store  *store.Store
	Outbox *outbox.Outbox
	Remote remote.Store
	// Owner is the account every remote operation is scoped to.
	Owner  string
	Logger *slog.Logger
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Stats summarizes one flush pass.
type Stats struct {
	// Skipped is true when the pass was dropped because another flush was
	// already in progress.
	Skipped bool
	// Attempted counts operations that were due and tried.
	Attempted int
	// Applied counts operations removed from the queue, including those
	// resolved by remote-wins.
	Applied int
	// RemoteWins counts upserts skipped because the remote copy was newer.
	RemoteWins int
	// Failed counts operations left queued for retry.
	Failed int
}

// Engine drains due outbox entries to the remote store.
//
// Thread-safety: Flush is guarded by a non-blocking single-flight flag; a
// call arriving while a flush runs is dropped, not queued — the next
// trigger re-attempts.
type Engine struct {
	store  *store.Store
	outbox *outbox.Outbox
	remote remote.Store
	owner  string
	logger *slog.Logger
	now    func() time.Time

	inFlight atomic.Bool

	mu      sync.Mutex
	lastErr string
}

// New constructs an Engine. Store, Outbox and Remote are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Outbox == nil || cfg.Remote == nil {
		return nil, fmt.Errorf("syncengine: store, outbox and remote are required")
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("syncengine: owner is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:  cfg.Store,
		outbox: cfg.Outbox,
		remote: cfg.Remote,
		owner:  cfg.Owner,
		logger: logger,
		now:    now,
	}, nil
}

// LastError returns the most recent flush failure message, or "" after a
// clean pass. Purely informational.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Flush compacts the queue and attempts every operation whose
// next-eligible-attempt time is at or before now.
//
// Success removes the operation; failure increments its attempt count and
// reschedules it under capped exponential backoff. One operation's failure
// never blocks the rest of the batch. Operations not yet due are left
// untouched for the next pass.
func (e *Engine) Flush(ctx context.Context) Stats {
	if !e.inFlight.CompareAndSwap(false, true) {
		return Stats{Skipped: true}
	}
	defer e.inFlight.Store(false)

	e.outbox.Compact()
	now := e.now()
	due := e.outbox.Due(now)
	stats := Stats{}
	var lastErr string

	for _, op := range due {
		if ctx.Err() != nil {
			// Cooperative cancellation: remaining entries stay queued.
			break
		}
		stats.Attempted++
		remoteWin, err := e.apply(ctx, op)
		if err != nil {
			stats.Failed++
			lastErr = err.Error()
			e.outbox.Fail(op.ID, now.Add(backoffDelay(op.Attempts)))
			e.logger.Warn("sync operation failed",
				"op", op.ID, "kind", string(op.Kind), "entity", op.EntityID,
				"attempts", op.Attempts+1, "err", err)
			continue
		}
		stats.Applied++
		if remoteWin {
			stats.RemoteWins++
		}
		e.outbox.Complete(op.ID)
	}

	e.mu.Lock()
	e.lastErr = lastErr
	e.mu.Unlock()

	if stats.Attempted > 0 {
		e.logger.Info("flush pass finished",
			"attempted", stats.Attempted, "applied", stats.Applied,
			"failed", stats.Failed, "remote_wins", stats.RemoteWins)
	}
	return stats
}

// apply performs one remote operation. The bool result reports an upsert
// resolved by remote-wins.
func (e *Engine) apply(ctx context.Context, op plan.PendingOp) (bool, error) {
	switch op.Kind {
	case plan.OpUpsertEvent:
		return e.applyUpsert(ctx, op)
	case plan.OpDeleteEvent:
		// Tombstones are a local concept; remote deletion is hard and
		// unconditional by id and owner.
		return false, e.remote.DeleteEvent(ctx, e.owner, op.EntityID)
	case plan.OpSetProtection:
		if op.Protection == nil {
			return false, fmt.Errorf("set-protection op %s has no payload", op.ID)
		}
		return false, e.remote.SetProtection(ctx, e.owner, *op.Protection)
	case plan.OpAppendAudit:
		if op.Audit == nil {
			return false, fmt.Errorf("append-audit op %s has no payload", op.ID)
		}
		return false, e.remote.AppendAudit(ctx, e.owner, *op.Audit)
	default:
		return false, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (e *Engine) applyUpsert(ctx context.Context, op plan.PendingOp) (bool, error) {
	if op.Event == nil {
		return false, fmt.Errorf("upsert op %s has no snapshot", op.ID)
	}
	current, exists, err := e.remote.GetEvent(ctx, e.owner, op.EntityID)
	if err != nil {
		return false, err
	}
	if exists && current.UpdatedAt.After(op.Event.UpdatedAt) {
		// Last-write-wins by update timestamp: the remote copy is strictly
		// newer, so this snapshot is discarded without merging.
		e.logger.Debug("remote copy newer; skipping upsert",
			"entity", op.EntityID,
			"remote_updated", current.UpdatedAt, "local_updated", op.Event.UpdatedAt)
		return true, nil
	}
	if exists {
		return false, e.remote.UpdateEvent(ctx, e.owner, *op.Event)
	}
	return false, e.remote.InsertEvent(ctx, e.owner, *op.Event)
}
