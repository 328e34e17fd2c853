// Package outbox implements the durable, ordered queue of local mutations
// awaiting application to the remote planner store.
//
// Entries are appended on every local mutation with no deduplication;
// compaction happens lazily before a flush and collapses superseded
// operations per coalescing key. Compaction is a space/traffic optimization
// only: it must never change the final remote state reached by a full,
// successful flush, only the number of remote calls made to reach it.
package outbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/weekender-app/weekender/internal/persist"
	"github.com/weekender-app/weekender/internal/plan"
)

const persistKey = "outbox"

// StateSink receives observational sync-state updates derived from queue
// membership. Implemented by the event store.
type StateSink interface {
	SetSyncState(entityID string, st plan.SyncState)
}

// nopSink is used when no sink is wired (tests, CLI inspection).
type nopSink struct{}

func (nopSink) SetSyncState(string, plan.SyncState) {}

// Outbox is the pending-operation queue. Insertion order is preserved
// except where compaction collapses entries.
//
// Thread-safety: all methods are safe for concurrent use.
type Outbox struct {
	mu      sync.Mutex
	ops     []plan.PendingOp
	persist persist.Store
	sink    StateSink
}

// Open loads the queue from persistence. Missing state yields an empty
// queue.
func Open(p persist.Store, sink StateSink) (*Outbox, error) {
	if sink == nil {
		sink = nopSink{}
	}
	o := &Outbox{persist: p, sink: sink}
	var ops []plan.PendingOp
	if _, err := p.Load(persistKey, &ops); err != nil {
		return nil, fmt.Errorf("outbox: load: %w", err)
	}
	o.ops = ops
	// Entities with queued work resume in pending state after a restart.
	for _, op := range ops {
		st := plan.SyncPending
		if op.Attempts > 0 {
			st = plan.SyncRetrying
		}
		sink.SetSyncState(op.EntityID, st)
	}
	return o, nil
}

// Enqueue appends an operation, marks its entity pending, and persists
// immediately. No deduplication happens here; see Compact.
func (o *Outbox) Enqueue(op plan.PendingOp) error {
	if op.ID == "" {
		return fmt.Errorf("outbox: operation id is required")
	}
	o.mu.Lock()
	o.ops = append(o.ops, op)
	err := o.saveLocked()
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.sink.SetSyncState(op.EntityID, plan.SyncPending)
	return nil
}

// Compact collapses the queue by coalescing key. For each key only the most
// recently enqueued operation survives, at the position of that latest
// occurrence: relative order with non-coalesced operations is preserved,
// and a superseded-then-reissued operation moves later in the list.
// Operations without a coalescing key pass through unchanged.
func (o *Outbox) Compact() {
	o.mu.Lock()
	defer o.mu.Unlock()

	latest := map[string]int{} // coalescing key -> index of last occurrence
	for i, op := range o.ops {
		if key := op.CoalesceKey(); key != "" {
			latest[key] = i
		}
	}

	compacted := o.ops[:0]
	for i, op := range o.ops {
		key := op.CoalesceKey()
		if key != "" && latest[key] != i {
			continue
		}
		compacted = append(compacted, op)
	}
	if len(compacted) == len(o.ops) {
		return
	}
	o.ops = append([]plan.PendingOp(nil), compacted...)
	_ = o.saveLocked()
}

// Due returns snapshots of every operation whose next-eligible-attempt time
// is at or before now, in queue order.
func (o *Outbox) Due(now time.Time) []plan.PendingOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	var due []plan.PendingOp
	for _, op := range o.ops {
		if !op.NextAttemptAt.After(now) {
			due = append(due, op)
		}
	}
	return due
}

// Complete removes a successfully applied operation. The entity moves to
// synced once no other queued operation targets it.
func (o *Outbox) Complete(opID string) {
	o.mu.Lock()
	var entity string
	for i, op := range o.ops {
		if op.ID == opID {
			entity = op.EntityID
			o.ops = append(o.ops[:i], o.ops[i+1:]...)
			break
		}
	}
	remaining := false
	for _, op := range o.ops {
		if op.EntityID == entity {
			remaining = true
			break
		}
	}
	_ = o.saveLocked()
	o.mu.Unlock()
	if entity != "" && !remaining {
		o.sink.SetSyncState(entity, plan.SyncSynced)
	}
}

// Fail records a failed attempt: the attempt counter increments, the
// operation becomes eligible again at next, and the entity reads as
// retrying. The operation stays queued.
func (o *Outbox) Fail(opID string, next time.Time) {
	o.mu.Lock()
	var entity string
	for i := range o.ops {
		if o.ops[i].ID == opID {
			o.ops[i].Attempts++
			o.ops[i].NextAttemptAt = next
			entity = o.ops[i].EntityID
			break
		}
	}
	_ = o.saveLocked()
	o.mu.Unlock()
	if entity != "" {
		o.sink.SetSyncState(entity, plan.SyncRetrying)
	}
}

// Attempts returns the attempt count of a queued operation, or -1 if the
// operation is no longer queued.
func (o *Outbox) Attempts(opID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, op := range o.ops {
		if op.ID == opID {
			return op.Attempts
		}
	}
	return -1
}

// Depth returns the number of queued operations.
func (o *Outbox) Depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ops)
}

// Snapshot returns a copy of the queue in order.
func (o *Outbox) Snapshot() []plan.PendingOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]plan.PendingOp(nil), o.ops...)
}

func (o *Outbox) saveLocked() error {
	if err := o.persist.Save(persistKey, o.ops, persist.Immediate); err != nil {
		return fmt.Errorf("outbox: persist: %w", err)
	}
	return nil
}
