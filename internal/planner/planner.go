// Package planner is the embedding surface of the sync core: it wires the
// event store, outbox, sync engine, reconciler and trigger plumbing into
// one dependency-injected facade, and exposes the user-level mutations.
//
// Every mutation follows the same optimistic path: validate, apply to the
// local store, append the outbound operation plus an audit record to the
// outbox, then schedule a flush. Remote application happens later and
// never blocks the caller.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weekender-app/weekender/internal/outbox"
	"github.com/weekender-app/weekender/internal/plan"
	"github.com/weekender-app/weekender/internal/reconcile"
	"github.com/weekender-app/weekender/internal/schedule"
	"github.com/weekender-app/weekender/internal/store"
	"github.com/weekender-app/weekender/internal/syncengine"
)

// Debounce keys. Flush and reconcile coalesce independently.
const (
	keyFlush     = "flush"
	keyReconcile = "reconcile"
)

// Options wires a Planner's collaborators. Store, Outbox, Engine,
// Reconciler and IDs are required.
type Options struct {
	Store      *store.Store
	Outbox     *outbox.Outbox
	Engine     *syncengine.Engine
	Reconciler *reconcile.Reconciler
	IDs        plan.IDGenerator

	// Actor names the user in audit records.
	Actor string

	// Debounce is the trigger coalescing window; zero uses the default.
	Debounce time.Duration
	// Throttle spaces reconcile triggers from noisy sources; zero uses 60s.
	Throttle time.Duration
	// SafetyTick is the period of the independent flush tick; zero
	// disables it (tests drive flushes explicitly).
	SafetyTick time.Duration

	// CalendarChanges, if set, is consumed as a stream of changed calendar
	// ids; each change schedules a throttled reconcile pass.
	CalendarChanges <-chan string

	Logger *slog.Logger
	Now    func() time.Time
}

// Planner is the facade the application embeds.
type Planner struct {
	store      *store.Store
	outbox     *outbox.Outbox
	engine     *syncengine.Engine
	reconciler *reconcile.Reconciler
	ids        plan.IDGenerator
	actor      string
	logger     *slog.Logger
	now        func() time.Time

	debounce *schedule.Debouncer
	throttle *schedule.Throttle
	tick     *schedule.SafetyTick

	closeOnce sync.Once
	done      chan struct{}
	// cleanup runs on Close, after the trigger plumbing stops.
	cleanup []func() error
}

// New constructs a Planner from pre-built collaborators.
func New(opts Options) (*Planner, error) {
	if opts.Store == nil || opts.Outbox == nil || opts.Engine == nil || opts.Reconciler == nil || opts.IDs == nil {
		return nil, fmt.Errorf("planner: store, outbox, engine, reconciler and ids are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	actor := opts.Actor
	if actor == "" {
		actor = "user"
	}
	throttleEvery := opts.Throttle
	if throttleEvery <= 0 {
		throttleEvery = 60 * time.Second
	}
	p := &Planner{
		store:      opts.Store,
		outbox:     opts.Outbox,
		engine:     opts.Engine,
		reconciler: opts.Reconciler,
		ids:        opts.IDs,
		actor:      actor,
		logger:     logger,
		now:        now,
		debounce:   schedule.NewDebouncer(opts.Debounce),
		throttle:   schedule.NewThrottle(throttleEvery, now),
		done:       make(chan struct{}),
	}
	if opts.SafetyTick > 0 {
		tick, err := schedule.NewSafetyTick(opts.SafetyTick, func() {
			p.engine.Flush(context.Background())
		})
		if err != nil {
			return nil, err
		}
		p.tick = tick
	}
	if opts.CalendarChanges != nil {
		go p.consumeCalendarChanges(opts.CalendarChanges)
	}
	return p, nil
}

// Store exposes the read API (queries, conflicts, overlaps, observers).
func (p *Planner) Store() *store.Store { return p.store }

// CreateEvent validates and stores a new event, queues its replication and
// an audit record, and schedules a flush. The returned event carries the
// assigned id and timestamps.
func (p *Planner) CreateEvent(e plan.Event) (plan.Event, error) {
	now := p.now()
	if e.ID == "" {
		e.ID = p.ids.NewID()
	}
	if e.Status == "" {
		e.Status = plan.StatusPlanned
	}
	e.Days = plan.SortSlots(e.Days)
	e.CreatedAt = now
	e.UpdatedAt = now
	if err := e.Validate(); err != nil {
		return plan.Event{}, err
	}
	p.store.Upsert(e)
	p.enqueueEvent(e, "event.create")
	p.scheduleFlush()
	return e, nil
}

// UpdateEvent replaces an existing event's fields.
func (p *Planner) UpdateEvent(e plan.Event) error {
	current, ok := p.store.Get(e.ID)
	if !ok || current.Deleted {
		return fmt.Errorf("planner: event %q not found", e.ID)
	}
	e.Days = plan.SortSlots(e.Days)
	e.CreatedAt = current.CreatedAt
	e.UpdatedAt = p.now()
	if err := e.Validate(); err != nil {
		return err
	}
	p.store.Upsert(e)
	p.enqueueEvent(e, "event.update")
	p.scheduleFlush()
	return nil
}

// CompleteEvent marks an event completed.
func (p *Planner) CompleteEvent(id string) error {
	return p.setStatus(id, plan.StatusCompleted, "event.complete")
}

// CancelEvent marks an event cancelled.
func (p *Planner) CancelEvent(id string) error {
	return p.setStatus(id, plan.StatusCancelled, "event.cancel")
}

func (p *Planner) setStatus(id string, status plan.Status, action string) error {
	e, ok := p.store.Get(id)
	if !ok || e.Deleted {
		return fmt.Errorf("planner: event %q not found", id)
	}
	now := p.now()
	e.Status = status
	e.UpdatedAt = now
	switch status {
	case plan.StatusCompleted:
		e.CompletedAt = &now
	case plan.StatusCancelled:
		e.CancelledAt = &now
	}
	p.store.Upsert(e)
	p.enqueueEvent(e, action)
	p.scheduleFlush()
	return nil
}

// DeleteEvent tombstones an event locally and queues the remote delete.
func (p *Planner) DeleteEvent(id string) error {
	if !p.store.Tombstone(id) {
		return fmt.Errorf("planner: event %q not found", id)
	}
	p.store.DeleteLink(id)
	p.enqueue(plan.PendingOp{Kind: plan.OpDeleteEvent, EntityID: id})
	p.audit("event.delete", id)
	p.scheduleFlush()
	return nil
}

// SetProtection toggles weekend protection for a (calendar, period) pair.
func (p *Planner) SetProtection(calendarID string, period plan.PeriodKey, protected bool) error {
	if _, _, err := plan.PeriodBounds(period, time.UTC); err != nil {
		return err
	}
	p.enqueue(plan.PendingOp{
		Kind:     plan.OpSetProtection,
		EntityID: calendarID,
		Protection: &plan.ProtectionChange{
			CalendarID: calendarID,
			Period:     period,
			Protected:  protected,
		},
	})
	p.audit("protection.set", calendarID)
	p.scheduleFlush()
	return nil
}

// AcknowledgeConflict moves a pending conflict to acknowledged.
func (p *Planner) AcknowledgeConflict(id string) bool {
	return p.store.AcknowledgeConflict(id)
}

// DismissInformational adds a source key to the dismissed set and removes
// its imported local event, if any. Later reconciliation passes skip the
// source entirely.
func (p *Planner) DismissInformational(key plan.SourceKey) {
	p.store.DismissSource(key)
	link, ok := p.store.LinkBySource(key)
	if !ok {
		return
	}
	if p.store.Tombstone(link.LocalID) {
		p.enqueue(plan.PendingOp{Kind: plan.OpDeleteEvent, EntityID: link.LocalID})
		p.audit("informational.dismiss", link.LocalID)
		p.scheduleFlush()
	}
	p.store.DeleteLink(link.LocalID)
}

// SyncNow runs a flush immediately, bypassing the debounce window.
func (p *Planner) SyncNow(ctx context.Context) syncengine.Stats {
	var stats syncengine.Stats
	p.debounce.TriggerNow(keyFlush, func() {
		stats = p.engine.Flush(ctx)
	})
	return stats
}

// Reconcile runs a reconciliation pass immediately, then flushes whatever
// the pass queued.
func (p *Planner) Reconcile(ctx context.Context, trigger reconcile.Trigger) (reconcile.Stats, error) {
	stats, err := p.reconciler.Run(ctx, trigger)
	if err != nil {
		return stats, err
	}
	p.scheduleFlush()
	return stats, nil
}

// Foreground signals that the app came to the foreground: a throttled
// reconcile pass plus an immediate flush attempt.
func (p *Planner) Foreground(ctx context.Context) {
	if p.throttle.Allow() {
		if _, err := p.reconciler.Run(ctx, reconcile.TriggerScheduled); err != nil {
			p.logger.Warn("foreground reconcile failed", "err", err)
		}
	}
	p.SyncNow(ctx)
}

// Status summarizes the core's health for operator surfaces.
type Status struct {
	OutboxDepth      int
	LastSyncError    string
	PendingConflicts []string
}

// Status reports the current outbox depth, last sync error and pending
// conflicts.
func (p *Planner) Status() Status {
	return Status{
		OutboxDepth:      p.outbox.Depth(),
		LastSyncError:    p.engine.LastError(),
		PendingConflicts: p.store.PendingConflicts(),
	}
}

// Close tears down the trigger plumbing: the safety tick stops, pending
// debounced triggers are cancelled, and attached cleanups run. Queued
// outbox entries survive for the next start.
func (p *Planner) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		if p.tick != nil {
			p.tick.Stop()
		}
		p.debounce.Close()
		for _, fn := range p.cleanup {
			if cerr := fn(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (p *Planner) consumeCalendarChanges(changes <-chan string) {
	for {
		select {
		case <-p.done:
			return
		case id, ok := <-changes:
			if !ok {
				return
			}
			if !p.throttle.Allow() {
				continue
			}
			p.debounce.Trigger(keyReconcile, func() {
				if _, err := p.reconciler.Run(context.Background(), reconcile.TriggerScheduled); err != nil {
					p.logger.Warn("calendar-change reconcile failed", "calendar", id, "err", err)
					return
				}
				p.scheduleFlush()
			})
		}
	}
}

func (p *Planner) scheduleFlush() {
	p.debounce.Trigger(keyFlush, func() {
		p.engine.Flush(context.Background())
	})
}

func (p *Planner) enqueueEvent(e plan.Event, action string) {
	p.enqueue(plan.PendingOp{Kind: plan.OpUpsertEvent, EntityID: e.ID, Event: &e})
	p.audit(action, e.ID)
}

func (p *Planner) enqueue(op plan.PendingOp) {
	op.ID = p.ids.NewID()
	op.CreatedAt = p.now()
	if err := p.outbox.Enqueue(op); err != nil {
		p.logger.Warn("outbox enqueue failed", "kind", string(op.Kind), "entity", op.EntityID, "err", err)
	}
}

func (p *Planner) audit(action, entityID string) {
	p.enqueue(plan.PendingOp{
		Kind:     plan.OpAppendAudit,
		EntityID: entityID,
		Audit: &plan.AuditRecord{
			ID:       p.ids.NewID(),
			Actor:    p.actor,
			Action:   action,
			EntityID: entityID,
			At:       p.now(),
		},
	})
}
