// Package reconcile implements the calendar import reconciler: it pulls
// events from external calendar sources, matches them against linked local
// events through fingerprints, merges external changes, pushes local
// changes back where permitted, and flags conflicts it cannot resolve.
//
// A pass never partially applies a failed fetch: the fetch for all sources
// completes before any local state is touched. Per-event write-back
// failures degrade to "try again next trigger".
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/weekender-app/weekender/internal/calendar"
	"github.com/weekender-app/weekender/internal/outbox"
	"github.com/weekender-app/weekender/internal/plan"
	"github.com/weekender-app/weekender/internal/store"
)

// Trigger identifies what started a reconciliation pass. Explicit user
// requests always run the sweep, even when the fetch returned nothing.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerUser      Trigger = "user"
)

// Source is one configured external calendar.
type Source struct {
	ID string
	// Writable permits write-back of local edits.
	Writable bool
	// Informational marks the whole calendar as read-only context.
	Informational bool
}

// Window bounds the fetch range around the current instant.
type Window struct {
	DaysPast   int
	DaysFuture int
}

// Config wires a Reconciler's collaborators.
type Config struct {
	Store    *store.Store
	Outbox   *outbox.Outbox
	Provider calendar.Provider
	Sources  []Source
	IDs      plan.IDGenerator
	Echo     *EchoLedger
	Window   Window
	// Location is the user's timezone for period and slot computation.
	// Defaults to time.Local.
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time
}

// Stats summarizes one reconciliation pass.
type Stats struct {
	// Skipped is true when the pass was dropped because another was running.
	Skipped bool
	// Fetched counts external event instances returned by the sources.
	Fetched int
	// Imported counts new local events created from external ones.
	Imported int
	// Matched counts external events attached to pre-existing local events
	// by fingerprint de-duplication.
	Matched int
	// Merged counts external changes merged into local events.
	Merged int
	// Pushed counts local changes written back to the external calendar.
	Pushed int
	// Echoes counts source changes recognized as the app's own writes.
	Echoes int
	// Conflicts counts events newly flagged conflict-pending.
	Conflicts int
	// Swept counts local events deleted because their source disappeared.
	Swept int
}

// Reconciler runs the import/merge/sweep pass.
//
// Thread-safety: Run is guarded by a non-blocking single-flight flag;
// overlapping triggers are dropped.
type Reconciler struct {
	store    *store.Store
	outbox   *outbox.Outbox
	provider calendar.Provider
	sources  map[string]Source
	order    []string
	ids      plan.IDGenerator
	echo     *EchoLedger
	window   Window
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time

	inFlight atomic.Bool
}

// New constructs a Reconciler. Store, Outbox, Provider, IDs and at least
// one source are required.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil || cfg.Outbox == nil || cfg.Provider == nil || cfg.IDs == nil {
		return nil, fmt.Errorf("reconcile: store, outbox, provider and ids are required")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("reconcile: at least one source is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	echo := cfg.Echo
	if echo == nil {
		echo = NewEchoLedger(DefaultEchoTTL, now)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.Window
	if window.DaysPast <= 0 {
		window.DaysPast = 7
	}
	if window.DaysFuture <= 0 {
		window.DaysFuture = 60
	}
	r := &Reconciler{
		store:    cfg.Store,
		outbox:   cfg.Outbox,
		provider: cfg.Provider,
		sources:  map[string]Source{},
		ids:      cfg.IDs,
		echo:     echo,
		window:   window,
		loc:      loc,
		logger:   logger,
		now:      now,
	}
	for _, src := range cfg.Sources {
		if src.ID == "" {
			return nil, fmt.Errorf("reconcile: source id is required")
		}
		if _, dup := r.sources[src.ID]; dup {
			return nil, fmt.Errorf("reconcile: duplicate source %q", src.ID)
		}
		r.sources[src.ID] = src
		r.order = append(r.order, src.ID)
	}
	return r, nil
}

// Echo exposes the ledger so the planner can record pushes it performs
// outside a reconciliation pass.
func (r *Reconciler) Echo() *EchoLedger { return r.echo }

// Run executes one reconciliation pass. A fetch failure aborts the pass
// before any local state is mutated.
func (r *Reconciler) Run(ctx context.Context, trigger Trigger) (Stats, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return Stats{Skipped: true}, nil
	}
	defer r.inFlight.Store(false)

	now := r.now()
	from := now.AddDate(0, 0, -r.window.DaysPast)
	to := now.AddDate(0, 0, r.window.DaysFuture)

	fetched, err := r.provider.Events(ctx, r.order, from, to)
	if err != nil {
		r.logger.Warn("reconciliation fetch failed", "err", err)
		return Stats{}, fmt.Errorf("reconcile: fetch: %w", err)
	}

	stats := Stats{Fetched: len(fetched)}
	observed := map[plan.SourceKey]bool{}
	for _, ext := range fetched {
		key := plan.SourceKey{CalendarID: ext.CalendarID, EventID: ext.ID}
		observed[key] = true
		r.processEvent(ctx, ext, key, now, &stats)
	}

	if len(fetched) > 0 || trigger == TriggerUser {
		r.sweep(observed, from, to, now, &stats)
	}

	r.logger.Info("reconciliation pass finished",
		"trigger", string(trigger), "fetched", stats.Fetched,
		"imported", stats.Imported, "merged", stats.Merged,
		"pushed", stats.Pushed, "conflicts", stats.Conflicts,
		"swept", stats.Swept)
	return stats, nil
}

func (r *Reconciler) processEvent(ctx context.Context, ext calendar.Event, key plan.SourceKey, now time.Time, stats *Stats) {
	src := r.sources[ext.CalendarID]
	draft, ok := r.draft(ext)
	if !ok {
		// The event touches no weekend slot.
		return
	}
	if r.store.IsDismissed(key) {
		return
	}

	link, linked := r.store.LinkBySource(key)
	if linked {
		local, exists := r.store.Get(link.LocalID)
		if !exists || local.Deleted {
			// Stale link: the local event is gone. Outbound propagation of
			// the deletion is the outbox's business, not this pass's.
			r.store.DeleteLink(link.LocalID)
			return
		}
		r.reconcileLinked(ctx, link, local, draft, now, stats)
		return
	}

	srcFP := plan.Fingerprint(draft)
	// De-duplicate against an independently created local plan with the
	// same schedule before creating a copy.
	for _, candidate := range r.store.ByPeriod(draft.Period) {
		if _, hasLink := r.store.LinkByLocal(candidate.ID); hasLink {
			continue
		}
		if plan.Fingerprint(candidate) != srcFP {
			continue
		}
		if err := r.store.SetLink(plan.Link{
			LocalID:         candidate.ID,
			Source:          key,
			LastFingerprint: srcFP,
			Writable:        src.Writable,
			Informational:   Informational(ext.Title, src.Informational),
		}); err == nil {
			stats.Matched++
			return
		}
	}

	local := draft
	local.ID = r.ids.NewID()
	local.CreatedAt = now
	local.UpdatedAt = now
	r.store.Upsert(local)
	if err := r.store.SetLink(plan.Link{
		LocalID:         local.ID,
		Source:          key,
		LastFingerprint: srcFP,
		Writable:        src.Writable,
		Informational:   Informational(ext.Title, src.Informational),
	}); err != nil {
		r.logger.Warn("link creation failed", "source", key.String(), "err", err)
	}
	r.enqueue(plan.PendingOp{Kind: plan.OpUpsertEvent, EntityID: local.ID, Event: &local})
	stats.Imported++
}

// reconcileLinked applies the three-way fingerprint comparison between the
// fetched source state, the link's last-synced fingerprint, and the current
// local event.
func (r *Reconciler) reconcileLinked(ctx context.Context, link plan.Link, local, draft plan.Event, now time.Time, stats *Stats) {
	srcFP := plan.Fingerprint(draft)
	localFP := plan.Fingerprint(local)
	key := link.Source

	switch {
	case srcFP == link.LastFingerprint && localFP == link.LastFingerprint:
		// Fully synchronized; any earlier divergence has resolved.
		r.store.ClearConflict(local.ID)

	case srcFP == link.LastFingerprint:
		// Local changed, source did not.
		if link.Writable && !link.Informational {
			r.push(ctx, link, local, localFP, stats)
			return
		}
		r.store.MarkConflictPending(local.ID)
		stats.Conflicts++

	case srcFP == localFP:
		// Source and local now agree even though the link is behind: either
		// an echo of our own push or a convergent edit. Both resolve by
		// advancing the stored fingerprint.
		link.LastFingerprint = srcFP
		if err := r.store.SetLink(link); err != nil {
			r.logger.Warn("link update failed", "source", key.String(), "err", err)
			return
		}
		r.store.ClearConflict(local.ID)
		if r.echo.Active(key) {
			stats.Echoes++
		}

	case localFP == link.LastFingerprint:
		// Source changed, local did not: merge the source's schedule in.
		if r.echo.Active(key) {
			// Inside the suppression window but the fingerprints do not
			// match our own push; a genuine external edit raced it. Leave
			// it for the next pass once the window lapses.
			stats.Echoes++
			return
		}
		merged := local.Clone()
		merged.Title = draft.Title
		merged.Period = draft.Period
		merged.Days = draft.Days
		merged.StartTime = draft.StartTime
		merged.EndTime = draft.EndTime
		merged.StartsAt = draft.StartsAt
		merged.EndsAt = draft.EndsAt
		merged.AllDay = draft.AllDay
		merged.UpdatedAt = now
		r.store.Upsert(merged)
		link.LastFingerprint = srcFP
		if err := r.store.SetLink(link); err != nil {
			r.logger.Warn("link update failed", "source", key.String(), "err", err)
		}
		r.store.ClearConflict(merged.ID)
		r.enqueue(plan.PendingOp{Kind: plan.OpUpsertEvent, EntityID: merged.ID, Event: &merged})
		stats.Merged++

	default:
		// Both sides diverged in different directions: no automatic merge
		// in either direction.
		r.store.MarkConflictPending(local.ID)
		stats.Conflicts++
	}
}

// push writes the local event's schedule back to its external calendar
// event, then records an echo-suppression entry so the next pass does not
// reinterpret the write as an external change.
func (r *Reconciler) push(ctx context.Context, link plan.Link, local plan.Event, localFP string, stats *Stats) {
	err := r.provider.Update(ctx, calendar.Event{
		ID:         link.Source.EventID,
		CalendarID: link.Source.CalendarID,
		Title:      local.Title,
		Start:      local.StartsAt,
		End:        local.EndsAt,
		AllDay:     local.AllDay,
	})
	if err != nil {
		r.logger.Warn("write-back failed", "source", link.Source.String(), "err", err)
		return
	}
	link.LastFingerprint = localFP
	if err := r.store.SetLink(link); err != nil {
		r.logger.Warn("link update failed", "source", link.Source.String(), "err", err)
		return
	}
	r.echo.Record(link.Source)
	r.store.ClearConflict(local.ID)
	stats.Pushed++
}

// sweep handles links whose source was absent from the fetch: the external
// event is presumed deleted. Unedited local events are deleted with an
// outbound delete; locally edited ones are preserved and flagged instead.
func (r *Reconciler) sweep(observed map[plan.SourceKey]bool, from, to, now time.Time, stats *Stats) {
	for _, link := range r.store.Links() {
		if _, configured := r.sources[link.Source.CalendarID]; !configured {
			continue
		}
		if observed[link.Source] {
			continue
		}
		local, exists := r.store.Get(link.LocalID)
		if !exists || local.Deleted {
			r.store.DeleteLink(link.LocalID)
			continue
		}
		// Events outside the fetch window were never candidates to be
		// observed; absence proves nothing about them.
		if !local.StartsAt.Before(to) || !local.EndsAt.After(from) {
			continue
		}
		if plan.Fingerprint(local) == link.LastFingerprint {
			r.store.Tombstone(local.ID)
			r.store.DeleteLink(local.ID)
			r.enqueue(plan.PendingOp{Kind: plan.OpDeleteEvent, EntityID: local.ID})
			stats.Swept++
			continue
		}
		r.store.MarkConflictPending(local.ID)
		stats.Conflicts++
	}
}

func (r *Reconciler) enqueue(op plan.PendingOp) {
	op.ID = r.ids.NewID()
	op.CreatedAt = r.now()
	if err := r.outbox.Enqueue(op); err != nil {
		r.logger.Warn("outbox enqueue failed", "kind", string(op.Kind), "entity", op.EntityID, "err", err)
	}
}

// draft computes the local representation of an external event: its period,
// the day slots its span intersects, and normalized schedule fields. The
// second result is false when the event touches no weekend slot.
func (r *Reconciler) draft(ext calendar.Event) (plan.Event, bool) {
	start := ext.Start.In(r.loc)
	end := ext.End.In(r.loc)
	if !end.After(start) {
		end = start.Add(time.Minute)
	}

	period := plan.PeriodKeyFor(start)
	bounds, boundsEnd, err := plan.PeriodBounds(period, r.loc)
	if err != nil {
		return plan.Event{}, false
	}

	var slots []plan.DaySlot
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, r.loc)
	if day.Before(bounds) {
		day = bounds
	}
	for ; day.Before(boundsEnd) && day.Before(end); day = day.AddDate(0, 0, 1) {
		if !day.AddDate(0, 0, 1).After(start) {
			continue
		}
		if slot, ok := plan.SlotForTime(period, day, r.loc); ok {
			slots = append(slots, slot)
		}
	}
	if len(slots) == 0 {
		return plan.Event{}, false
	}

	e := plan.Event{
		Title:              ext.Title,
		Period:             period,
		Days:               plan.SortSlots(slots),
		StartsAt:           ext.Start,
		EndsAt:             ext.End,
		AllDay:             ext.AllDay,
		Status:             plan.StatusPlanned,
		ExternalCalendarID: ext.CalendarID,
	}
	if !ext.AllDay {
		e.StartTime = start.Format("15:04")
		e.EndTime = end.Format("15:04")
	}
	return e, true
}
