package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/weekender-app/weekender/internal/calendar"
	"github.com/weekender-app/weekender/internal/outbox"
	"github.com/weekender-app/weekender/internal/persist"
	"github.com/weekender-app/weekender/internal/plan"
	"github.com/weekender-app/weekender/internal/planner"
	"github.com/weekender-app/weekender/internal/reconcile"
	"github.com/weekender-app/weekender/internal/remote"
	"github.com/weekender-app/weekender/internal/store"
	"github.com/weekender-app/weekender/internal/syncengine"
	"github.com/weekender-app/weekender/internal/testutil"
)

// defaultStart is a Monday morning; the following weekend is 2024-06-08.
const defaultStart = "2024-06-03T08:00:00Z"

// runner holds one scenario's collaborators.
type runner struct {
	planner  *planner.Planner
	store    *store.Store
	outbox   *outbox.Outbox
	remote   *remote.Memory
	provider *calendar.Memory
	clock    *testutil.ManualClock
	owner    string
	cals     []string

	// protections and dismissed record the keys the steps touched so the
	// snapshot knows what to query.
	protections []plan.ProtectionChange
	dismissed   []plan.SourceKey
}

// Run executes a scenario against a fresh planner stack and returns the
// trace plus final-state snapshot. Any step failure aborts the run.
func Run(s *Scenario) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("harness: invalid scenario: %w", err)
	}

	dir, err := os.MkdirTemp("", "weekender-harness-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	fs, err := persist.NewFileStore(dir, time.Millisecond)
	if err != nil {
		return nil, err
	}
	defer fs.Close()

	st, err := store.Open(fs)
	if err != nil {
		return nil, err
	}
	ob, err := outbox.Open(fs, st)
	if err != nil {
		return nil, err
	}

	startStr := s.Start
	if startStr == "" {
		startStr = defaultStart
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return nil, err
	}
	clock := testutil.NewManualClock(start)
	ids := testutil.NewFixedIDs()
	owner := s.Owner
	if owner == "" {
		owner = "alice"
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rem := remote.NewMemory()
	engine, err := syncengine.New(syncengine.Config{
		Store: st, Outbox: ob, Remote: rem, Owner: owner,
		Logger: logger, Now: clock.Now,
	})
	if err != nil {
		return nil, err
	}

	var writable []string
	sources := make([]reconcile.Source, 0, len(s.Calendars))
	calIDs := make([]string, 0, len(s.Calendars))
	for _, cal := range s.Calendars {
		if cal.Writable {
			writable = append(writable, cal.ID)
		}
		sources = append(sources, reconcile.Source{
			ID:            cal.ID,
			Writable:      cal.Writable,
			Informational: cal.Informational,
		})
		calIDs = append(calIDs, cal.ID)
	}
	provider := calendar.NewMemory(writable...)

	rec, err := reconcile.New(reconcile.Config{
		Store: st, Outbox: ob, Provider: provider,
		Sources:  sources,
		IDs:      ids,
		Echo:     reconcile.NewEchoLedger(reconcile.DefaultEchoTTL, clock.Now),
		Location: time.UTC,
		Logger:   logger,
		Now:      clock.Now,
	})
	if err != nil {
		return nil, err
	}

	// The long debounce keeps background flushes out of the run; sync
	// steps drain the outbox explicitly.
	pl, err := planner.New(planner.Options{
		Store: st, Outbox: ob, Engine: engine, Reconciler: rec,
		IDs: ids, Actor: owner,
		Debounce: time.Hour,
		Logger:   logger, Now: clock.Now,
	})
	if err != nil {
		return nil, err
	}
	defer pl.Close()

	r := &runner{
		planner: pl, store: st, outbox: ob,
		remote: rem, provider: provider, clock: clock,
		owner: owner, cals: calIDs,
	}

	ctx := context.Background()
	result := &Result{Scenario: s.Name, Trace: []TraceEvent{}}
	for i, step := range s.Steps {
		detail, err := r.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("harness: step %d (%s): %w", i+1, step.Do, err)
		}
		result.Trace = append(result.Trace, TraceEvent{Seq: i + 1, Do: step.Do, Detail: detail})
	}

	result.State = r.snapshot(ctx)
	return result, nil
}

func (r *runner) execute(ctx context.Context, step Step) (string, error) {
	switch step.Do {
	case StepCreateEvent:
		e, err := eventFromSpec(step.Event)
		if err != nil {
			return "", err
		}
		created, err := r.planner.CreateEvent(e)
		if err != nil {
			return "", err
		}
		return "created " + created.ID, nil

	case StepUpdateEvent:
		e, err := eventFromSpec(step.Event)
		if err != nil {
			return "", err
		}
		if err := r.planner.UpdateEvent(e); err != nil {
			return "", err
		}
		return "updated " + e.ID, nil

	case StepCompleteEvent:
		if err := r.planner.CompleteEvent(step.ID); err != nil {
			return "", err
		}
		return "completed " + step.ID, nil

	case StepCancelEvent:
		if err := r.planner.CancelEvent(step.ID); err != nil {
			return "", err
		}
		return "cancelled " + step.ID, nil

	case StepDeleteEvent:
		if err := r.planner.DeleteEvent(step.ID); err != nil {
			return "", err
		}
		return "deleted " + step.ID, nil

	case StepSetProtection:
		period := plan.PeriodKey(step.Period)
		if err := r.planner.SetProtection(step.Calendar, period, step.Protected); err != nil {
			return "", err
		}
		r.protections = append(r.protections, plan.ProtectionChange{
			CalendarID: step.Calendar, Period: period, Protected: step.Protected,
		})
		state := "off"
		if step.Protected {
			state = "on"
		}
		return fmt.Sprintf("protection %s %s %s", step.Calendar, step.Period, state), nil

	case StepAcknowledge:
		if !r.planner.AcknowledgeConflict(step.ID) {
			return "no pending conflict on " + step.ID, nil
		}
		return "acknowledged " + step.ID, nil

	case StepDismissSource:
		key := plan.SourceKey{CalendarID: step.Calendar, EventID: step.ID}
		r.planner.DismissInformational(key)
		r.dismissed = append(r.dismissed, key)
		return "dismissed " + key.String(), nil

	case StepSeedExternal:
		ext := step.External
		start, _ := time.Parse(time.RFC3339, ext.Start)
		end, _ := time.Parse(time.RFC3339, ext.End)
		r.provider.Seed(calendar.Event{
			ID:         ext.ID,
			CalendarID: ext.Calendar,
			Title:      ext.Title,
			Start:      start,
			End:        end,
			AllDay:     ext.AllDay,
		})
		return "seeded " + ext.Calendar + "/" + ext.ID, nil

	case StepRemoveExternal:
		r.provider.Remove(step.Calendar, step.ID)
		return "removed " + step.Calendar + "/" + step.ID, nil

	case StepAdvanceClock:
		d, err := time.ParseDuration(step.By)
		if err != nil {
			return "", err
		}
		r.clock.Advance(d)
		return "clock " + r.clock.Now().UTC().Format(time.RFC3339), nil

	case StepSync:
		stats := r.planner.SyncNow(ctx)
		return fmt.Sprintf("attempted %d applied %d failed %d remote_wins %d",
			stats.Attempted, stats.Applied, stats.Failed, stats.RemoteWins), nil

	case StepReconcile:
		trigger := reconcile.TriggerScheduled
		if step.Trigger == "user" {
			trigger = reconcile.TriggerUser
		}
		stats, err := r.planner.Reconcile(ctx, trigger)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("fetched %d imported %d matched %d merged %d pushed %d echoes %d conflicts %d swept %d",
			stats.Fetched, stats.Imported, stats.Matched, stats.Merged,
			stats.Pushed, stats.Echoes, stats.Conflicts, stats.Swept), nil

	case StepSetRemoteFailing:
		r.remote.SetFailing(step.Failing)
		return fmt.Sprintf("remote failing=%t", step.Failing), nil

	default:
		return "", fmt.Errorf("unknown step kind %q", step.Do)
	}
}

func (r *runner) snapshot(ctx context.Context) State {
	state := State{
		Local:       []EventState{},
		OutboxDepth: r.outbox.Depth(),
		Remote:      RemoteState{Events: []RemoteEvent{}},
	}

	for _, e := range r.store.All() {
		days := make([]string, 0, len(e.Days))
		for _, d := range e.Days {
			days = append(days, string(d))
		}
		es := EventState{
			ID:      e.ID,
			Title:   e.Title,
			Period:  string(e.Period),
			Days:    days,
			Start:   e.StartTime,
			End:     e.EndTime,
			AllDay:  e.AllDay,
			Status:  string(e.Status),
			Sync:    string(r.store.SyncStateOf(e.ID)),
			Deleted: e.Deleted,
		}
		if c := r.store.Conflict(e.ID); c != plan.ConflictNone {
			es.Conflict = string(c)
		}
		state.Local = append(state.Local, es)

		if rc, ok := r.remote.Event(r.owner, e.ID); ok {
			state.Remote.Events = append(state.Remote.Events, RemoteEvent{
				ID:     rc.ID,
				Title:  rc.Title,
				Period: string(rc.Period),
				Status: string(rc.Status),
			})
		}
	}

	for _, l := range r.store.Links() {
		state.Links = append(state.Links, LinkState{
			Local:         l.LocalID,
			Source:        l.Source.String(),
			Writable:      l.Writable,
			Informational: l.Informational,
		})
	}

	for _, key := range r.dismissed {
		if r.store.IsDismissed(key) {
			state.Dismissed = append(state.Dismissed, key.String())
		}
	}

	state.LastSyncError = r.planner.Status().LastSyncError

	for _, rec := range r.remote.AuditLog(r.owner) {
		state.Remote.Audit = append(state.Remote.Audit,
			rec.Actor+" "+rec.Action+" "+rec.EntityID)
	}
	for _, p := range r.protections {
		if r.remote.Protected(r.owner, p.CalendarID, p.Period) {
			state.Remote.Protected = append(state.Remote.Protected,
				p.CalendarID+":"+string(p.Period))
		}
	}

	now := r.clock.Now()
	external, err := r.provider.Events(ctx, r.cals, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	if err == nil {
		for _, e := range external {
			state.External = append(state.External, ExternalState{
				Calendar: e.CalendarID,
				ID:       e.ID,
				Title:    e.Title,
				Start:    e.Start.UTC().Format(time.RFC3339),
				End:      e.End.UTC().Format(time.RFC3339),
				AllDay:   e.AllDay,
			})
		}
	}

	return state
}

func eventFromSpec(spec *EventSpec) (plan.Event, error) {
	start, err := time.Parse(time.RFC3339, spec.Start)
	if err != nil {
		return plan.Event{}, fmt.Errorf("event start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, spec.End)
	if err != nil {
		return plan.Event{}, fmt.Errorf("event end: %w", err)
	}
	days := make([]plan.DaySlot, 0, len(spec.Days))
	for _, d := range spec.Days {
		days = append(days, plan.DaySlot(d))
	}
	status := plan.Status(spec.Status)
	if status == "" {
		status = plan.StatusPlanned
	}
	return plan.Event{
		ID:        spec.ID,
		Title:     spec.Title,
		Category:  spec.Category,
		Period:    plan.PeriodKey(spec.Period),
		Days:      days,
		StartTime: spec.StartTime,
		EndTime:   spec.EndTime,
		StartsAt:  start,
		EndsAt:    end,
		AllDay:    spec.AllDay,
		Status:    status,
	}, nil
}
