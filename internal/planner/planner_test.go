package planner

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weekender-app/weekender/internal/calendar"
	"github.com/weekender-app/weekender/internal/outbox"
	"github.com/weekender-app/weekender/internal/persist"
	"github.com/weekender-app/weekender/internal/plan"
	"github.com/weekender-app/weekender/internal/reconcile"
	"github.com/weekender-app/weekender/internal/remote"
	"github.com/weekender-app/weekender/internal/store"
	"github.com/weekender-app/weekender/internal/syncengine"
	"github.com/weekender-app/weekender/internal/testutil"
)

type fixture struct {
	planner  *Planner
	store    *store.Store
	outbox   *outbox.Outbox
	remote   *remote.Memory
	provider *calendar.Memory
	clock    *testutil.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p, err := persist.NewFileStore(t.TempDir(), time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	st, err := store.Open(p)
	require.NoError(t, err)
	ob, err := outbox.Open(p, st)
	require.NoError(t, err)
	clock := testutil.NewManualClock(time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC))
	ids := testutil.NewFixedIDs()
	mem := remote.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := syncengine.New(syncengine.Config{
		Store: st, Outbox: ob, Remote: mem, Owner: "alice",
		Logger: logger, Now: clock.Now,
	})
	require.NoError(t, err)

	provider := calendar.NewMemory("family")
	rec, err := reconcile.New(reconcile.Config{
		Store: st, Outbox: ob, Provider: provider,
		Sources: []reconcile.Source{
			{ID: "family", Writable: true},
			{ID: "holidays", Informational: true},
		},
		IDs:      ids,
		Echo:     reconcile.NewEchoLedger(reconcile.DefaultEchoTTL, clock.Now),
		Location: time.UTC,
		Logger:   logger,
		Now:      clock.Now,
	})
	require.NoError(t, err)

	// A long debounce keeps background flushes out of the way; tests drain
	// the outbox explicitly through SyncNow.
	pl, err := New(Options{
		Store: st, Outbox: ob, Engine: engine, Reconciler: rec,
		IDs: ids, Actor: "alice",
		Debounce: time.Hour,
		Logger:   logger, Now: clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pl.Close() })
	return &fixture{planner: pl, store: st, outbox: ob, remote: mem, provider: provider, clock: clock}
}

func draftHike() plan.Event {
	start := time.Date(2024, 6, 8, 9, 0, 0, 0, time.UTC)
	return plan.Event{
		Title:     "Hike",
		Period:    "2024-06-08",
		Days:      []plan.DaySlot{plan.SlotSat},
		StartTime: "09:00",
		EndTime:   "12:00",
		StartsAt:  start,
		EndsAt:    start.Add(3 * time.Hour),
	}
}

func TestCreateEventOptimisticPath(t *testing.T) {
	f := newFixture(t)

	e, err := f.planner.CreateEvent(draftHike())
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, plan.StatusPlanned, e.Status)

	// Local state is visible immediately, before any flush.
	got, ok := f.store.Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, "Hike", got.Title)
	assert.Equal(t, plan.SyncPending, f.store.SyncStateOf(e.ID))
	assert.Equal(t, 2, f.outbox.Depth(), "upsert plus audit record")

	stats := f.planner.SyncNow(context.Background())
	assert.Equal(t, 2, stats.Applied)
	assert.Equal(t, plan.SyncSynced, f.store.SyncStateOf(e.ID))

	remoteEvent, ok := f.remote.Event("alice", e.ID)
	require.True(t, ok)
	assert.Equal(t, "Hike", remoteEvent.Title)

	audits := f.remote.AuditLog("alice")
	require.Len(t, audits, 1)
	assert.Equal(t, "event.create", audits[0].Action)
	assert.Equal(t, "alice", audits[0].Actor)
	assert.Equal(t, e.ID, audits[0].EntityID)
}

func TestCreateEventValidationFailureIsImmediate(t *testing.T) {
	f := newFixture(t)
	bad := draftHike()
	bad.Title = ""

	_, err := f.planner.CreateEvent(bad)
	var verr *plan.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Zero(t, f.outbox.Depth(), "rejected events never reach the outbox")
	assert.Empty(t, f.store.ByPeriod("2024-06-08"))
}

func TestUpdateEventRequiresExistingEvent(t *testing.T) {
	f := newFixture(t)
	ghost := draftHike()
	ghost.ID = "missing"
	assert.Error(t, f.planner.UpdateEvent(ghost))

	e, err := f.planner.CreateEvent(draftHike())
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	e.Title = "Sunrise Hike"
	require.NoError(t, f.planner.UpdateEvent(e))

	got, _ := f.store.Get(e.ID)
	assert.Equal(t, "Sunrise Hike", got.Title)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestCompleteAndCancelStampTimestamps(t *testing.T) {
	f := newFixture(t)
	e, err := f.planner.CreateEvent(draftHike())
	require.NoError(t, err)

	require.NoError(t, f.planner.CompleteEvent(e.ID))
	got, _ := f.store.Get(e.ID)
	assert.Equal(t, plan.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	other, err := f.planner.CreateEvent(draftHike())
	require.NoError(t, err)
	require.NoError(t, f.planner.CancelEvent(other.ID))
	got, _ = f.store.Get(other.ID)
	assert.Equal(t, plan.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
}

func TestDeleteEventPropagatesToRemote(t *testing.T) {
	f := newFixture(t)
	e, err := f.planner.CreateEvent(draftHike())
	require.NoError(t, err)
	f.planner.SyncNow(context.Background())
	require.Equal(t, 1, f.remote.EventCount("alice"))

	require.NoError(t, f.planner.DeleteEvent(e.ID))
	got, _ := f.store.Get(e.ID)
	assert.True(t, got.Deleted, "tombstoned locally, not erased")

	f.planner.SyncNow(context.Background())
	assert.Zero(t, f.remote.EventCount("alice"))
	assert.Error(t, f.planner.DeleteEvent(e.ID), "double delete")
}

func TestSetProtectionRoundTrip(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.planner.SetProtection("family", "2024-06-08", true))
	f.planner.SyncNow(context.Background())
	assert.True(t, f.remote.Protected("alice", "family", "2024-06-08"))

	require.NoError(t, f.planner.SetProtection("family", "2024-06-08", false))
	f.planner.SyncNow(context.Background())
	assert.False(t, f.remote.Protected("alice", "family", "2024-06-08"))

	assert.Error(t, f.planner.SetProtection("family", "2024-06-05", true), "Wednesday is not a period key")
}

func TestDismissInformationalRemovesAndSuppresses(t *testing.T) {
	f := newFixture(t)
	f.provider.Seed(calendar.Event{
		ID: "midsummer", CalendarID: "holidays", Title: "Midsummer",
		Start:  time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC),
		AllDay: true,
	})
	stats, err := f.planner.Reconcile(context.Background(), reconcile.TriggerUser)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Imported)

	key := plan.SourceKey{CalendarID: "holidays", EventID: "midsummer"}
	link, ok := f.store.LinkBySource(key)
	require.True(t, ok)

	f.planner.DismissInformational(key)
	got, _ := f.store.Get(link.LocalID)
	assert.True(t, got.Deleted)
	_, ok = f.store.LinkBySource(key)
	assert.False(t, ok)

	stats, err = f.planner.Reconcile(context.Background(), reconcile.TriggerUser)
	require.NoError(t, err)
	assert.Zero(t, stats.Imported, "dismissed source stays out")
}

func TestOfflineCreateSurvivesAndRecovers(t *testing.T) {
	f := newFixture(t)
	f.remote.SetFailing(true)

	e, err := f.planner.CreateEvent(draftHike())
	require.NoError(t, err, "creation succeeds while offline")

	f.planner.SyncNow(context.Background())
	assert.Equal(t, plan.SyncRetrying, f.store.SyncStateOf(e.ID))
	st := f.planner.Status()
	assert.NotEmpty(t, st.LastSyncError)
	assert.Equal(t, 2, st.OutboxDepth)

	f.remote.SetFailing(false)
	f.clock.Advance(time.Minute)
	f.planner.SyncNow(context.Background())
	assert.Equal(t, plan.SyncSynced, f.store.SyncStateOf(e.ID))
	assert.Zero(t, f.planner.Status().OutboxDepth)
}

func TestStatusReportsPendingConflicts(t *testing.T) {
	f := newFixture(t)
	e, err := f.planner.CreateEvent(draftHike())
	require.NoError(t, err)
	f.store.MarkConflictPending(e.ID)

	st := f.planner.Status()
	assert.Equal(t, []string{e.ID}, st.PendingConflicts)
	assert.True(t, f.planner.AcknowledgeConflict(e.ID))
	assert.Empty(t, f.planner.Status().PendingConflicts)
}
