package reconcile

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
	"github.com/weekender-app/weekender/internal/store"
	"github.com/weekender-app/weekender/internal/testutil"
)

// The fixture clock starts on Monday June 3rd; the weekend under test is
// June 8th/9th, well inside the default fetch window.
var fixtureStart = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store      *store.Store
	outbox     *outbox.Outbox
	provider   *calendar.Memory
	reconciler *Reconciler
	clock      *testutil.ManualClock
	ids        *testutil.FixedIDs
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
	clock := testutil.NewManualClock(fixtureStart)
	ids := testutil.NewFixedIDs()
	provider := calendar.NewMemory("family")

	rec, err := New(Config{
		Store:    st,
		Outbox:   ob,
		Provider: provider,
		Sources: []Source{
			{ID: "family", Writable: true},
			{ID: "holidays", Informational: true},
		},
		IDs:      ids,
		Echo:     NewEchoLedger(DefaultEchoTTL, clock.Now),
		Window:   Window{DaysPast: 7, DaysFuture: 30},
		Location: time.UTC,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      clock.Now,
	})
	require.NoError(t, err)
	return &fixture{store: st, outbox: ob, provider: provider, reconciler: rec, clock: clock, ids: ids}
}

func externalHike() calendar.Event {
	start := time.Date(2024, 6, 8, 9, 0, 0, 0, time.UTC)
	return calendar.Event{
		ID:         "ext-hike",
		CalendarID: "family",
		Title:      "Hike",
		Start:      start,
		End:        start.Add(3 * time.Hour),
	}
}

func (f *fixture) run(t *testing.T, trigger Trigger) Stats {
	t.Helper()
	stats, err := f.reconciler.Run(context.Background(), trigger)
	require.NoError(t, err)
	return stats
}

func (f *fixture) importHike(t *testing.T) (plan.Event, plan.Link) {
	t.Helper()
	f.provider.Seed(externalHike())
	stats := f.run(t, TriggerScheduled)
	require.Equal(t, 1, stats.Imported)

	key := plan.SourceKey{CalendarID: "family", EventID: "ext-hike"}
	link, ok := f.store.LinkBySource(key)
	require.True(t, ok)
	local, ok := f.store.Get(link.LocalID)
	require.True(t, ok)

	// Drain the import's outbound upsert so later assertions see only the
	// operations of the scenario under test.
	for _, op := range f.outbox.Snapshot() {
		f.outbox.Complete(op.ID)
	}
	return local, link
}

func TestImportCreatesLocalEventAndLink(t *testing.T) {
	f := newFixture(t)
	f.provider.Seed(externalHike())

	stats := f.run(t, TriggerScheduled)
	assert.Equal(t, 1, stats.Fetched)
	assert.Equal(t, 1, stats.Imported)

	link, ok := f.store.LinkBySource(plan.SourceKey{CalendarID: "family", EventID: "ext-hike"})
	require.True(t, ok)
	assert.True(t, link.Writable)
	assert.False(t, link.Informational)

	local, ok := f.store.Get(link.LocalID)
	require.True(t, ok)
	assert.Equal(t, "Hike", local.Title)
	assert.Equal(t, plan.PeriodKey("2024-06-08"), local.Period)
	assert.Equal(t, []plan.DaySlot{plan.SlotSat}, local.Days)
	assert.Equal(t, "09:00", local.StartTime)
	assert.Equal(t, "family", local.ExternalCalendarID)
	assert.Equal(t, plan.Fingerprint(local), link.LastFingerprint)

	ops := f.outbox.Snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, plan.OpUpsertEvent, ops[0].Kind)
	assert.Equal(t, local.ID, ops[0].EntityID)
}

func TestImportIsIdempotentAcrossPasses(t *testing.T) {
	f := newFixture(t)
	f.importHike(t)

	stats := f.run(t, TriggerScheduled)
	assert.Zero(t, stats.Imported)
	assert.Zero(t, stats.Merged)
	assert.Zero(t, f.outbox.Depth())
}

func TestImportDeduplicatesAgainstLocalPlan(t *testing.T) {
	f := newFixture(t)
	ext := externalHike()
	existing := plan.Event{
		ID:        "local-1",
		Title:     "Hike",
		Period:    "2024-06-08",
		Days:      []plan.DaySlot{plan.SlotSat},
		StartTime: "09:00",
		EndTime:   "12:00",
		StartsAt:  ext.Start,
		EndsAt:    ext.End,
		Status:    plan.StatusPlanned,
	}
	f.store.Upsert(existing)
	f.provider.Seed(ext)

	stats := f.run(t, TriggerScheduled)
	assert.Zero(t, stats.Imported, "no duplicate created")
	assert.Equal(t, 1, stats.Matched)

	link, ok := f.store.LinkByLocal("local-1")
	require.True(t, ok)
	assert.Equal(t, "ext-hike", link.Source.EventID)
	assert.Len(t, f.store.ByPeriod("2024-06-08"), 1)
}

func TestDismissedSourceIsSkipped(t *testing.T) {
	f := newFixture(t)
	key := plan.SourceKey{CalendarID: "holidays", EventID: "midsummer"}
	f.store.DismissSource(key)
	f.provider.Seed(calendar.Event{
		ID: "midsummer", CalendarID: "holidays", Title: "Midsummer Holiday",
		Start: time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC),
		AllDay: true,
	})

	stats := f.run(t, TriggerScheduled)
	assert.Zero(t, stats.Imported)
	_, ok := f.store.LinkBySource(key)
	assert.False(t, ok)
}

func TestInformationalCalendarMarksLink(t *testing.T) {
	f := newFixture(t)
	f.provider.Seed(calendar.Event{
		ID: "midsummer", CalendarID: "holidays", Title: "Midsummer",
		Start: time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC),
		AllDay: true,
	})

	f.run(t, TriggerScheduled)
	link, ok := f.store.LinkBySource(plan.SourceKey{CalendarID: "holidays", EventID: "midsummer"})
	require.True(t, ok)
	assert.True(t, link.Informational)
}

func TestKeywordHeuristicsFlagInformational(t *testing.T) {
	assert.True(t, Informational("Grandma's Birthday", false))
	assert.True(t, Informational("Public Holiday", false))
	assert.True(t, Informational("anything", true))
	assert.False(t, Informational("Hike", false))
}

func TestEventOutsideWeekendIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.provider.Seed(calendar.Event{
		ID: "standup", CalendarID: "family", Title: "Standup",
		Start: time.Date(2024, 6, 4, 9, 0, 0, 0, time.UTC), // Tuesday
		End:   time.Date(2024, 6, 4, 10, 0, 0, 0, time.UTC),
	})

	stats := f.run(t, TriggerScheduled)
	assert.Equal(t, 1, stats.Fetched)
	assert.Zero(t, stats.Imported)
}

func TestSourceChangeMergesIntoLocal(t *testing.T) {
	f := newFixture(t)
	local, _ := f.importHike(t)

	ext := externalHike()
	ext.Title = "Long Hike"
	ext.End = ext.Start.Add(5 * time.Hour)
	f.provider.Seed(ext)
	f.clock.Advance(time.Hour)

	stats := f.run(t, TriggerScheduled)
	assert.Equal(t, 1, stats.Merged)

	merged, ok := f.store.Get(local.ID)
	require.True(t, ok)
	assert.Equal(t, "Long Hike", merged.Title)
	assert.Equal(t, "14:00", merged.EndTime)

	link, _ := f.store.LinkByLocal(local.ID)
	assert.Equal(t, plan.Fingerprint(merged), link.LastFingerprint)

	ops := f.outbox.Snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, plan.OpUpsertEvent, ops[0].Kind)
}

func TestLocalChangePushesToWritableSource(t *testing.T) {
	f := newFixture(t)
	local, _ := f.importHike(t)

	local.Title = "Sunrise Hike"
	local.UpdatedAt = f.clock.Now()
	f.store.Upsert(local)

	stats := f.run(t, TriggerScheduled)
	assert.Equal(t, 1, stats.Pushed)
	assert.Zero(t, stats.Conflicts)

	ext, ok := f.provider.Event("family", "ext-hike")
	require.True(t, ok)
	assert.Equal(t, "Sunrise Hike", ext.Title)

	link, _ := f.store.LinkByLocal(local.ID)
	assert.Equal(t, plan.Fingerprint(local), link.LastFingerprint)
	assert.True(t, f.reconciler.Echo().Active(link.Source))
}

func TestPushThenImmediateReconcileIsQuiet(t *testing.T) {
	// Echo suppression: pushing local event E, then immediately reconciling
	// against the source returning E's own new state, must not re-flag E as
	// changed nor duplicate it.
	f := newFixture(t)
	local, _ := f.importHike(t)

	local.Title = "Sunrise Hike"
	f.store.Upsert(local)
	f.run(t, TriggerScheduled)

	stats := f.run(t, TriggerScheduled)
	assert.Zero(t, stats.Imported)
	assert.Zero(t, stats.Merged)
	assert.Zero(t, stats.Conflicts)
	assert.Zero(t, f.outbox.Depth())
	assert.Len(t, f.store.ByPeriod("2024-06-08"), 1)
	assert.Equal(t, plan.ConflictNone, f.store.Conflict(local.ID))
}

func TestEchoAdvancesStaleLinkFingerprint(t *testing.T) {
	// The push landed externally but the link update was lost: source and
	// local agree while the link is behind. Inside the suppression window
	// this resolves by advancing the fingerprint only.
	f := newFixture(t)
	local, link := f.importHike(t)

	local.Title = "Sunrise Hike"
	f.store.Upsert(local)
	ext := externalHike()
	ext.Title = "Sunrise Hike"
	f.provider.Seed(ext)
	f.reconciler.Echo().Record(link.Source)

	stats := f.run(t, TriggerScheduled)
	assert.Equal(t, 1, stats.Echoes)
	assert.Zero(t, stats.Merged)
	assert.Zero(t, f.outbox.Depth(), "no outbound operation for an echo")

	got, _ := f.store.LinkByLocal(local.ID)
	assert.Equal(t, plan.Fingerprint(local), got.LastFingerprint)
}

func TestExternalEditInsideEchoWindowWaits(t *testing.T) {
	f := newFixture(t)
	local, link := f.importHike(t)
	f.reconciler.Echo().Record(link.Source)

	ext := externalHike()
	ext.Title = "Moved Hike"
	f.provider.Seed(ext)

	stats := f.run(t, TriggerScheduled)
	assert.Zero(t, stats.Merged, "genuine edit racing the echo window is deferred")

	f.clock.Advance(DefaultEchoTTL + time.Second)
	stats = f.run(t, TriggerScheduled)
	assert.Equal(t, 1, stats.Merged)
	got, _ := f.store.Get(local.ID)
	assert.Equal(t, "Moved Hike", got.Title)
}

func TestLocalChangeOnReadOnlyLinkFlagsConflict(t *testing.T) {
	f := newFixture(t)
	f.provider.Seed(calendar.Event{
		ID: "midsummer", CalendarID: "holidays", Title: "Midsummer Fest",
		Start: time.Date(2024, 6, 8, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 8, 12, 0, 0, 0, time.UTC),
	})
	f.run(t, TriggerScheduled)
	link, ok := f.store.LinkBySource(plan.SourceKey{CalendarID: "holidays", EventID: "midsummer"})
	require.True(t, ok)

	local, _ := f.store.Get(link.LocalID)
	local.Title = "Midsummer Fest (our picnic)"
	f.store.Upsert(local)

	stats := f.run(t, TriggerScheduled)
	assert.Equal(t, 1, stats.Conflicts)
	assert.Equal(t, plan.ConflictPending, f.store.Conflict(local.ID))
	ext, _ := f.provider.Event("holidays", "midsummer")
	assert.Equal(t, "Midsummer Fest", ext.Title, "read-only source never written")
}

func TestDivergentEditsFlagConflictWithoutMerge(t *testing.T) {
	// Conflict correctness: local moves to F', source independently moves to
	// F'', F' != F'' -> pending, and no merge happens in either direction.
	f := newFixture(t)
	local, _ := f.importHike(t)

	local.Title = "Sunrise Hike"
	f.store.Upsert(local)
	ext := externalHike()
	ext.Title = "Forest Hike"
	f.provider.Seed(ext)

	stats := f.run(t, TriggerScheduled)
	assert.Equal(t, 1, stats.Conflicts)
	assert.Equal(t, plan.ConflictPending, f.store.Conflict(local.ID))

	got, _ := f.store.Get(local.ID)
	assert.Equal(t, "Sunrise Hike", got.Title, "local preserved")
	extNow, _ := f.provider.Event("family", "ext-hike")
	assert.Equal(t, "Forest Hike", extNow.Title, "external preserved")
}

func TestAcknowledgedConflictReArmsOnNewDivergence(t *testing.T) {
	f := newFixture(t)
	local, _ := f.importHike(t)

	local.Title = "Sunrise Hike"
	f.store.Upsert(local)
	ext := externalHike()
	ext.Title = "Forest Hike"
	f.provider.Seed(ext)
	f.run(t, TriggerScheduled)
	require.True(t, f.store.AcknowledgeConflict(local.ID))

	ext.Title = "Night Hike"
	f.provider.Seed(ext)
	f.run(t, TriggerScheduled)
	assert.Equal(t, plan.ConflictPending, f.store.Conflict(local.ID))
}

func TestSweepDeletesUneditedEventWhoseSourceDisappeared(t *testing.T) {
	f := newFixture(t)
	local, _ := f.importHike(t)

	f.provider.Remove("family", "ext-hike")
	stats := f.run(t, TriggerUser)
	assert.Equal(t, 1, stats.Swept)

	got, ok := f.store.Get(local.ID)
	require.True(t, ok)
	assert.True(t, got.Deleted, "local event tombstoned")
	_, ok = f.store.LinkByLocal(local.ID)
	assert.False(t, ok)

	ops := f.outbox.Snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, plan.OpDeleteEvent, ops[0].Kind)
	assert.Equal(t, local.ID, ops[0].EntityID)
}

func TestSweepPreservesLocallyEditedEvent(t *testing.T) {
	f := newFixture(t)
	local, _ := f.importHike(t)

	local.Title = "Sunrise Hike"
	f.store.Upsert(local)
	f.provider.Remove("family", "ext-hike")

	stats := f.run(t, TriggerUser)
	assert.Zero(t, stats.Swept)
	assert.Equal(t, 1, stats.Conflicts)

	got, ok := f.store.Get(local.ID)
	require.True(t, ok)
	assert.False(t, got.Deleted)
	assert.Equal(t, plan.ConflictPending, f.store.Conflict(local.ID))
	_, ok = f.store.LinkByLocal(local.ID)
	assert.True(t, ok, "link kept for later resolution")
}

func TestSweepSkippedOnEmptyScheduledFetch(t *testing.T) {
	f := newFixture(t)
	local, _ := f.importHike(t)
	f.provider.Remove("family", "ext-hike")

	stats := f.run(t, TriggerScheduled)
	assert.Zero(t, stats.Swept, "empty scheduled fetch proves nothing")
	got, _ := f.store.Get(local.ID)
	assert.False(t, got.Deleted)

	stats = f.run(t, TriggerUser)
	assert.Equal(t, 1, stats.Swept, "explicit user request sweeps anyway")
}

func TestFetchFailureAbortsWithoutMutation(t *testing.T) {
	f := newFixture(t)
	local, link := f.importHike(t)
	f.provider.SetFailing(true)

	_, err := f.reconciler.Run(context.Background(), TriggerUser)
	require.Error(t, err)

	got, ok := f.store.Get(local.ID)
	require.True(t, ok)
	assert.False(t, got.Deleted)
	after, ok := f.store.LinkByLocal(local.ID)
	require.True(t, ok)
	assert.Equal(t, link, after)
	assert.Zero(t, f.outbox.Depth())
}

func TestRunSingleFlight(t *testing.T) {
	f := newFixture(t)
	f.reconciler.inFlight.Store(true)
	stats, err := f.reconciler.Run(context.Background(), TriggerUser)
	require.NoError(t, err)
	assert.True(t, stats.Skipped)
	f.reconciler.inFlight.Store(false)
}

func TestEchoLedgerExpiry(t *testing.T) {
	clock := testutil.NewManualClock(fixtureStart)
	l := NewEchoLedger(DefaultEchoTTL, clock.Now)
	key := plan.SourceKey{CalendarID: "family", EventID: "ext-hike"}

	assert.False(t, l.Active(key))
	l.Record(key)
	assert.True(t, l.Active(key))
	clock.Advance(DefaultEchoTTL - time.Second)
	assert.True(t, l.Active(key))
	clock.Advance(2 * time.Second)
	assert.False(t, l.Active(key))
}
