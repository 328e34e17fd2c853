package calendar

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeICS(t *testing.T, path string, lines ...string) {
	t.Helper()
	body := strings.Join(append([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
	}, append(lines, "END:VCALENDAR")...), "\r\n") + "\r\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func fixtureSource(t *testing.T, writable bool) (*FileSource, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "family.ics")
	src, err := NewFileSource([]File{{ID: "family", Path: path, Writable: writable}}, discard())
	require.NoError(t, err)
	return src, path
}

func TestFileSourceWindowFilter(t *testing.T) {
	src, path := fixtureSource(t, false)
	writeICS(t, path,
		"BEGIN:VEVENT",
		"UID:inside",
		"SUMMARY:Brunch",
		"DTSTART:20240608T100000Z",
		"DTEND:20240608T110000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:outside",
		"SUMMARY:Old Brunch",
		"DTSTART:20240501T100000Z",
		"DTEND:20240501T110000Z",
		"END:VEVENT",
	)

	from := time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	events, err := src.Events(context.Background(), []string{"family"}, from, to)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "inside", events[0].ID)
	assert.Equal(t, "Brunch", events[0].Title)
	assert.Equal(t, "family", events[0].CalendarID)
	assert.False(t, events[0].AllDay)
}

func TestFileSourceAllDayDetection(t *testing.T) {
	src, path := fixtureSource(t, false)
	writeICS(t, path,
		"BEGIN:VEVENT",
		"UID:holiday",
		"SUMMARY:Midsummer",
		"DTSTART;VALUE=DATE:20240608",
		"END:VEVENT",
	)

	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	events, err := src.Events(context.Background(), []string{"family"}, from, to)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].AllDay)
	assert.Equal(t, 24*time.Hour, events[0].End.Sub(events[0].Start), "missing DTEND spans one day")
}

func TestFileSourceRecurrenceExpansion(t *testing.T) {
	src, path := fixtureSource(t, false)
	writeICS(t, path,
		"BEGIN:VEVENT",
		"UID:run",
		"SUMMARY:Morning Run",
		"DTSTART:20240601T090000Z",
		"DTEND:20240601T100000Z",
		"RRULE:FREQ=WEEKLY;BYDAY=SA;COUNT=8",
		"EXDATE:20240615T090000Z",
		"END:VEVENT",
	)

	from := time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	events, err := src.Events(context.Background(), []string{"family"}, from, to)
	require.NoError(t, err)

	var ids []string
	for _, e := range events {
		ids = append(ids, e.ID)
		assert.Equal(t, time.Hour, e.End.Sub(e.Start), "instances keep the base duration")
		assert.Equal(t, "Morning Run", e.Title)
	}
	assert.Equal(t, []string{
		"run#20240608T090000Z",
		"run#20240622T090000Z",
		"run#20240629T090000Z",
	}, ids, "June 15 excluded by EXDATE, June 1 outside the window")
}

func TestFileSourceUnknownCalendar(t *testing.T) {
	src, _ := fixtureSource(t, false)
	_, err := src.Events(context.Background(), []string{"nope"},
		time.Now(), time.Now().Add(time.Hour))
	assert.Error(t, err)
}

func TestFileSourceWriteBackRoundTrip(t *testing.T) {
	src, _ := fixtureSource(t, true)
	ctx := context.Background()
	start := time.Date(2024, 6, 8, 9, 0, 0, 0, time.UTC)

	id, err := src.Create(ctx, "family", Event{
		ID: "hike", Title: "Hike", Start: start, End: start.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "hike", id)

	from := start.Add(-24 * time.Hour)
	to := start.Add(24 * time.Hour)
	events, err := src.Events(ctx, []string{"family"}, from, to)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Hike", events[0].Title)

	require.NoError(t, src.Update(ctx, Event{
		ID: "hike", CalendarID: "family", Title: "Long Hike",
		Start: start, End: start.Add(5 * time.Hour),
	}))
	events, err = src.Events(ctx, []string{"family"}, from, to)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Long Hike", events[0].Title)

	require.NoError(t, src.Delete(ctx, "family", "hike"))
	events, err = src.Events(ctx, []string{"family"}, from, to)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.NoError(t, src.Delete(ctx, "family", "hike"), "deleting absent event is not an error")
}

func TestFileSourceRejectsWritesToReadOnlyCalendar(t *testing.T) {
	src, path := fixtureSource(t, false)
	writeICS(t, path,
		"BEGIN:VEVENT",
		"UID:holiday",
		"SUMMARY:Midsummer",
		"DTSTART;VALUE=DATE:20240608",
		"END:VEVENT",
	)
	ctx := context.Background()

	_, err := src.Create(ctx, "family", Event{Title: "x"})
	assert.Error(t, err)
	assert.Error(t, src.Update(ctx, Event{ID: "holiday", CalendarID: "family"}))
	assert.Error(t, src.Delete(ctx, "family", "holiday"))
}

func TestFileSourceRejectsRecurrenceInstanceWriteBack(t *testing.T) {
	src, _ := fixtureSource(t, true)
	err := src.Update(context.Background(), Event{
		ID: "run#20240608T090000Z", CalendarID: "family",
	})
	assert.Error(t, err)
}

func TestWatcherReportsChangedCalendar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "family.ics")
	writeICS(t, path,
		"BEGIN:VEVENT",
		"UID:hike",
		"SUMMARY:Hike",
		"DTSTART:20240608T090000Z",
		"DTEND:20240608T120000Z",
		"END:VEVENT",
	)

	w, err := NewWatcher([]File{{ID: "family", Path: path}}, discard())
	require.NoError(t, err)
	defer w.Close()

	writeICS(t, path,
		"BEGIN:VEVENT",
		"UID:hike",
		"SUMMARY:Long Hike",
		"DTSTART:20240608T090000Z",
		"DTEND:20240608T140000Z",
		"END:VEVENT",
	)

	select {
	case id := <-w.Changes():
		assert.Equal(t, "family", id)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestMemoryProviderWriteRules(t *testing.T) {
	m := NewMemory("family")
	ctx := context.Background()
	start := time.Date(2024, 6, 8, 9, 0, 0, 0, time.UTC)

	id, err := m.Create(ctx, "family", Event{Title: "Hike", Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = m.Create(ctx, "holidays", Event{Title: "x"})
	assert.Error(t, err, "unlisted calendars are read-only")

	m.SetFailing(true)
	_, err = m.Events(ctx, []string{"family"}, start, start.Add(time.Hour))
	assert.ErrorIs(t, err, ErrFetchFailed)
}
