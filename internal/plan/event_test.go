package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() Event {
	start := time.Date(2024, 6, 8, 9, 0, 0, 0, time.UTC)
	return Event{
		ID:        "ev-1",
		Title:     "Hike",
		Period:    "2024-06-08",
		Days:      []DaySlot{SlotSat},
		StartTime: "09:00",
		EndTime:   "12:00",
		StartsAt:  start,
		EndsAt:    start.Add(3 * time.Hour),
		Status:    StatusPlanned,
		CreatedAt: start.Add(-24 * time.Hour),
		UpdatedAt: start.Add(-24 * time.Hour),
	}
}

func TestPeriodKeyFor(t *testing.T) {
	tests := []struct {
		name string
		day  time.Time
		want PeriodKey
	}{
		{"saturday maps to itself", time.Date(2024, 6, 8, 10, 0, 0, 0, time.UTC), "2024-06-08"},
		{"sunday maps back to its saturday", time.Date(2024, 6, 9, 10, 0, 0, 0, time.UTC), "2024-06-08"},
		{"wednesday maps to upcoming weekend", time.Date(2024, 6, 5, 10, 0, 0, 0, time.UTC), "2024-06-08"},
		{"friday maps to weekend in progress", time.Date(2024, 6, 7, 19, 0, 0, 0, time.UTC), "2024-06-08"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PeriodKeyFor(tt.day))
		})
	}
}

func TestPeriodBounds(t *testing.T) {
	start, end, err := PeriodBounds("2024-06-08", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), end)

	_, _, err = PeriodBounds("2024-06-09", time.UTC)
	assert.Error(t, err, "non-Saturday keys are rejected")

	_, _, err = PeriodBounds("garbage", time.UTC)
	assert.Error(t, err)
}

func TestSlotForTime(t *testing.T) {
	slot, ok := SlotForTime("2024-06-08", time.Date(2024, 6, 7, 18, 0, 0, 0, time.UTC), time.UTC)
	require.True(t, ok)
	assert.Equal(t, SlotFri, slot)

	slot, ok = SlotForTime("2024-06-08", time.Date(2024, 6, 9, 8, 0, 0, 0, time.UTC), time.UTC)
	require.True(t, ok)
	assert.Equal(t, SlotSun, slot)

	_, ok = SlotForTime("2024-06-08", time.Date(2024, 6, 12, 8, 0, 0, 0, time.UTC), time.UTC)
	assert.False(t, ok, "outside the period")
}

func TestSortSlots(t *testing.T) {
	got := SortSlots([]DaySlot{SlotSun, SlotSat, SlotSun, SlotFri})
	assert.Equal(t, []DaySlot{SlotFri, SlotSat, SlotSun}, got)
}

func TestEventValidate(t *testing.T) {
	t.Run("valid event passes", func(t *testing.T) {
		assert.NoError(t, validEvent().Validate())
	})

	t.Run("zero-length interval rejected", func(t *testing.T) {
		e := validEvent()
		e.EndsAt = e.StartsAt
		err := e.Validate()
		require.Error(t, err)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "interval", verr.Field)
	})

	t.Run("all-day event ignores interval length", func(t *testing.T) {
		e := validEvent()
		e.AllDay = true
		e.StartTime, e.EndTime = "", ""
		e.EndsAt = e.StartsAt
		assert.NoError(t, e.Validate())
	})

	t.Run("missing title rejected", func(t *testing.T) {
		e := validEvent()
		e.Title = ""
		assert.Error(t, e.Validate())
	})

	t.Run("empty day set rejected", func(t *testing.T) {
		e := validEvent()
		e.Days = nil
		assert.Error(t, e.Validate())
	})

	t.Run("unknown slot rejected", func(t *testing.T) {
		e := validEvent()
		e.Days = []DaySlot{"mon"}
		assert.Error(t, e.Validate())
	})
}

func TestEventOverlaps(t *testing.T) {
	a := validEvent()

	b := a.Clone()
	b.ID = "ev-2"
	b.StartsAt = a.StartsAt.Add(2 * time.Hour)
	b.EndsAt = a.EndsAt.Add(2 * time.Hour)
	assert.True(t, a.Overlaps(b))

	c := a.Clone()
	c.ID = "ev-3"
	c.StartsAt = a.EndsAt
	c.EndsAt = a.EndsAt.Add(time.Hour)
	assert.False(t, a.Overlaps(c), "touching intervals do not overlap")

	d := a.Clone()
	d.ID = "ev-4"
	d.Period = "2024-06-15"
	assert.False(t, a.Overlaps(d), "different periods never overlap")

	allDay := a.Clone()
	allDay.ID = "ev-5"
	allDay.AllDay = true
	assert.True(t, a.Overlaps(allDay), "all-day overlaps anything sharing a slot")
}

func TestCoalesceKey(t *testing.T) {
	up := PendingOp{Kind: OpUpsertEvent, EntityID: "ev-1"}
	del := PendingOp{Kind: OpDeleteEvent, EntityID: "ev-1"}
	assert.Equal(t, up.CoalesceKey(), del.CoalesceKey(), "upsert and delete share a bucket")

	prot := PendingOp{Kind: OpSetProtection, Protection: &ProtectionChange{CalendarID: "cal", Period: "2024-06-08"}}
	assert.Equal(t, "protection:cal:2024-06-08", prot.CoalesceKey())

	audit := PendingOp{Kind: OpAppendAudit, EntityID: "ev-1"}
	assert.Empty(t, audit.CoalesceKey(), "audit records never coalesce")
}
