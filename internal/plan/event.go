package plan

import (
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of a planner event.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// DaySlot identifies one day of a weekend period.
type DaySlot string

const (
	SlotFri DaySlot = "fri"
	SlotSat DaySlot = "sat"
	SlotSun DaySlot = "sun"
)

// slotOrder defines the canonical ordering of day slots within a period.
var slotOrder = map[DaySlot]int{
	SlotFri: 0,
	SlotSat: 1,
	SlotSun: 2,
}

// PeriodKey identifies a weekend period by the ISO date of its Saturday,
// e.g. "2024-06-08".
type PeriodKey string

const periodKeyLayout = "2006-01-02"

// PeriodKeyFor returns the period key of the weekend containing t.
// Days Monday through Thursday map to the upcoming weekend; Friday through
// Sunday map to the weekend in progress.
func PeriodKeyFor(t time.Time) PeriodKey {
	// Walk forward to Saturday, or back one day if t is already Sunday.
	switch t.Weekday() {
	case time.Sunday:
		t = t.AddDate(0, 0, -1)
	default:
		for t.Weekday() != time.Saturday {
			t = t.AddDate(0, 0, 1)
		}
	}
	return PeriodKey(t.Format(periodKeyLayout))
}

// PeriodBounds returns the half-open interval [start, end) covered by the
// period: Friday 00:00 through Monday 00:00 in loc.
func PeriodBounds(key PeriodKey, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	sat, err := time.ParseInLocation(periodKeyLayout, string(key), loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period key %q: %w", key, err)
	}
	if sat.Weekday() != time.Saturday {
		return time.Time{}, time.Time{}, fmt.Errorf("period key %q is not a Saturday", key)
	}
	return sat.AddDate(0, 0, -1), sat.AddDate(0, 0, 2), nil
}

// SlotForTime maps an instant inside a period to its day slot.
// Returns false if t falls outside the period bounds.
func SlotForTime(key PeriodKey, t time.Time, loc *time.Location) (DaySlot, bool) {
	start, end, err := PeriodBounds(key, loc)
	if err != nil || t.Before(start) || !t.Before(end) {
		return "", false
	}
	switch t.In(start.Location()).Weekday() {
	case time.Friday:
		return SlotFri, true
	case time.Saturday:
		return SlotSat, true
	case time.Sunday:
		return SlotSun, true
	}
	return "", false
}

// SortSlots orders slots canonically (fri, sat, sun) and removes duplicates.
func SortSlots(slots []DaySlot) []DaySlot {
	seen := make(map[DaySlot]bool, len(slots))
	out := make([]DaySlot, 0, len(slots))
	for _, s := range slots {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return slotOrder[out[i]] < slotOrder[out[j]] })
	return out
}

// Event is a planner event for one weekend period.
//
// Events are owned exclusively by the event store; every mutation flows
// through store operations that also touch the outbox. An Event value held
// outside the store is a snapshot.
type Event struct {
	// ID is stable and immutable for the lifetime of the event.
	ID string `json:"id"`

	Title    string    `json:"title"`
	Category string    `json:"category,omitempty"`
	Period   PeriodKey `json:"period"`

	// Days is the set of day slots the event occupies, canonically sorted.
	Days []DaySlot `json:"days"`

	// StartTime and EndTime are wall-clock times of day ("15:04").
	// Empty for all-day events.
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`

	// StartsAt and EndsAt are the absolute interval the event occupies.
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`

	AllDay bool   `json:"all_day,omitempty"`
	Status Status `json:"status"`

	// ExternalCalendarID is set when the event originates from, or is linked
	// to, an external calendar source.
	ExternalCalendarID string `json:"external_calendar_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	// Deleted marks a local tombstone. Tombstones are a local concept;
	// remote deletion is hard.
	Deleted bool `json:"deleted,omitempty"`
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	out.Days = append([]DaySlot(nil), e.Days...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	if e.CancelledAt != nil {
		t := *e.CancelledAt
		out.CancelledAt = &t
	}
	return out
}

// Overlaps reports whether two events occupy intersecting absolute intervals.
// All-day events overlap anything sharing a day slot in the same period.
func (e Event) Overlaps(other Event) bool {
	if e.Period != other.Period {
		return false
	}
	if e.AllDay || other.AllDay {
		return sharesSlot(e.Days, other.Days)
	}
	return e.StartsAt.Before(other.EndsAt) && other.StartsAt.Before(e.EndsAt)
}

func sharesSlot(a, b []DaySlot) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// ValidationError reports an event rejected before entering the outbox.
// Validation failures are surfaced immediately to the caller and never
// retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// Validate checks the structural invariants of an event. It must pass before
// the event is admitted to the store or the outbox.
func (e Event) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if e.Title == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}
	if _, _, err := PeriodBounds(e.Period, time.UTC); err != nil {
		return &ValidationError{Field: "period", Reason: err.Error()}
	}
	if len(e.Days) == 0 {
		return &ValidationError{Field: "days", Reason: "must name at least one slot"}
	}
	for _, d := range e.Days {
		if _, ok := slotOrder[d]; !ok {
			return &ValidationError{Field: "days", Reason: fmt.Sprintf("unknown slot %q", d)}
		}
	}
	switch e.Status {
	case StatusPlanned, StatusCompleted, StatusCancelled:
	default:
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", e.Status)}
	}
	if !e.AllDay && !e.EndsAt.After(e.StartsAt) {
		// Degenerate zero-length (or inverted) interval.
		return &ValidationError{Field: "interval", Reason: "must have positive length"}
	}
	return nil
}
