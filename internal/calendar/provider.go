// Package calendar abstracts the device calendar the import reconciler
// reads from and writes back to. Implementations exist for ICS files on
// disk and for an in-memory fake.
package calendar

import (
	"context"
	"time"
)

// Event is the external summary of one calendar event instance. ID is
// stable per source: the VEVENT UID for plain events, UID plus start
// stamp for expanded recurrence instances.
type Event struct {
	ID           string
	CalendarID   string
	Title        string
	Start        time.Time
	End          time.Time
	AllDay       bool
	LastModified time.Time
}

// Provider is the reconciler's view of an external calendar. It depends on
// exactly these operations: a bounded range query, and create/update/delete
// by event identifier for write-back.
type Provider interface {
	// Events returns every event instance in the named calendars whose span
	// intersects [from, to). Recurring events are expanded into instances.
	Events(ctx context.Context, calendarIDs []string, from, to time.Time) ([]Event, error)
	// Create adds a new event and returns its identifier.
	Create(ctx context.Context, calendarID string, e Event) (string, error)
	// Update rewrites the schedule fields of an existing event.
	Update(ctx context.Context, e Event) error
	// Delete removes an event. Deleting an absent event is not an error.
	Delete(ctx context.Context, calendarID, eventID string) error
}
