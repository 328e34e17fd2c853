package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrFetchFailed is what Memory returns in outage mode.
var ErrFetchFailed = errors.New("calendar: fetch failed")

// Memory is an in-memory Provider for tests and the scenario harness.
// Seed and Remove simulate external edits; SetFailing simulates an
// unreachable source.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	events   map[string]map[string]Event // calendar -> id -> event
	writable map[string]bool
	failing  bool
	seq      int
}

// NewMemory creates a Memory with the given writable calendar ids. Unknown
// calendars are implicitly readable and read-only.
func NewMemory(writable ...string) *Memory {
	m := &Memory{
		events:   map[string]map[string]Event{},
		writable: map[string]bool{},
	}
	for _, id := range writable {
		m.writable[id] = true
	}
	return m
}

// SetFailing toggles outage mode for range queries and write-back.
func (m *Memory) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

// Seed inserts or replaces an event as if the external source changed it.
func (m *Memory) Seed(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events[e.CalendarID] == nil {
		m.events[e.CalendarID] = map[string]Event{}
	}
	m.events[e.CalendarID][e.ID] = e
}

// Remove deletes an event as if the external source removed it.
func (m *Memory) Remove(calendarID, id string) {
	m.mu.Lock()
	delete(m.events[calendarID], id)
	m.mu.Unlock()
}

// Event returns a stored event for assertions.
func (m *Memory) Event(calendarID, id string) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[calendarID][id]
	return e, ok
}

func (m *Memory) Events(_ context.Context, calendarIDs []string, from, to time.Time) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, ErrFetchFailed
	}
	var out []Event
	for _, id := range calendarIDs {
		for _, e := range m.events[id] {
			if e.Start.Before(to) && e.End.After(from) {
				out = append(out, e)
			}
		}
	}
	// Map iteration order is random; callers get a stable view.
	sort.Slice(out, func(i, j int) bool {
		if out[i].CalendarID != out[j].CalendarID {
			return out[i].CalendarID < out[j].CalendarID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Create(_ context.Context, calendarID string, e Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeCheckLocked(calendarID); err != nil {
		return "", err
	}
	if e.ID == "" {
		m.seq++
		e.ID = fmt.Sprintf("%s-ext-%d", calendarID, m.seq)
	}
	e.CalendarID = calendarID
	if m.events[calendarID] == nil {
		m.events[calendarID] = map[string]Event{}
	}
	m.events[calendarID][e.ID] = e
	return e.ID, nil
}

func (m *Memory) Update(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeCheckLocked(e.CalendarID); err != nil {
		return err
	}
	if _, ok := m.events[e.CalendarID][e.ID]; !ok {
		return fmt.Errorf("calendar: event %q not found in %q", e.ID, e.CalendarID)
	}
	m.events[e.CalendarID][e.ID] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, calendarID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeCheckLocked(calendarID); err != nil {
		return err
	}
	delete(m.events[calendarID], eventID)
	return nil
}

func (m *Memory) writeCheckLocked(calendarID string) error {
	if m.failing {
		return ErrFetchFailed
	}
	if !m.writable[calendarID] {
		return fmt.Errorf("calendar: calendar %q is read-only", calendarID)
	}
	return nil
}
