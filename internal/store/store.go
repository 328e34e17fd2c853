// Package store holds the in-memory authoritative state of the active
// calendar: planner events, external-calendar links, conflict states and
// per-entity sync states, with derived indices by period and status.
//
// The store is explicitly constructed and dependency-injected into the sync
// engine and reconciler; there is no process-wide singleton. UI-facing
// change propagation is an observer callback registered by the embedding
// application, decoupled from the core.
//
// Thread-safety: all methods are safe for concurrent use via an internal
// mutex. In practice mutations arrive from one logical serialized context
// (see the planner package).
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/weekender-app/weekender/internal/persist"
	"github.com/weekender-app/weekender/internal/plan"
)

// Persistence keys. Each aspect of the state persists independently so a
// crash mid-write only risks the most recently modified keys.
const (
	keyEvents    = "events"
	keyLinks     = "links"
	keyConflicts = "conflicts"
	keyDismissed = "dismissed"
)

// Change describes one mutation batch for observers.
type Change struct {
	// EventIDs lists events created, updated or tombstoned in the batch.
	EventIDs []string
}

// Store is the authoritative in-memory event collection.
type Store struct {
	mu sync.Mutex

	events    map[string]plan.Event
	byPeriod  map[plan.PeriodKey][]string
	byStatus  map[plan.Status][]string
	linkLocal map[string]plan.Link      // local event id -> link
	linkSrc   map[plan.SourceKey]string // source key -> local event id
	conflicts map[string]plan.ConflictState
	syncState map[string]plan.SyncState
	dismissed map[string]bool // dismissed informational source keys

	persist   persist.Store
	observers []func(Change)
}

// snapshot is the persisted form of the event collection.
type snapshot struct {
	Events []plan.Event `json:"events"`
}

// Open constructs a store and loads any previously persisted state from p.
// Missing keys fall back to empty state.
func Open(p persist.Store) (*Store, error) {
	s := &Store{
		events:    map[string]plan.Event{},
		linkLocal: map[string]plan.Link{},
		linkSrc:   map[plan.SourceKey]string{},
		conflicts: map[string]plan.ConflictState{},
		syncState: map[string]plan.SyncState{},
		dismissed: map[string]bool{},
		persist:   p,
	}

	var snap snapshot
	if _, err := p.Load(keyEvents, &snap); err != nil {
		return nil, fmt.Errorf("store: load events: %w", err)
	}
	for _, e := range snap.Events {
		s.events[e.ID] = e.Clone()
	}

	var links []plan.Link
	if _, err := p.Load(keyLinks, &links); err != nil {
		return nil, fmt.Errorf("store: load links: %w", err)
	}
	for _, l := range links {
		s.linkLocal[l.LocalID] = l
		s.linkSrc[l.Source] = l.LocalID
	}

	if _, err := p.Load(keyConflicts, &s.conflicts); err != nil {
		return nil, fmt.Errorf("store: load conflicts: %w", err)
	}
	if _, err := p.Load(keyDismissed, &s.dismissed); err != nil {
		return nil, fmt.Errorf("store: load dismissed set: %w", err)
	}

	s.rebuildIndicesLocked()
	return s, nil
}

// OnChange registers an observer invoked after each mutation batch.
// Observers run outside the store mutex.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Get returns a snapshot of the event with the given id. Tombstoned events
// are returned too; callers that only want live events check Deleted.
func (s *Store) Get(id string) (plan.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return plan.Event{}, false
	}
	return e.Clone(), true
}

// ByPeriod returns live (non-tombstoned) events of one period, ordered by
// start time then id.
func (s *Store) ByPeriod(key plan.PeriodKey) []plan.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byPeriod[key]
	out := make([]plan.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.events[id].Clone())
	}
	return out
}

// ByStatus returns live events with the given lifecycle status.
func (s *Store) ByStatus(status plan.Status) []plan.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byStatus[status]
	out := make([]plan.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.events[id].Clone())
	}
	return out
}

// All returns every event including tombstones, in id order.
func (s *Store) All() []plan.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]plan.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upsert inserts or replaces an event and rebuilds the derived indices.
func (s *Store) Upsert(e plan.Event) {
	s.mu.Lock()
	s.events[e.ID] = e.Clone()
	s.rebuildIndicesLocked()
	s.saveEventsLocked()
	s.mu.Unlock()
	s.notify(Change{EventIDs: []string{e.ID}})
}

// Tombstone marks an event as locally deleted. The entry survives until
// Purge so the reconciler and sync engine can still observe it.
func (s *Store) Tombstone(id string) bool {
	s.mu.Lock()
	e, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.Deleted = true
	s.events[id] = e
	s.rebuildIndicesLocked()
	s.saveEventsLocked()
	s.mu.Unlock()
	s.notify(Change{EventIDs: []string{id}})
	return true
}

// Purge removes an event entirely, along with its link, conflict and sync
// state. Used once a deletion has fully propagated.
func (s *Store) Purge(id string) {
	s.mu.Lock()
	delete(s.events, id)
	if l, ok := s.linkLocal[id]; ok {
		delete(s.linkSrc, l.Source)
		delete(s.linkLocal, id)
		s.saveLinksLocked()
	}
	delete(s.conflicts, id)
	delete(s.syncState, id)
	s.rebuildIndicesLocked()
	s.saveEventsLocked()
	s.saveConflictsLocked()
	s.mu.Unlock()
	s.notify(Change{EventIDs: []string{id}})
}

// Overlap is a pair of actionable events double-booked in one period.
// Overlap detection is a read-only query, deliberately separate from
// ConflictState, which tracks only fingerprint divergence.
type Overlap struct {
	A, B plan.Event
}

// Overlaps reports pairs of live, planned events in the period whose
// intervals intersect.
func (s *Store) Overlaps(key plan.PeriodKey) []Overlap {
	events := s.ByPeriod(key)
	var out []Overlap
	for i := 0; i < len(events); i++ {
		if events[i].Status != plan.StatusPlanned {
			continue
		}
		for j := i + 1; j < len(events); j++ {
			if events[j].Status != plan.StatusPlanned {
				continue
			}
			if events[i].Overlaps(events[j]) {
				out = append(out, Overlap{A: events[i], B: events[j]})
			}
		}
	}
	return out
}

func (s *Store) rebuildIndicesLocked() {
	// Full rebuild on every mutation is acceptable at this scale; the event
	// count is bounded by what a person plans across a handful of weekends.
	s.byPeriod = map[plan.PeriodKey][]string{}
	s.byStatus = map[plan.Status][]string{}
	for id, e := range s.events {
		if e.Deleted {
			continue
		}
		s.byPeriod[e.Period] = append(s.byPeriod[e.Period], id)
		s.byStatus[e.Status] = append(s.byStatus[e.Status], id)
	}
	for _, ids := range s.byPeriod {
		s.sortIDsLocked(ids)
	}
	for _, ids := range s.byStatus {
		s.sortIDsLocked(ids)
	}
}

func (s *Store) sortIDsLocked(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.events[ids[i]], s.events[ids[j]]
		if !a.StartsAt.Equal(b.StartsAt) {
			return a.StartsAt.Before(b.StartsAt)
		}
		return a.ID < b.ID
	})
}

func (s *Store) saveEventsLocked() {
	events := make([]plan.Event, 0, len(s.events))
	for _, e := range s.events {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	_ = s.persist.Save(keyEvents, snapshot{Events: events}, persist.Debounced)
}

func (s *Store) notify(c Change) {
	s.mu.Lock()
	observers := append([]func(Change){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(c)
	}
}
