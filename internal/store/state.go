package store

import (
	"github.com/weekender-app/weekender/internal/persist"
	"github.com/weekender-app/weekender/internal/plan"
)

// Conflict returns the conflict state of an event; absent entries read as
// none.
func (s *Store) Conflict(id string) plan.ConflictState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conflicts[id]; ok {
		return c
	}
	return plan.ConflictNone
}

// MarkConflictPending records a fingerprint divergence that cannot be
// auto-merged. A previously acknowledged conflict re-arms to pending.
func (s *Store) MarkConflictPending(id string) {
	s.mu.Lock()
	s.conflicts[id] = plan.ConflictPending
	s.saveConflictsLocked()
	s.mu.Unlock()
	s.notify(Change{EventIDs: []string{id}})
}

// AcknowledgeConflict moves a pending conflict to acknowledged. Only
// explicit user action calls this; it is a no-op unless the state is
// pending.
func (s *Store) AcknowledgeConflict(id string) bool {
	s.mu.Lock()
	if s.conflicts[id] != plan.ConflictPending {
		s.mu.Unlock()
		return false
	}
	s.conflicts[id] = plan.ConflictAcknowledged
	s.saveConflictsLocked()
	s.mu.Unlock()
	s.notify(Change{EventIDs: []string{id}})
	return true
}

// ClearConflict resets an event's conflict state to none, used when a later
// reconciliation pass observes that the divergence resolved.
func (s *Store) ClearConflict(id string) {
	s.mu.Lock()
	if _, ok := s.conflicts[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conflicts, id)
	s.saveConflictsLocked()
	s.mu.Unlock()
	s.notify(Change{EventIDs: []string{id}})
}

// PendingConflicts returns ids of events whose conflict state is pending.
func (s *Store) PendingConflicts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, c := range s.conflicts {
		if c == plan.ConflictPending {
			out = append(out, id)
		}
	}
	return out
}

// SyncStateOf reports the observational replication state of an entity.
// Entities with no outbox history read as synced.
func (s *Store) SyncStateOf(id string) plan.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.syncState[id]; ok {
		return st
	}
	return plan.SyncSynced
}

// SetSyncState records the replication state derived by the outbox and sync
// engine. Purely observational; never authoritative.
func (s *Store) SetSyncState(id string, st plan.SyncState) {
	s.mu.Lock()
	if st == plan.SyncSynced {
		delete(s.syncState, id)
	} else {
		s.syncState[id] = st
	}
	s.mu.Unlock()
}

// DismissSource adds an informational source key to the dismissed set; the
// reconciler skips dismissed sources entirely.
func (s *Store) DismissSource(key plan.SourceKey) {
	s.mu.Lock()
	s.dismissed[key.String()] = true
	_ = s.persist.Save(keyDismissed, s.dismissed, persist.Immediate)
	s.mu.Unlock()
}

// IsDismissed reports whether the user dismissed this informational source.
func (s *Store) IsDismissed(key plan.SourceKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dismissed[key.String()]
}

func (s *Store) saveConflictsLocked() {
	_ = s.persist.Save(keyConflicts, s.conflicts, persist.Debounced)
}
