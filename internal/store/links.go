package store

import (
	"fmt"
	"sort"

	"github.com/weekender-app/weekender/internal/persist"
	"github.com/weekender-app/weekender/internal/plan"
)

// SetLink creates or replaces the link for a local event.
//
// Enforced invariants: at most one link per local event id, and at most one
// local event per source key. An attempt to attach a source key that is
// already linked to a different local event is rejected.
func (s *Store) SetLink(l plan.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if other, ok := s.linkSrc[l.Source]; ok && other != l.LocalID {
		return fmt.Errorf("store: source %s already linked to event %s", l.Source, other)
	}
	if prev, ok := s.linkLocal[l.LocalID]; ok && prev.Source != l.Source {
		delete(s.linkSrc, prev.Source)
	}
	s.linkLocal[l.LocalID] = l
	s.linkSrc[l.Source] = l.LocalID
	s.saveLinksLocked()
	return nil
}

// LinkByLocal returns the link attached to a local event.
func (s *Store) LinkByLocal(localID string) (plan.Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.linkLocal[localID]
	return l, ok
}

// LinkBySource returns the link carrying the given source key.
func (s *Store) LinkBySource(key plan.SourceKey) (plan.Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.linkSrc[key]
	if !ok {
		return plan.Link{}, false
	}
	return s.linkLocal[id], true
}

// DeleteLink removes the link for a local event, if any.
func (s *Store) DeleteLink(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.linkLocal[localID]
	if !ok {
		return
	}
	delete(s.linkSrc, l.Source)
	delete(s.linkLocal, localID)
	s.saveLinksLocked()
}

// Links returns all links ordered by local event id.
func (s *Store) Links() []plan.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]plan.Link, 0, len(s.linkLocal))
	for _, l := range s.linkLocal {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

func (s *Store) saveLinksLocked() {
	links := make([]plan.Link, 0, len(s.linkLocal))
	for _, l := range s.linkLocal {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].LocalID < links[j].LocalID })
	_ = s.persist.Save(keyLinks, links, persist.Debounced)
}
