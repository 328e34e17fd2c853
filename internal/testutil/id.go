package testutil

import (
	"fmt"
	"sync"
)

// FixedIDs returns predetermined identifiers for testing.
//
// This enables deterministic scenario execution and golden comparison.
// Tests provide a known sequence and verify exact output.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedIDs struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedIDs creates a generator that returns ids in order. When the
// provided ids run out it keeps generating "id-N" with an increasing N, so
// scenarios do not have to pre-count every identifier they will consume.
func NewFixedIDs(ids ...string) *FixedIDs {
	return &FixedIDs{ids: ids}
}

// NewID returns the next identifier in the sequence.
func (g *FixedIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.idx++
	if g.idx <= len(g.ids) {
		return g.ids[g.idx-1]
	}
	return fmt.Sprintf("id-%d", g.idx)
}
