package remote

import (
	"context"
	"sync"

	"github.com/weekender-app/weekender/internal/plan"
)

// Memory is an in-memory remote planner store used by tests and the
// scenario harness. It can be told to fail, which makes every call return
// ErrUnavailable until the failure is cleared — the shape of a network
// outage as seen by the sync engine.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu          sync.Mutex
	events      map[string]map[string]plan.Event // owner -> id -> event
	protections map[string]map[string]bool       // owner -> "cal:period" -> true
	audit       map[string][]plan.AuditRecord    // owner -> records
	failing     bool
	calls       int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events:      map[string]map[string]plan.Event{},
		protections: map[string]map[string]bool{},
		audit:       map[string][]plan.AuditRecord{},
	}
}

// SetFailing toggles outage mode.
func (m *Memory) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

// Calls returns the number of store operations attempted, including failed
// ones. Used to assert compaction call counts.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Memory) checkLocked(op string) error {
	m.calls++
	if m.failing {
		return &Error{Code: CodeUnavailable, Op: op, Err: ErrUnavailable}
	}
	return nil
}

func (m *Memory) GetEvent(_ context.Context, owner, id string) (plan.Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("get event"); err != nil {
		return plan.Event{}, false, err
	}
	e, ok := m.events[owner][id]
	if !ok {
		return plan.Event{}, false, nil
	}
	return e.Clone(), true, nil
}

func (m *Memory) InsertEvent(_ context.Context, owner string, e plan.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("insert event"); err != nil {
		return err
	}
	if m.events[owner] == nil {
		m.events[owner] = map[string]plan.Event{}
	}
	m.events[owner][e.ID] = e.Clone()
	return nil
}

func (m *Memory) UpdateEvent(_ context.Context, owner string, e plan.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("update event"); err != nil {
		return err
	}
	if _, ok := m.events[owner][e.ID]; ok {
		m.events[owner][e.ID] = e.Clone()
	}
	return nil
}

func (m *Memory) DeleteEvent(_ context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("delete event"); err != nil {
		return err
	}
	delete(m.events[owner], id)
	return nil
}

func (m *Memory) SetProtection(_ context.Context, owner string, p plan.ProtectionChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("set protection"); err != nil {
		return err
	}
	key := p.CalendarID + ":" + string(p.Period)
	if m.protections[owner] == nil {
		m.protections[owner] = map[string]bool{}
	}
	delete(m.protections[owner], key)
	if p.Protected {
		m.protections[owner][key] = true
	}
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, owner string, rec plan.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("append audit"); err != nil {
		return err
	}
	for _, existing := range m.audit[owner] {
		if existing.ID == rec.ID {
			return nil // append-only and idempotent per record id
		}
	}
	m.audit[owner] = append(m.audit[owner], rec)
	return nil
}

func (m *Memory) Close() error { return nil }

// Event returns the stored event for assertions.
func (m *Memory) Event(owner, id string) (plan.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[owner][id]
	if !ok {
		return plan.Event{}, false
	}
	return e.Clone(), true
}

// EventCount returns the number of events stored for an owner.
func (m *Memory) EventCount(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events[owner])
}

// Protected reports whether a (calendar, period) pair is protected.
func (m *Memory) Protected(owner, calendarID string, period plan.PeriodKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protections[owner][calendarID+":"+string(period)]
}

// AuditLog returns the owner's audit records in append order.
func (m *Memory) AuditLog(owner string) []plan.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]plan.AuditRecord(nil), m.audit[owner]...)
}
