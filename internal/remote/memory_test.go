package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weekender-app/weekender/internal/plan"
)

func TestMemoryFailingMode(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.SetFailing(true)
	err := m.InsertEvent(ctx, "alice", testEvent("ev1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "outage failures are transient")

	m.SetFailing(false)
	require.NoError(t, m.InsertEvent(ctx, "alice", testEvent("ev1")))
	assert.Equal(t, 2, m.Calls(), "failed calls count too")
	assert.Equal(t, 1, m.EventCount("alice"))
}

func TestMemoryAuditIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec := plan.AuditRecord{ID: "a1", Actor: "alice", Action: "event.create", At: time.Now()}

	require.NoError(t, m.AppendAudit(ctx, "alice", rec))
	require.NoError(t, m.AppendAudit(ctx, "alice", rec))
	assert.Len(t, m.AuditLog("alice"), 1)
}

func TestMemoryProtectionToggle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := plan.ProtectionChange{CalendarID: "cal", Period: "2024-06-08", Protected: true}

	require.NoError(t, m.SetProtection(ctx, "alice", p))
	assert.True(t, m.Protected("alice", "cal", "2024-06-08"))

	p.Protected = false
	require.NoError(t, m.SetProtection(ctx, "alice", p))
	assert.False(t, m.Protected("alice", "cal", "2024-06-08"))
}
