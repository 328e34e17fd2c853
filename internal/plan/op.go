package plan

import (
	"fmt"
	"time"
)

// OpKind identifies a pending-operation kind.
type OpKind string

const (
	// OpUpsertEvent replicates an event snapshot to the remote store.
	OpUpsertEvent OpKind = "upsert-event"
	// OpDeleteEvent removes an event from the remote store.
	OpDeleteEvent OpKind = "delete-event"
	// OpSetProtection enables or disables weekend protection for a
	// (calendar, period) pair.
	OpSetProtection OpKind = "set-protection"
	// OpAppendAudit appends a record to the remote audit log.
	OpAppendAudit OpKind = "append-audit"
)

// ProtectionChange is the payload of a set-protection operation.
type ProtectionChange struct {
	CalendarID string    `json:"calendar_id"`
	Period     PeriodKey `json:"period"`
	Protected  bool      `json:"protected"`
}

// AuditRecord is the payload of an append-audit operation. The remote audit
// collection is insert-only; records are never updated or deleted.
type AuditRecord struct {
	ID       string    `json:"id"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	EntityID string    `json:"entity_id,omitempty"`
	At       time.Time `json:"at"`
	Detail   string    `json:"detail,omitempty"`
}

// PendingOp is one outbox entry: a local mutation awaiting application to
// the remote store. Created on every local mutation, destroyed when
// successfully applied.
type PendingOp struct {
	ID       string    `json:"id"`
	Kind     OpKind    `json:"kind"`
	EntityID string    `json:"entity_id"`
	CreatedAt time.Time `json:"created_at"`

	// Attempts counts failed remote applications; NextAttemptAt gates the
	// next try under capped exponential backoff.
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// Exactly one payload field is set, matching Kind.
	Event      *Event            `json:"event,omitempty"`
	Protection *ProtectionChange `json:"protection,omitempty"`
	Audit      *AuditRecord      `json:"audit,omitempty"`
}

// CoalesceKey returns the key under which outbox compaction collapses this
// operation, or "" for kinds that never coalesce (append-audit).
//
// Upsert and delete for the same event share one key: a later delete
// supersedes an earlier upsert and vice versa. Protection changes coalesce
// per (calendar, period).
func (op PendingOp) CoalesceKey() string {
	switch op.Kind {
	case OpUpsertEvent, OpDeleteEvent:
		return "event:" + op.EntityID
	case OpSetProtection:
		if op.Protection == nil {
			return ""
		}
		return fmt.Sprintf("protection:%s:%s", op.Protection.CalendarID, op.Protection.Period)
	default:
		return ""
	}
}
