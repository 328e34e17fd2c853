// Package remote defines the remote planner store collaborator: the
// authenticated, per-account resource collections (events, protections,
// audit log) the sync engine replays the outbox against.
//
// The sync engine depends only on the narrow Store interface below;
// implementations exist for SQLite, Postgres, and an in-memory fake used by
// tests and the scenario harness.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/weekender-app/weekender/internal/plan"
)

// ErrUnavailable wraps transient failures (network, timeout, backend
// outage). The sync engine retries these under capped exponential backoff;
// they are never surfaced as data loss.
var ErrUnavailable = errors.New("remote store unavailable")

// ErrorCode categorizes remote store failures.
type ErrorCode string

const (
	// CodeUnavailable marks a transient failure worth retrying.
	CodeUnavailable ErrorCode = "UNAVAILABLE"
	// CodeInternal marks a backend bug or constraint violation.
	CodeInternal ErrorCode = "INTERNAL"
)

// Error is a structured remote store failure.
type Error struct {
	Code ErrorCode
	Op   string // the store operation that failed, e.g. "insert event"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: remote %s: %v", e.Code, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUnavailable) match transient failures.
func (e *Error) Is(target error) bool {
	return target == ErrUnavailable && e.Code == CodeUnavailable
}

// Store is the remote planner store surface the sync engine needs:
// filtered read-by-id, insert, update-by-id, delete-by-id, and insert-only
// append for the audit collection. All operations are scoped to an owner
// account.
type Store interface {
	// GetEvent reads an event by id and owner. The returned snapshot's
	// UpdatedAt drives last-write-wins resolution.
	GetEvent(ctx context.Context, owner, id string) (plan.Event, bool, error)
	// InsertEvent creates an event for the owner.
	InsertEvent(ctx context.Context, owner string, e plan.Event) error
	// UpdateEvent replaces the matching event's fields by id and owner.
	UpdateEvent(ctx context.Context, owner string, e plan.Event) error
	// DeleteEvent removes an event unconditionally by id and owner.
	// Deleting an absent event is not an error.
	DeleteEvent(ctx context.Context, owner, id string) error
	// SetProtection applies a protection change scoped to
	// (calendar, period): idempotent delete-then-insert when enabling,
	// delete-only when disabling.
	SetProtection(ctx context.Context, owner string, p plan.ProtectionChange) error
	// AppendAudit inserts a record into the append-only audit collection.
	AppendAudit(ctx context.Context, owner string, rec plan.AuditRecord) error
	// Close releases the backend.
	Close() error
}

// NewStore selects an implementation by driver name: "sqlite3" or
// "postgres". The in-memory fake is constructed directly by tests.
func NewStore(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite3":
		return OpenSQLite(dsn)
	case "postgres":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("remote: unknown driver %q", driver)
	}
}
