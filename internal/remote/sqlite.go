package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/weekender-app/weekender/internal/plan"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is a remote planner store backed by SQLite. Used for local
// development and as the embedded single-account backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at the given path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - a single connection (SQLite supports one writer at a time)
//
// Idempotent: safe to call multiple times against the same file.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("remote: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("remote: connect: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("remote: apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("remote: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) GetEvent(ctx context.Context, owner, id string) (plan.Event, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM events WHERE owner = ? AND id = ?`, owner, id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return plan.Event{}, false, nil
	}
	if err != nil {
		return plan.Event{}, false, &Error{Code: CodeUnavailable, Op: "get event", Err: err}
	}
	var e plan.Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return plan.Event{}, false, &Error{Code: CodeInternal, Op: "decode event", Err: err}
	}
	return e, true, nil
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, owner string, e plan.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return &Error{Code: CodeInternal, Op: "encode event", Err: err}
	}
	// ON CONFLICT DO UPDATE keeps insert idempotent under replayed flushes.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (owner, id, period, status, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, id) DO UPDATE SET
			period = excluded.period,
			status = excluded.status,
			updated_at = excluded.updated_at,
			payload = excluded.payload
	`, owner, e.ID, string(e.Period), string(e.Status),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return &Error{Code: CodeUnavailable, Op: "insert event", Err: err}
	}
	return nil
}

func (s *SQLiteStore) UpdateEvent(ctx context.Context, owner string, e plan.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return &Error{Code: CodeInternal, Op: "encode event", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE events SET period = ?, status = ?, updated_at = ?, payload = ?
		WHERE owner = ? AND id = ?
	`, string(e.Period), string(e.Status),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano), string(payload), owner, e.ID)
	if err != nil {
		return &Error{Code: CodeUnavailable, Op: "update event", Err: err}
	}
	return nil
}

func (s *SQLiteStore) DeleteEvent(ctx context.Context, owner, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE owner = ? AND id = ?`, owner, id)
	if err != nil {
		return &Error{Code: CodeUnavailable, Op: "delete event", Err: err}
	}
	return nil
}

func (s *SQLiteStore) SetProtection(ctx context.Context, owner string, p plan.ProtectionChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Code: CodeUnavailable, Op: "set protection", Err: err}
	}
	defer tx.Rollback()

	// Delete-then-insert keeps enabling idempotent; disabling is the
	// delete alone.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM protections WHERE owner = ? AND calendar_id = ? AND period = ?`,
		owner, p.CalendarID, string(p.Period)); err != nil {
		return &Error{Code: CodeUnavailable, Op: "set protection", Err: err}
	}
	if p.Protected {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO protections (owner, calendar_id, period) VALUES (?, ?, ?)`,
			owner, p.CalendarID, string(p.Period)); err != nil {
			return &Error{Code: CodeUnavailable, Op: "set protection", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Code: CodeUnavailable, Op: "set protection", Err: err}
	}
	return nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, owner string, rec plan.AuditRecord) error {
	// ON CONFLICT DO NOTHING: a replayed append of the same record id is
	// silently ignored, keeping the path idempotent without ever updating
	// an existing row.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, owner, actor, action, entity_id, at, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, owner, rec.Actor, rec.Action, rec.EntityID,
		rec.At.UTC().Format(time.RFC3339Nano), rec.Detail)
	if err != nil {
		return &Error{Code: CodeUnavailable, Op: "append audit", Err: err}
	}
	return nil
}
