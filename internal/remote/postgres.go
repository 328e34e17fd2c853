package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/weekender-app/weekender/internal/plan"
)

const postgresMigration = `
CREATE TABLE IF NOT EXISTS planner_events (
	owner      TEXT NOT NULL,
	id         TEXT NOT NULL,
	period     TEXT NOT NULL,
	status     TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL,
	PRIMARY KEY (owner, id)
);
CREATE INDEX IF NOT EXISTS idx_planner_events_owner_period ON planner_events (owner, period);
CREATE TABLE IF NOT EXISTS planner_protections (
	owner       TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	period      TEXT NOT NULL,
	PRIMARY KEY (owner, calendar_id, period)
);
CREATE TABLE IF NOT EXISTS planner_audit_log (
	id        TEXT PRIMARY KEY,
	owner     TEXT NOT NULL,
	actor     TEXT NOT NULL,
	action    TEXT NOT NULL,
	entity_id TEXT,
	at        TIMESTAMPTZ NOT NULL,
	detail    TEXT
);
`

// PostgresStore is a remote planner store backed by Postgres, for accounts
// hosted on a shared backend.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to Postgres with the given DSN and applies the
// idempotent migration.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("remote: postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("remote: open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &Error{Code: CodeUnavailable, Op: "connect", Err: err}
	}
	if _, err := db.ExecContext(ctx, postgresMigration); err != nil {
		db.Close()
		return nil, fmt.Errorf("remote: apply migration: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) GetEvent(ctx context.Context, owner, id string) (plan.Event, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM planner_events WHERE owner = $1 AND id = $2`, owner, id,
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

func (s *PostgresStore) InsertEvent(ctx context.Context, owner string, e plan.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return &Error{Code: CodeInternal, Op: "encode event", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO planner_events (owner, id, period, status, updated_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner, id)
		DO UPDATE SET period = EXCLUDED.period, status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at, payload = EXCLUDED.payload
	`, owner, e.ID, string(e.Period), string(e.Status), e.UpdatedAt.UTC(), string(payload))
	if err != nil {
		return &Error{Code: CodeUnavailable, Op: "insert event", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpdateEvent(ctx context.Context, owner string, e plan.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return &Error{Code: CodeInternal, Op: "encode event", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE planner_events SET period = $1, status = $2, updated_at = $3, payload = $4
		WHERE owner = $5 AND id = $6
	`, string(e.Period), string(e.Status), e.UpdatedAt.UTC(), string(payload), owner, e.ID)
	if err != nil {
		return &Error{Code: CodeUnavailable, Op: "update event", Err: err}
	}
	return nil
}

func (s *PostgresStore) DeleteEvent(ctx context.Context, owner, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM planner_events WHERE owner = $1 AND id = $2`, owner, id)
	if err != nil {
		return &Error{Code: CodeUnavailable, Op: "delete event", Err: err}
	}
	return nil
}

func (s *PostgresStore) SetProtection(ctx context.Context, owner string, p plan.ProtectionChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Code: CodeUnavailable, Op: "set protection", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM planner_protections WHERE owner = $1 AND calendar_id = $2 AND period = $3`,
		owner, p.CalendarID, string(p.Period)); err != nil {
		return &Error{Code: CodeUnavailable, Op: "set protection", Err: err}
	}
	if p.Protected {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO planner_protections (owner, calendar_id, period) VALUES ($1, $2, $3)`,
			owner, p.CalendarID, string(p.Period)); err != nil {
			return &Error{Code: CodeUnavailable, Op: "set protection", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Code: CodeUnavailable, Op: "set protection", Err: err}
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, owner string, rec plan.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO planner_audit_log (id, owner, actor, action, entity_id, at, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, owner, rec.Actor, rec.Action, rec.EntityID, rec.At.UTC(), rec.Detail)
	if err != nil {
		return &Error{Code: CodeUnavailable, Op: "append audit", Err: err}
	}
	return nil
}
