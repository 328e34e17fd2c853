package plan

// SourceKey identifies one event in one external calendar.
type SourceKey struct {
	CalendarID string `json:"calendar_id"`
	EventID    string `json:"event_id"`
}

func (k SourceKey) String() string {
	return k.CalendarID + "/" + k.EventID
}

// Link associates one local event with exactly one external calendar event.
//
// INVARIANTS (enforced by the store):
//   - at most one link per local event id
//   - at most one local event per source key
type Link struct {
	LocalID string    `json:"local_id"`
	Source  SourceKey `json:"source"`

	// LastFingerprint is the fingerprint last known to be synchronized
	// between the local event and the external event. The reconciler's
	// three-way comparison pivots on this value.
	LastFingerprint string `json:"last_fingerprint"`

	// Writable reports whether the source calendar permits write-back.
	Writable bool `json:"writable"`

	// Informational marks a read-only calendar context such as public
	// holidays; informational events never trigger write-back.
	Informational bool `json:"informational,omitempty"`
}

// ConflictState tracks fingerprint-divergence conflicts per event.
type ConflictState string

const (
	ConflictNone ConflictState = "none"
	// ConflictPending marks a divergence that cannot be auto-merged.
	ConflictPending ConflictState = "pending"
	// ConflictAcknowledged is set only by explicit user action. A new
	// divergence detected afterward re-arms the state to pending.
	ConflictAcknowledged ConflictState = "acknowledged"
)

// SyncState is the observational per-entity replication state, derived from
// outbox membership and engine outcomes. Never authoritative.
type SyncState string

const (
	SyncPending  SyncState = "pending"
	SyncRetrying SyncState = "retrying"
	SyncSynced   SyncState = "synced"
)
