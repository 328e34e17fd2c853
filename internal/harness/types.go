package harness

// TraceEvent is one executed step and its one-line outcome.
type TraceEvent struct {
	Seq    int    `json:"seq"`
	Do     string `json:"do"`
	Detail string `json:"detail"`
}

// Result is the outcome of a scenario run: the step trace plus the final
// state snapshot. Marshalled as indented JSON for golden comparison.
type Result struct {
	Scenario string       `json:"scenario"`
	Trace    []TraceEvent `json:"trace"`
	State    State        `json:"state"`
}

// State snapshots local, remote and external calendar state after the
// last step. Slices are sorted so the rendering is deterministic.
type State struct {
	Local         []EventState    `json:"local"`
	Links         []LinkState     `json:"links,omitempty"`
	Dismissed     []string        `json:"dismissed,omitempty"`
	OutboxDepth   int             `json:"outbox_depth"`
	LastSyncError string          `json:"last_sync_error,omitempty"`
	Remote        RemoteState     `json:"remote"`
	External      []ExternalState `json:"external,omitempty"`
}

// EventState summarizes one local event, tombstones included.
type EventState struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Period   string   `json:"period"`
	Days     []string `json:"days"`
	Start    string   `json:"start,omitempty"`
	End      string   `json:"end,omitempty"`
	AllDay   bool     `json:"all_day,omitempty"`
	Status   string   `json:"status"`
	Sync     string   `json:"sync"`
	Conflict string   `json:"conflict,omitempty"`
	Deleted  bool     `json:"deleted,omitempty"`
}

// LinkState summarizes one local-to-external link.
type LinkState struct {
	Local         string `json:"local"`
	Source        string `json:"source"`
	Writable      bool   `json:"writable,omitempty"`
	Informational bool   `json:"informational,omitempty"`
}

// RemoteState summarizes the remote planner store for the scenario owner.
type RemoteState struct {
	Events    []RemoteEvent `json:"events"`
	Audit     []string      `json:"audit,omitempty"`
	Protected []string      `json:"protected,omitempty"`
}

// RemoteEvent is the remote copy of an event.
type RemoteEvent struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Period string `json:"period"`
	Status string `json:"status"`
}

// ExternalState is one event as the external calendar currently holds it.
type ExternalState struct {
	Calendar string `json:"calendar"`
	ID       string `json:"id"`
	Title    string `json:"title"`
	Start    string `json:"start"`
	End      string `json:"end"`
	AllDay   bool   `json:"all_day,omitempty"`
}
