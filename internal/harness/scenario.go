package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one executable end-to-end flow.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Owner is the remote account every operation is scoped to.
	// Defaults to "alice".
	Owner string `yaml:"owner,omitempty"`

	// Start is the initial clock reading, RFC 3339. Defaults to
	// 2024-06-03T08:00:00Z, a Monday morning.
	Start string `yaml:"start,omitempty"`

	// Calendars configures the external calendar sources.
	Calendars []CalendarSpec `yaml:"calendars"`

	// Steps is the executed flow, in order.
	Steps []Step `yaml:"steps"`
}

// CalendarSpec configures one external calendar source.
type CalendarSpec struct {
	ID            string `yaml:"id"`
	Writable      bool   `yaml:"writable,omitempty"`
	Informational bool   `yaml:"informational,omitempty"`
}

// Step kinds.
const (
	StepCreateEvent      = "create_event"
	StepUpdateEvent      = "update_event"
	StepCompleteEvent    = "complete_event"
	StepCancelEvent      = "cancel_event"
	StepDeleteEvent      = "delete_event"
	StepSetProtection    = "set_protection"
	StepAcknowledge      = "acknowledge_conflict"
	StepDismissSource    = "dismiss_source"
	StepSeedExternal     = "seed_external"
	StepRemoveExternal   = "remove_external"
	StepAdvanceClock     = "advance_clock"
	StepSync             = "sync"
	StepReconcile        = "reconcile"
	StepSetRemoteFailing = "set_remote_failing"
)

// Step is one action in a scenario flow. The payload fields required
// depend on the kind in Do; see validateStep.
type Step struct {
	Do string `yaml:"do"`

	// Event is the payload of create_event and update_event.
	Event *EventSpec `yaml:"event,omitempty"`

	// ID names the target event (complete, cancel, delete, acknowledge)
	// or external event id (dismiss_source, remove_external).
	ID string `yaml:"id,omitempty"`

	// Calendar names the external calendar for protection, dismissal and
	// external-event steps.
	Calendar string `yaml:"calendar,omitempty"`

	// External is the payload of seed_external.
	External *ExternalSpec `yaml:"external,omitempty"`

	// By is the advance_clock duration, e.g. "15s".
	By string `yaml:"by,omitempty"`

	// Trigger selects the reconcile trigger: "user" or "scheduled"
	// (default).
	Trigger string `yaml:"trigger,omitempty"`

	// Period and Protected are the set_protection payload.
	Period    string `yaml:"period,omitempty"`
	Protected bool   `yaml:"protected,omitempty"`

	// Failing is the set_remote_failing payload.
	Failing bool `yaml:"failing,omitempty"`
}

// EventSpec describes a local event in scenario terms.
type EventSpec struct {
	ID        string   `yaml:"id,omitempty"`
	Title     string   `yaml:"title"`
	Category  string   `yaml:"category,omitempty"`
	Period    string   `yaml:"period"`
	Days      []string `yaml:"days"`
	Start     string   `yaml:"start"`
	End       string   `yaml:"end"`
	StartTime string   `yaml:"start_time,omitempty"`
	EndTime   string   `yaml:"end_time,omitempty"`
	AllDay    bool     `yaml:"all_day,omitempty"`
	Status    string   `yaml:"status,omitempty"`
}

// ExternalSpec describes one event in an external calendar.
type ExternalSpec struct {
	Calendar string `yaml:"calendar"`
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	AllDay   bool   `yaml:"all_day,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly instead of silently dropping a step.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("harness: read scenario: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("harness: parse scenario: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("harness: invalid scenario: %w", err)
	}
	return &s, nil
}

// Validate checks required fields and per-step payloads.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Start != "" {
		if _, err := time.Parse(time.RFC3339, s.Start); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}
	if len(s.Calendars) == 0 {
		return fmt.Errorf("at least one calendar is required")
	}
	seen := map[string]bool{}
	for i, cal := range s.Calendars {
		if cal.ID == "" {
			return fmt.Errorf("calendars[%d]: id is required", i)
		}
		if seen[cal.ID] {
			return fmt.Errorf("calendars[%d]: duplicate id %q", i, cal.ID)
		}
		seen[cal.ID] = true
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, step := range s.Steps {
		if err := validateStep(&step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(st *Step) error {
	switch st.Do {
	case StepCreateEvent:
		if st.Event == nil {
			return fmt.Errorf("%s: event is required", st.Do)
		}
		return validateEventSpec(st.Event)
	case StepUpdateEvent:
		if st.Event == nil {
			return fmt.Errorf("%s: event is required", st.Do)
		}
		if st.Event.ID == "" {
			return fmt.Errorf("%s: event.id is required", st.Do)
		}
		return validateEventSpec(st.Event)
	case StepCompleteEvent, StepCancelEvent, StepDeleteEvent, StepAcknowledge:
		if st.ID == "" {
			return fmt.Errorf("%s: id is required", st.Do)
		}
	case StepSetProtection:
		if st.Calendar == "" || st.Period == "" {
			return fmt.Errorf("%s: calendar and period are required", st.Do)
		}
	case StepDismissSource, StepRemoveExternal:
		if st.Calendar == "" || st.ID == "" {
			return fmt.Errorf("%s: calendar and id are required", st.Do)
		}
	case StepSeedExternal:
		ext := st.External
		if ext == nil {
			return fmt.Errorf("%s: external is required", st.Do)
		}
		if ext.Calendar == "" || ext.ID == "" || ext.Title == "" {
			return fmt.Errorf("%s: external calendar, id and title are required", st.Do)
		}
		if _, err := time.Parse(time.RFC3339, ext.Start); err != nil {
			return fmt.Errorf("%s: external.start: %w", st.Do, err)
		}
		if _, err := time.Parse(time.RFC3339, ext.End); err != nil {
			return fmt.Errorf("%s: external.end: %w", st.Do, err)
		}
	case StepAdvanceClock:
		if _, err := time.ParseDuration(st.By); err != nil {
			return fmt.Errorf("%s: by: %w", st.Do, err)
		}
	case StepReconcile:
		switch st.Trigger {
		case "", "scheduled", "user":
		default:
			return fmt.Errorf("%s: unknown trigger %q", st.Do, st.Trigger)
		}
	case StepSync, StepSetRemoteFailing:
	case "":
		return fmt.Errorf("do is required")
	default:
		return fmt.Errorf("unknown step kind %q", st.Do)
	}
	return nil
}

func validateEventSpec(spec *EventSpec) error {
	if spec.Title == "" {
		return fmt.Errorf("event.title is required")
	}
	if spec.Period == "" {
		return fmt.Errorf("event.period is required")
	}
	if len(spec.Days) == 0 {
		return fmt.Errorf("event.days is required")
	}
	if _, err := time.Parse(time.RFC3339, spec.Start); err != nil {
		return fmt.Errorf("event.start: %w", err)
	}
	if _, err := time.Parse(time.RFC3339, spec.End); err != nil {
		return fmt.Errorf("event.end: %w", err)
	}
	return nil
}
