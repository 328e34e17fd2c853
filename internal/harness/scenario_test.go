package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadScenarioParsesSteps(t *testing.T) {
	path := writeScenario(t, `
name: smoke
description: one create and one sync
calendars:
  - id: family
    writable: true
steps:
  - do: create_event
    event:
      title: Hike
      period: "2024-06-08"
      days: [sat]
      start: "2024-06-08T09:00:00Z"
      end: "2024-06-08T12:00:00Z"
  - do: sync
`)
	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "smoke", s.Name)
	require.Len(t, s.Steps, 2)
	assert.Equal(t, StepCreateEvent, s.Steps[0].Do)
	require.NotNil(t, s.Steps[0].Event)
	assert.Equal(t, "Hike", s.Steps[0].Event.Title)
	assert.Equal(t, []string{"sat"}, s.Steps[0].Event.Days)
}

func TestLoadScenarioRejectsUnknownFields(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: misspelled key
calendars:
  - id: family
step:
  - do: sync
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse scenario")
}

func TestLoadScenarioValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing name",
			body: "description: d\ncalendars: [{id: a}]\nsteps: [{do: sync}]\n",
			want: "name is required",
		},
		{
			name: "no calendars",
			body: "name: n\ndescription: d\nsteps: [{do: sync}]\n",
			want: "calendar is required",
		},
		{
			name: "duplicate calendar",
			body: "name: n\ndescription: d\ncalendars: [{id: a}, {id: a}]\nsteps: [{do: sync}]\n",
			want: "duplicate id",
		},
		{
			name: "unknown step kind",
			body: "name: n\ndescription: d\ncalendars: [{id: a}]\nsteps: [{do: frobnicate}]\n",
			want: "unknown step kind",
		},
		{
			name: "create without event",
			body: "name: n\ndescription: d\ncalendars: [{id: a}]\nsteps: [{do: create_event}]\n",
			want: "event is required",
		},
		{
			name: "advance without duration",
			body: "name: n\ndescription: d\ncalendars: [{id: a}]\nsteps: [{do: advance_clock}]\n",
			want: "advance_clock",
		},
		{
			name: "bad reconcile trigger",
			body: "name: n\ndescription: d\ncalendars: [{id: a}]\nsteps: [{do: reconcile, trigger: maybe}]\n",
			want: "unknown trigger",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
