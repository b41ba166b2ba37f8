package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenario = `
name: test_scenario
description: "Test scenario for validation"
engine:
  debounce_ms: 100
steps:
  - do: initialize
  - do: update
    phase: validation
    step: step1
    status: completed
    data:
      score: 7
assertions:
  - type: call_count
    op: save_step
    count: 0
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	require.NotNil(t, scenario.Engine.DebounceMs)
	assert.Equal(t, 100, *scenario.Engine.DebounceMs)
	assert.Nil(t, scenario.Engine.MaxRetries)
	require.Len(t, scenario.Steps, 2)
	assert.Equal(t, DoUpdate, scenario.Steps[1].Do)
	assert.Equal(t, 7, scenario.Steps[1].Data["score"])
	require.Len(t, scenario.Assertions, 1)
	require.NotNil(t, scenario.Assertions[0].Count)
	assert.Equal(t, 0, *scenario.Assertions[0].Count)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	content := validScenario + "\nflow_token: abc\n"

	_, err := ParseScenario([]byte(content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: d\nsteps: [{do: initialize}]\nassertions: [{type: overall, overall: 0}]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: n\nsteps: [{do: initialize}]\nassertions: [{type: overall, overall: 0}]",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			content: "name: n\ndescription: d\nassertions: [{type: overall, overall: 0}]",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			content: "name: n\ndescription: d\nsteps: [{do: initialize}]",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown action",
			content: "name: n\ndescription: d\nsteps: [{do: teleport}]\nassertions: [{type: overall, overall: 0}]",
			wantErr: `steps[0]: unknown action "teleport"`,
		},
		{
			name:    "bad phase",
			content: "name: n\ndescription: d\nsteps: [{do: update, phase: nowhere, step: s, status: completed}]\nassertions: [{type: overall, overall: 0}]",
			wantErr: "unknown phase",
		},
		{
			name:    "bad status",
			content: "name: n\ndescription: d\nsteps: [{do: update, phase: setup, step: s, status: done}]\nassertions: [{type: overall, overall: 0}]",
			wantErr: "unknown status",
		},
		{
			name:    "advance without ms",
			content: "name: n\ndescription: d\nsteps: [{do: advance}]\nassertions: [{type: overall, overall: 0}]",
			wantErr: "ms must be positive",
		},
		{
			name:    "fail unknown op",
			content: "name: n\ndescription: d\nsteps: [{do: fail, op: delete_session}]\nassertions: [{type: overall, overall: 0}]",
			wantErr: `unknown gateway op "delete_session"`,
		},
		{
			name:    "negative engine setting",
			content: "name: n\ndescription: d\nengine: {max_retries: -1}\nsteps: [{do: initialize}]\nassertions: [{type: overall, overall: 0}]",
			wantErr: "engine.max_retries must be non-negative",
		},
		{
			name:    "call_count without count",
			content: "name: n\ndescription: d\nsteps: [{do: initialize}]\nassertions: [{type: call_count, op: save_step}]",
			wantErr: "count is required",
		},
		{
			name:    "unknown assertion",
			content: "name: n\ndescription: d\nsteps: [{do: initialize}]\nassertions: [{type: final_state}]",
			wantErr: `unknown assertion type "final_state"`,
		},
		{
			name:    "phase_progress without expectation",
			content: "name: n\ndescription: d\nsteps: [{do: initialize}]\nassertions: [{type: phase_progress, phase: setup}]",
			wantErr: "percentage or completed is required",
		},
		{
			name:    "bad seed",
			content: "name: n\ndescription: d\nseed: [{phase: setup, step: '', status: completed}]\nsteps: [{do: initialize}]\nassertions: [{type: overall, overall: 0}]",
			wantErr: "seed[0]: step is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_AbsentStepNeedsNoStatus(t *testing.T) {
	content := `
name: n
description: d
steps: [{do: initialize}]
assertions:
  - type: stored_step
    phase: validation
    step: step1
    absent: true
`
	scenario, err := ParseScenario([]byte(content))
	require.NoError(t, err)
	assert.True(t, scenario.Assertions[0].Absent)
}

func TestLoadScenario_Testdata(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		scenario, err := LoadScenario(f)
		require.NoError(t, err, f)
		name := filepath.Base(f)
		assert.Equal(t, name[:len(name)-len(filepath.Ext(name))], scenario.Name,
			"scenario name must match its file name")
	}
}
