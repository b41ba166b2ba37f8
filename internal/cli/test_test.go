package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `
name: quick_save
description: One update saved after the debounce window
engine:
  debounce_ms: 100
steps:
  - do: update
    phase: growth
    step: newsletter
    status: completed
  - do: advance
    ms: 100
assertions:
  - type: call_times
    op: save_step
    at_ms: [100]
`

const failingScenario = `
name: wrong_expectation
description: Asserts a save that never happens
steps:
  - do: initialize
assertions:
  - type: call_count
    op: save_step
    count: 1
`

func newTestCmd(t *testing.T, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: format}
	cmd := NewTestCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

func writeScenario(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0644))
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := newTestCmd(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := newTestCmd(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenarios directory not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	buf, err := newTestCmd(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	buf, err := newTestCmd(t, "json", t.TempDir())
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Data.Total)
	assert.NotNil(t, resp.Data.Scenarios)
}

func TestTestCommandHarnessTestdata(t *testing.T) {
	buf, err := newTestCmd(t, "json", filepath.Join("..", "harness", "testdata", "scenarios"))
	require.NoError(t, err, buf.String())

	var resp struct {
		Data TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Positive(t, resp.Data.Total)
	assert.Equal(t, resp.Data.Total, resp.Data.Passed)
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scenarios")
	writeScenario(t, dir, "quick_save", passingScenario)
	writeScenario(t, dir, "wrong_expectation", failingScenario)

	buf, err := newTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out := buf.String()
	assert.Contains(t, out, "✓ quick_save")
	assert.Contains(t, out, "✗ wrong_expectation")
	assert.Contains(t, out, "Assertion failed: call_count")
	assert.Contains(t, out, "1 passed, 1 failed, 2 total")
}

func TestTestCommandUpdateAndCompareGolden(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "scenarios")
	writeScenario(t, dir, "quick_save", passingScenario)

	_, err := newTestCmd(t, "text", dir, "--update")
	require.NoError(t, err)

	goldenPath := filepath.Join(root, "golden", "quick_save.golden")
	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name":"quick_save"`)
	assert.Contains(t, string(golden), `{"at_ms":100,"op":"save_step"`)

	_, err = newTestCmd(t, "text", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"scenario_name":"quick_save","trace":[]}`), 0644))
	buf, err := newTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "trace does not match golden file")
}

func TestTestCommandGoldenDirFlag(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scenarios")
	goldenDir := filepath.Join(t.TempDir(), "traces")
	writeScenario(t, dir, "quick_save", passingScenario)

	_, err := newTestCmd(t, "text", dir, "--update", "--golden-dir", goldenDir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(goldenDir, "quick_save.golden"))
}

func TestFindScenarioFilesWithFilter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "retry_recovers", passingScenario)
	writeScenario(t, dir, "retry_exhausted", passingScenario)
	writeScenario(t, filepath.Join(dir, "nested"), "debounce", passingScenario)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	all, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	retries, err := findScenarioFiles(dir, "retry_*")
	require.NoError(t, err)
	assert.Len(t, retries, 2)

	_, err = findScenarioFiles(dir, "[")
	require.Error(t, err)
}
