package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scenariosDir = filepath.Join("..", "harness", "testdata", "scenarios")

func TestTestCommandUpdateThenCompare(t *testing.T) {
	golden := t.TempDir()

	out, _, err := execute(t, "test", scenariosDir, "--golden", golden, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "\u2713 incremental_lifecycle")
	assert.Contains(t, out, "2 passed, 0 failed, 2 total")
	assert.FileExists(t, filepath.Join(golden, "duplicate_key_aborts.golden"))

	out, _, err = execute(t, "--format", "json", "test", scenariosDir, "--golden", golden)
	require.NoError(t, err)
	resp := decode[TestResult](t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Passed)
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	golden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(golden, "duplicate_key_aborts.golden"), []byte("stale\n"), 0o644))

	out, _, err := execute(t, "test", scenariosDir, "--golden", golden, "--filter", "duplicate_*")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "\u2717 duplicate_key_aborts")
	assert.Contains(t, out, "does not match golden file")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")
}

func TestTestCommandFailingScenario(t *testing.T) {
	config, err := filepath.Abs(filepath.Join("..", "harness", "testdata", "configs", "comms.yaml"))
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(`
name: wrong
description: expects a change that never happens
config: `+config+`
runs:
  - entity: companies
    rows:
      companies:
        - { company_id: C1, name: Acme }
    expect:
      changes: { new: 0, modified: 1, deleted: 0, unchanged: 0 }
`), 0o644))

	out, _, err := execute(t, "--format", "json", "test", dir, "--golden", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decode[TestResult](t, out)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.False(t, resp.Data.Scenarios[0].Pass)
	assert.Contains(t, resp.Data.Scenarios[0].Errors[0], "changes: expected")
}

func TestTestCommandMissingDirectory(t *testing.T) {
	_, _, err := execute(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestFindScenarioFiles(t *testing.T) {
	files, err := findScenarioFiles(scenariosDir, "incremental_*")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "incremental_lifecycle.yaml", filepath.Base(files[0]))

	_, err = findScenarioFiles(scenariosDir, "[")
	assert.ErrorContains(t, err, "invalid filter pattern")
}
