package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/record"
)

func TestRunIsIncremental(t *testing.T) {
	db := filepath.Join(t.TempDir(), "sync.db")

	out, _, err := execute(t, "--format", "json", "run", pipelineConfig, "--db", db)
	require.NoError(t, err)
	first := decode[RunResult](t, out)
	assert.Equal(t, "ok", first.Status)
	require.Len(t, first.Data.Batches, 2)

	companies, contacts := first.Data.Batches[0], first.Data.Batches[1]
	assert.Equal(t, "companies", companies.EntityType)
	assert.Equal(t, record.ChangeCounts{New: 2}, companies.Changes)
	assert.Equal(t, "contacts", contacts.EntityType)
	assert.Equal(t, record.ChangeCounts{New: 2}, contacts.Changes)
	// No reconciliation entries exist yet.
	assert.Equal(t, 2, contacts.OrphanCount)

	out, _, err = execute(t, "--format", "json", "run", pipelineConfig, "--db", db)
	require.NoError(t, err)
	second := decode[RunResult](t, out)
	for _, b := range second.Data.Batches {
		assert.Equal(t, record.ChangeCounts{Unchanged: 2}, b.Changes, b.EntityType)
		assert.NotEqual(t, companies.RunID, b.RunID)
	}
}

func TestRunText(t *testing.T) {
	out, _, err := execute(t, "run", pipelineConfig, "--db", filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	assert.Contains(t, out, "\u2713 companies ")
	assert.Contains(t, out, "new=2 modified=0 deleted=0 unchanged=0 errors=0 orphans=2")
}

func TestRunSingleEntity(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "run", pipelineConfig,
		"--db", filepath.Join(t.TempDir(), "sync.db"), "--entity", "companies")
	require.NoError(t, err)
	resp := decode[RunResult](t, out)
	require.Len(t, resp.Data.Batches, 1)
	assert.Equal(t, "companies", resp.Data.Batches[0].EntityType)
}

func TestRunUnknownEntity(t *testing.T) {
	out, _, err := execute(t, "run", pipelineConfig, "--db", filepath.Join(t.TempDir(), "sync.db"), "--entity", "deals")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, `unknown entity "deals" (configured: companies, contacts)`)
}

func TestRunWritesMetrics(t *testing.T) {
	dir := t.TempDir()
	prom := filepath.Join(dir, "crmsync.prom")

	_, _, err := execute(t, "run", pipelineConfig, "--db", filepath.Join(dir, "sync.db"), "--metrics-out", prom)
	require.NoError(t, err)

	data, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(data), `crmsync_runs_total{entity="contacts",state="done"} 1`)
	assert.Contains(t, string(data), `crmsync_orphaned_rows{entity="contacts"} 2`)
}

func TestRunFailureSkipsDependents(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "run", filepath.Join("testdata", "missing_source.yaml"),
		"--db", filepath.Join(t.TempDir(), "sync.db"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decode[RunResult](t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeRun, resp.Error.Code)
	assert.Equal(t, 2, resp.Data.Failed)
	require.Len(t, resp.Data.Batches, 2)
	assert.Equal(t, record.StageExtracting, resp.Data.Batches[0].FailedStage)
	assert.Equal(t, record.StageDependency, resp.Data.Batches[1].FailedStage)
}

func TestRunInvalidConfig(t *testing.T) {
	out, _, err := execute(t, "run", filepath.Join("testdata", "invalid.yaml"), "--db", filepath.Join(t.TempDir(), "sync.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "E214")
}
