package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/record"
)

func TestStatusAfterRuns(t *testing.T) {
	db := filepath.Join(t.TempDir(), "sync.db")
	for range 2 {
		_, _, err := execute(t, "run", pipelineConfig, "--db", db)
		require.NoError(t, err)
	}

	out, _, err := execute(t, "--format", "json", "status", pipelineConfig, "--db", db, "--limit", "1")
	require.NoError(t, err)
	resp := decode[[]EntityStatus](t, out)
	require.Len(t, resp.Data, 2)

	contacts := resp.Data[1]
	assert.Equal(t, "contacts", contacts.Entity)
	require.NotNil(t, contacts.Snapshot)
	assert.Equal(t, 2, contacts.Snapshot.EntryCount)
	assert.Equal(t, 2, contacts.Staging[record.StatusProcessed])
	require.Len(t, contacts.Batches, 1)
	assert.Equal(t, record.ChangeCounts{Unchanged: 2}, contacts.Batches[0].Changes)
}

func TestStatusText(t *testing.T) {
	db := filepath.Join(t.TempDir(), "sync.db")
	_, _, err := execute(t, "run", pipelineConfig, "--db", db, "--entity", "companies")
	require.NoError(t, err)

	out, _, err := execute(t, "status", pipelineConfig, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "companies\n  snapshot: 2 rows")
	assert.Contains(t, out, "staging: pending=0 processed=2 error=0 deleted=0")
	assert.Contains(t, out, "contacts\n  snapshot: none (next run is a full resync)")
	assert.Contains(t, out, "no runs")
}

func TestStatusMissingDatabase(t *testing.T) {
	out, _, err := execute(t, "status", pipelineConfig, "--db", filepath.Join(t.TempDir(), "absent.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "database not found")
}
