package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/record"
)

func testBatch(runID, entity string, started int) record.LoadBatch {
	b := record.NewLoadBatch(runID, entity, t0.Add(time.Duration(started)*time.Hour))
	b.FinishedAt = b.StartedAt.Add(time.Minute)
	b.State = record.BatchDone
	b.Changes = record.ChangeCounts{New: 3, Modified: 1, Deleted: 0, Unchanged: 9}
	b.CountsByStage[record.StageStagingLoad] = 4
	b.CountsByCategory[record.CategoryCalls] = 4
	return b
}

func TestLoadBatchRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	b := testBatch("run-1", "communications", 0)
	b.OrphanCount = 2
	require.NoError(t, s.WriteLoadBatch(ctx, b))

	got, err := s.ReadLoadBatch(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestLoadBatchImmutable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	b := testBatch("run-1", "companies", 0)
	require.NoError(t, s.WriteLoadBatch(ctx, b))

	changed := b
	changed.State = record.BatchFailed
	changed.FailedStage = record.StagePromoting
	require.NoError(t, s.WriteLoadBatch(ctx, changed), "rewrite is a silent no-op")

	got, err := s.ReadLoadBatch(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, record.BatchDone, got.State)
}

func TestReadLoadBatchesOrdering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteLoadBatch(ctx, testBatch("run-1", "companies", 0)))
	require.NoError(t, s.WriteLoadBatch(ctx, testBatch("run-2", "contacts", 1)))
	require.NoError(t, s.WriteLoadBatch(ctx, testBatch("run-3", "companies", 2)))

	all, err := s.ReadLoadBatches(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-3", all[0].RunID, "newest first")

	companies, err := s.ReadLoadBatches(ctx, "companies", 1)
	require.NoError(t, err)
	require.Len(t, companies, 1)
	assert.Equal(t, "run-3", companies[0].RunID)

	none, err := s.ReadLoadBatches(ctx, "deals", 0)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestReadLoadBatchNotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.ReadLoadBatch(context.Background(), "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestWriteLoadBatchFailedState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	b := record.NewLoadBatch("run-f", "deals", t0)
	b.FinishedAt = t1
	b.State = record.BatchFailed
	b.FailedStage = record.StageResolvingFK
	b.Error = "lookup deals: connection refused"
	require.NoError(t, s.WriteLoadBatch(ctx, b))

	got, err := s.ReadLoadBatch(ctx, "run-f")
	require.NoError(t, err)
	assert.Equal(t, record.StageResolvingFK, got.FailedStage)
	assert.Equal(t, b.Error, got.Error)
	assert.Empty(t, got.CountsByStage)
}
