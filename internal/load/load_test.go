package load_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/classify"
	"github.com/roach88/crmsync/internal/detect"
	"github.com/roach88/crmsync/internal/load"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/store"
	"github.com/roach88/crmsync/internal/testutil"
)

var commSchema = record.Schema{
	Version:        1,
	KeyColumns:     []string{"id"},
	TrackedColumns: []string{"type", "priority", "case_id", "company_id", "subject"},
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "load.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func classifier() load.ClassifyFunc {
	c := classify.MustNew(classify.DefaultTable(), nil)
	fields := classify.Fields{Type: "type", Priority: "priority", Association: "case_id"}
	return func(row record.Row) record.Category {
		return c.ClassifyRow(row, fields)
	}
}

func detectAgainst(t *testing.T, rows []record.Row, prior record.Snapshot) (record.ChangeSet, record.Snapshot) {
	t.Helper()
	cs, next, err := detect.Detect(rows, prior, commSchema, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return cs, next
}

func baseRows() []record.Row {
	return []record.Row{
		{"id": "E1", "type": "Call", "company_id": "A1", "subject": "Intro"},
		{"id": "E2", "type": "case", "priority": "High", "case_id": "C9", "company_id": "A1", "subject": "Outage"},
		{"id": "E3", "type": "email", "company_id": "A2", "subject": "Quote"},
	}
}

func newEngine(clock *testutil.FixedClock, opts ...load.Option) *load.Engine {
	opts = append([]load.Option{load.WithClock(clock.Now), load.WithRefFields("company_id")}, opts...)
	return load.New("communications", opts...)
}

func TestApplyInsertsPending(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	clock := testutil.NewFixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	table := s.Staging("communications")

	cs, _ := detectAgainst(t, baseRows(), record.NewSnapshot("communications", ""))
	res, err := newEngine(clock).Apply(ctx, cs, classifier(), table)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 0, res.Errors)
	assert.Equal(t, 1, res.Categories[record.CategoryCalls])
	assert.Equal(t, 1, res.Categories[record.CategoryTasks])
	assert.Equal(t, 1, res.Categories[record.CategoryEmails])
	assert.Len(t, res.Categories, len(record.Categories()), "unused categories are reported as zero")
	assert.Equal(t, 0, res.Categories[record.CategoryPostalMail])

	rows, err := table.ReadByStatus(ctx, record.StatusPending)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "E1", rows[0].NaturalKey)
	assert.Equal(t, "Call", rows[0].SourceFields["type"], "stored values are not normalized")
	assert.Equal(t, cs.New[0].Fingerprint.ContentHash, rows[0].SourceHash)
	assert.Equal(t, clock.Now(), rows[0].UpdatedAt)
}

func TestApplyIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	clock := testutil.NewFixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	table := s.Staging("communications")
	engine := newEngine(clock)

	cs, _ := detectAgainst(t, baseRows(), record.NewSnapshot("communications", ""))
	_, err := engine.Apply(ctx, cs, classifier(), table)
	require.NoError(t, err)
	first, err := table.ReadByStatus(ctx)
	require.NoError(t, err)

	_, err = engine.Apply(ctx, cs, classifier(), table)
	require.NoError(t, err)
	second, err := table.ReadByStatus(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestApplyUpdatePreservesRefsWhenRefFieldsUnchanged(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	clock := testutil.NewFixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	table := s.Staging("communications")
	engine := newEngine(clock)

	cs, snap := detectAgainst(t, baseRows(), record.NewSnapshot("communications", ""))
	_, err := engine.Apply(ctx, cs, classifier(), table)
	require.NoError(t, err)

	// Resolver attached refs and the rows were processed.
	pending, err := table.ReadByStatus(ctx, record.StatusPending)
	require.NoError(t, err)
	for i := range pending {
		pending[i].ResolvedRefs = map[string]*string{"company": record.StringPtr("T-" + pending[i].SourceFields["company_id"])}
	}
	_, err = engine.CommitResolution(ctx, table, pending)
	require.NoError(t, err)

	rows := baseRows()
	rows[0]["subject"] = "Intro call (rescheduled)" // ref field unchanged
	rows[2]["company_id"] = "A3"                    // ref field changed
	cs2, _ := detectAgainst(t, rows, snap)
	require.Len(t, cs2.Modified, 2)

	clock.Advance(time.Hour)
	res, err := engine.Apply(ctx, cs2, classifier(), table)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)

	e1, _, err := table.Get(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, e1.Status, "modified rows return to pending")
	require.NotNil(t, e1.ResolvedRefs["company"])
	assert.Equal(t, "T-A1", *e1.ResolvedRefs["company"])
	assert.Equal(t, "Intro call (rescheduled)", e1.SourceFields["subject"])

	e3, _, err := table.Get(ctx, "E3")
	require.NoError(t, err)
	assert.Empty(t, e3.ResolvedRefs, "changed ref field clears resolution")

	e2, _, err := table.Get(ctx, "E2")
	require.NoError(t, err)
	assert.Equal(t, record.StatusProcessed, e2.Status, "unchanged rows are untouched")
}

func TestApplySoftDeletes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	clock := testutil.NewFixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	table := s.Staging("communications")
	engine := newEngine(clock)

	cs, snap := detectAgainst(t, baseRows(), record.NewSnapshot("communications", ""))
	_, err := engine.Apply(ctx, cs, classifier(), table)
	require.NoError(t, err)

	cs2, _ := detectAgainst(t, baseRows()[:2], snap)
	res, err := engine.Apply(ctx, cs2, classifier(), table)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	e3, ok, err := table.Get(ctx, "E3")
	require.NoError(t, err)
	require.True(t, ok, "never hard deleted")
	assert.True(t, e3.IsDeleted)
	assert.Equal(t, record.StatusDeleted, e3.Status)

	// Deleting again is a no-op.
	res, err = engine.Apply(ctx, cs2, classifier(), table)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deleted)
}

func TestApplyCriticalFieldRowError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	clock := testutil.NewFixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	table := s.Staging("communications")
	engine := newEngine(clock, load.WithCriticalFields("subject"))

	rows := baseRows()
	delete(rows[1], "subject")
	cs, _ := detectAgainst(t, rows, record.NewSnapshot("communications", ""))

	res, err := engine.Apply(ctx, cs, classifier(), table)
	require.NoError(t, err, "row errors do not fail the stage")
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, []string{"E2"}, res.ErrorKeys)

	e2, ok, err := table.Get(ctx, "E2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.StatusError, e2.Status)
	assert.Equal(t, "missing critical field subject", e2.ErrorMessage)

	pending, err := table.ReadByStatus(ctx, record.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestApplyInvalidCategoryIsRowError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	clock := testutil.NewFixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	table := s.Staging("communications")

	cs, _ := detectAgainst(t, baseRows()[:1], record.NewSnapshot("communications", ""))
	bogus := func(record.Row) record.Category { return "faxes" }

	res, err := newEngine(clock).Apply(ctx, cs, bogus, table)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)

	e1, _, err := table.Get(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusError, e1.Status)
}

func TestApplyCancelledWritesNothing(t *testing.T) {
	s := setupTestStore(t)
	clock := testutil.NewFixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	table := s.Staging("communications")

	cs, _ := detectAgainst(t, baseRows(), record.NewSnapshot("communications", ""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEngine(clock).Apply(ctx, cs, classifier(), table)
	require.Error(t, err)

	rows, err := table.ReadByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestApplyReinsertAfterDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	clock := testutil.NewFixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	table := s.Staging("communications")
	engine := newEngine(clock)

	cs, snap := detectAgainst(t, baseRows(), record.NewSnapshot("communications", ""))
	_, err := engine.Apply(ctx, cs, classifier(), table)
	require.NoError(t, err)
	cs2, snap2 := detectAgainst(t, baseRows()[:2], snap)
	_, err = engine.Apply(ctx, cs2, classifier(), table)
	require.NoError(t, err)

	cs3, _ := detectAgainst(t, baseRows(), snap2)
	require.Len(t, cs3.New, 1)
	_, err = engine.Apply(ctx, cs3, classifier(), table)
	require.NoError(t, err)

	e3, _, err := table.Get(ctx, "E3")
	require.NoError(t, err)
	assert.False(t, e3.IsDeleted)
	assert.Equal(t, record.StatusPending, e3.Status)
}

func TestCommitResolutionMovesPendingToProcessed(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	clock := testutil.NewFixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	table := s.Staging("communications")
	engine := newEngine(clock, load.WithCriticalFields("case_id"))

	cs, _ := detectAgainst(t, baseRows(), record.NewSnapshot("communications", ""))
	_, err := engine.Apply(ctx, cs, classifier(), table)
	require.NoError(t, err)

	all, err := table.ReadByStatus(ctx, record.StatusPending, record.StatusProcessed)
	require.NoError(t, err)
	require.Len(t, all, 1, "only E2 has a case id")

	n, err := engine.CommitResolution(ctx, table, all)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = engine.CommitResolution(ctx, table, all)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "stale pending input is re-applied idempotently")

	e2, _, err := table.Get(ctx, "E2")
	require.NoError(t, err)
	assert.Equal(t, record.StatusProcessed, e2.Status)
}

func TestCommitDerived(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	clock := testutil.NewFixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	table := s.Staging("communications")
	engine := newEngine(clock)

	cs, _ := detectAgainst(t, baseRows()[:1], record.NewSnapshot("communications", ""))
	_, err := engine.Apply(ctx, cs, classifier(), table)
	require.NoError(t, err)

	rec, _, err := table.Get(ctx, "E1")
	require.NoError(t, err)
	rec.Derived = map[string]string{"subject_words": "intro"}
	require.NoError(t, engine.CommitDerived(ctx, table, []record.StagingRecord{rec}))

	got, _, err := table.Get(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, "intro", got.Derived["subject_words"])
}
