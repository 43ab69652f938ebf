package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/load"
	"github.com/roach88/crmsync/internal/record"
)

func TestStagingUpsertAndGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	table := s.Staging("communications")

	rec := createTestStaging("E1", map[string]string{"subject": "Hello <world> & co"})
	rec.ResolvedRefs = map[string]*string{"contact": record.StringPtr("T-1"), "deal": nil}
	rec.IsOrphaned = false
	rec.Category = record.CategoryEmails

	require.NoError(t, table.WithTx(ctx, func(tx load.StagingTx) error {
		return tx.Upsert(ctx, rec)
	}))

	got, ok, err := table.Get(ctx, "E1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	_, ok, err = table.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStagingUpsertReplacesWholeRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	table := s.Staging("contacts")

	first := createTestStaging("P1", map[string]string{"name": "Ada", "phone": "555"})
	first.Derived = map[string]string{"emails": "a@x"}
	second := createTestStaging("P1", map[string]string{"name": "Ada L."})
	second.UpdatedAt = t1

	require.NoError(t, table.WithTx(ctx, func(tx load.StagingTx) error {
		if err := tx.Upsert(ctx, first); err != nil {
			return err
		}
		return tx.Upsert(ctx, second)
	}))

	got, _, err := table.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "Ada L."}, got.SourceFields)
	assert.Empty(t, got.Derived, "no stale column survives")
	assert.Equal(t, t1, got.UpdatedAt)
}

func TestStagingSoftDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	table := s.Staging("contacts")

	require.NoError(t, table.WithTx(ctx, func(tx load.StagingTx) error {
		return tx.Upsert(ctx, createTestStaging("P1", map[string]string{"name": "Ada"}))
	}))

	var first, second, missing bool
	require.NoError(t, table.WithTx(ctx, func(tx load.StagingTx) error {
		var err error
		if first, err = tx.SoftDelete(ctx, "P1", t1); err != nil {
			return err
		}
		if second, err = tx.SoftDelete(ctx, "P1", t1); err != nil {
			return err
		}
		missing, err = tx.SoftDelete(ctx, "P404", t1)
		return err
	}))
	assert.True(t, first)
	assert.False(t, second, "already deleted")
	assert.False(t, missing)

	got, ok, err := table.Get(ctx, "P1")
	require.NoError(t, err)
	require.True(t, ok, "soft delete never removes the row")
	assert.True(t, got.IsDeleted)
	assert.Equal(t, record.StatusDeleted, got.Status)
	assert.Equal(t, "Ada", got.SourceFields["name"])
}

func TestStagingReadByStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	table := s.Staging("contacts")

	require.NoError(t, table.WithTx(ctx, func(tx load.StagingTx) error {
		for _, k := range []string{"P3", "P1", "P2"} {
			if err := tx.Upsert(ctx, createTestStaging(k, nil)); err != nil {
				return err
			}
		}
		return tx.SetStatus(ctx, "P2", record.StatusProcessed, "", t1)
	}))

	pending, err := table.ReadByStatus(ctx, record.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "P1", pending[0].NaturalKey, "ordered by natural key")
	assert.Equal(t, "P3", pending[1].NaturalKey)

	both, err := table.ReadByStatus(ctx, record.StatusPending, record.StatusProcessed)
	require.NoError(t, err)
	assert.Len(t, both, 3)

	none, err := table.ReadByStatus(ctx, record.StatusError)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	counts, err := table.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[record.Status]int{record.StatusPending: 2, record.StatusProcessed: 1}, counts)
}

func TestStagingIsolatedByEntity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Staging("a").WithTx(ctx, func(tx load.StagingTx) error {
		return tx.Upsert(ctx, createTestStaging("K1", nil))
	}))

	rows, err := s.Staging("b").ReadByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStagingUpdatesRequireRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	table := s.Staging("contacts")

	err := table.WithTx(ctx, func(tx load.StagingTx) error {
		return tx.UpdateResolution(ctx, "P404", nil, true, t1)
	})
	assert.Error(t, err)

	err = table.WithTx(ctx, func(tx load.StagingTx) error {
		return tx.SetStatus(ctx, "P404", record.StatusProcessed, "", t1)
	})
	assert.Error(t, err)
}

func TestStagingUpdateResolutionAndDerived(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	table := s.Staging("communications")

	require.NoError(t, table.WithTx(ctx, func(tx load.StagingTx) error {
		if err := tx.Upsert(ctx, createTestStaging("E1", map[string]string{"company_id": "A1"})); err != nil {
			return err
		}
		if err := tx.UpdateResolution(ctx, "E1", map[string]*string{"company": nil}, true, t1); err != nil {
			return err
		}
		return tx.UpdateDerived(ctx, "E1", map[string]string{"emails": "a@x; b@y", "emails_count": "2"}, t1)
	}))

	got, _, err := table.Get(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, got.IsOrphaned)
	assert.Contains(t, got.ResolvedRefs, "company")
	assert.Nil(t, got.ResolvedRefs["company"])
	assert.Equal(t, "2", got.Derived["emails_count"])
	assert.Equal(t, record.StatusPending, got.Status, "resolution does not touch status")
}

func TestStagingSavepointIsolatesFailure(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	table := s.Staging("contacts")
	boom := errors.New("boom")

	require.NoError(t, table.WithTx(ctx, func(tx load.StagingTx) error {
		if err := tx.Upsert(ctx, createTestStaging("P1", nil)); err != nil {
			return err
		}
		err := tx.Savepoint(ctx, func() error {
			if err := tx.Upsert(ctx, createTestStaging("P2", nil)); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)
		return tx.Savepoint(ctx, func() error {
			return tx.Upsert(ctx, createTestStaging("P3", nil))
		})
	}))

	rows, err := table.ReadByStatus(ctx)
	require.NoError(t, err)
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.NaturalKey
	}
	assert.Equal(t, []string{"P1", "P3"}, keys)
}

func TestStagingTxRollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	table := s.Staging("contacts")

	err := table.WithTx(ctx, func(tx load.StagingTx) error {
		if err := tx.Upsert(ctx, createTestStaging("P1", nil)); err != nil {
			return err
		}
		return errors.New("stage failed")
	})
	require.Error(t, err)

	_, ok, err := table.Get(ctx, "P1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStagingSetStatusRejectsUnknown(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	err := s.Staging("x").WithTx(ctx, func(tx load.StagingTx) error {
		return tx.SetStatus(ctx, "K", record.Status("bogus"), "", t0)
	})
	assert.Error(t, err)
}
