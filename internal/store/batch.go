package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/crmsync/internal/record"
)

// WriteLoadBatch records a finished run.
// Uses ON CONFLICT(run_id) DO NOTHING: a batch is immutable once written,
// and writing the same run twice is a no-op.
func (s *Store) WriteLoadBatch(ctx context.Context, b record.LoadBatch) error {
	changes, err := marshalJSON(b.Changes)
	if err != nil {
		return fmt.Errorf("write load batch: %w", err)
	}
	byStage, err := marshalJSON(nonNilStageCounts(b.CountsByStage))
	if err != nil {
		return fmt.Errorf("write load batch: %w", err)
	}
	byCategory, err := marshalJSON(nonNilCategoryCounts(b.CountsByCategory))
	if err != nil {
		return fmt.Errorf("write load batch: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO load_batches
		(run_id, entity_type, started_at, finished_at, state, failed_stage, error,
		 full_resync, changes, counts_by_stage, counts_by_category, error_count, orphan_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`,
		b.RunID,
		b.EntityType,
		formatTime(b.StartedAt),
		formatTime(b.FinishedAt),
		string(b.State),
		string(b.FailedStage),
		b.Error,
		boolInt(b.FullResync),
		changes,
		byStage,
		byCategory,
		b.ErrorCount,
		b.OrphanCount,
	)
	if err != nil {
		return fmt.Errorf("write load batch: %w", err)
	}
	return nil
}

const batchColumns = `run_id, entity_type, started_at, finished_at, state, failed_stage, error,
	full_resync, changes, counts_by_stage, counts_by_category, error_count, orphan_count`

// ReadLoadBatch retrieves a single batch by run id.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadLoadBatch(ctx context.Context, runID string) (record.LoadBatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM load_batches WHERE run_id = ?`, runID)
	return scanBatch(row)
}

// ReadLoadBatches returns the most recent batches, newest first. An empty
// entityType matches every entity. limit <= 0 means no limit.
func (s *Store) ReadLoadBatches(ctx context.Context, entityType string, limit int) ([]record.LoadBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM load_batches`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY started_at DESC, run_id COLLATE BINARY DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read load batches: %w", err)
	}
	defer rows.Close()

	batches := []record.LoadBatch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate load batches: %w", err)
	}
	return batches, nil
}

func scanBatch(r rowScanner) (record.LoadBatch, error) {
	var (
		b                     record.LoadBatch
		started, finished     string
		state, failedStage    string
		fullResync            int
		changes, stage, categ string
	)
	err := r.Scan(&b.RunID, &b.EntityType, &started, &finished, &state, &failedStage, &b.Error,
		&fullResync, &changes, &stage, &categ, &b.ErrorCount, &b.OrphanCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("scan load batch: %w", err)
	}
	if b.StartedAt, err = parseTime(started); err != nil {
		return b, err
	}
	if b.FinishedAt, err = parseTime(finished); err != nil {
		return b, err
	}
	b.State = record.BatchState(state)
	b.FailedStage = record.Stage(failedStage)
	b.FullResync = fullResync != 0
	b.CountsByStage = map[record.Stage]int{}
	b.CountsByCategory = map[record.Category]int{}
	if err := unmarshalJSON(changes, &b.Changes); err != nil {
		return b, fmt.Errorf("load batch %s changes: %w", b.RunID, err)
	}
	if err := unmarshalJSON(stage, &b.CountsByStage); err != nil {
		return b, fmt.Errorf("load batch %s counts_by_stage: %w", b.RunID, err)
	}
	if err := unmarshalJSON(categ, &b.CountsByCategory); err != nil {
		return b, fmt.Errorf("load batch %s counts_by_category: %w", b.RunID, err)
	}
	return b, nil
}

func nonNilStageCounts(m map[record.Stage]int) map[record.Stage]int {
	if m == nil {
		return map[record.Stage]int{}
	}
	return m
}

func nonNilCategoryCounts(m map[record.Category]int) map[record.Category]int {
	if m == nil {
		return map[record.Category]int{}
	}
	return m
}
