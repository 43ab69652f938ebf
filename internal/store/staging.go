package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/crmsync/internal/load"
	"github.com/roach88/crmsync/internal/record"
)

// StagingTable is the staging area of one entity type.
type StagingTable struct {
	s      *Store
	entity string
}

var (
	_ load.StagingTable = (*StagingTable)(nil)
	_ load.StagingTx    = (*stagingTx)(nil)
)

// Staging returns the staging table for an entity type.
func (s *Store) Staging(entityType string) *StagingTable {
	return &StagingTable{s: s, entity: entityType}
}

// WithTx runs fn in a transaction.
func (t *StagingTable) WithTx(ctx context.Context, fn func(load.StagingTx) error) error {
	return t.s.withTx(ctx, "staging "+t.entity, func(tx *sql.Tx) error {
		return fn(&stagingTx{tx: tx, entity: t.entity})
	})
}

// Get returns the row for key, if any.
func (t *StagingTable) Get(ctx context.Context, key string) (record.StagingRecord, bool, error) {
	return getStaging(ctx, t.s.db, t.entity, key)
}

// ReadByStatus returns rows whose status is one of statuses, ordered by
// natural key. With no statuses, every row is returned.
func (t *StagingTable) ReadByStatus(ctx context.Context, statuses ...record.Status) ([]record.StagingRecord, error) {
	query := `SELECT ` + stagingColumns + ` FROM staging_records WHERE entity_type = ?`
	args := []any{t.entity}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY natural_key COLLATE BINARY ASC`

	rows, err := t.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read staging %s: %w", t.entity, err)
	}
	defer rows.Close()

	recs := []record.StagingRecord{}
	for rows.Next() {
		rec, err := scanStaging(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate staging: %w", err)
	}
	return recs, nil
}

// CountByStatus returns the number of rows per status.
func (t *StagingTable) CountByStatus(ctx context.Context) (map[record.Status]int, error) {
	rows, err := t.s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM staging_records
		WHERE entity_type = ?
		GROUP BY status
		ORDER BY status
	`, t.entity)
	if err != nil {
		return nil, fmt.Errorf("count staging %s: %w", t.entity, err)
	}
	defer rows.Close()

	counts := map[record.Status]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan staging count: %w", err)
		}
		counts[record.Status(st)] = n
	}
	return counts, rows.Err()
}

type stagingTx struct {
	tx         *sql.Tx
	entity     string
	savepoints int
}

func (t *stagingTx) Get(ctx context.Context, key string) (record.StagingRecord, bool, error) {
	return getStaging(ctx, t.tx, t.entity, key)
}

// Upsert replaces the whole row: the previous version is deleted and the
// new one inserted, so no stale column survives an update.
func (t *stagingTx) Upsert(ctx context.Context, rec record.StagingRecord) error {
	fields, err := marshalJSON(stringMap(rec.SourceFields))
	if err != nil {
		return err
	}
	refs, err := marshalJSON(refMap(rec.ResolvedRefs))
	if err != nil {
		return err
	}
	derived, err := marshalJSON(stringMap(rec.Derived))
	if err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM staging_records WHERE entity_type = ? AND natural_key = ?
	`, t.entity, rec.NaturalKey); err != nil {
		return fmt.Errorf("upsert staging %s: delete: %w", rec.NaturalKey, err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO staging_records
		(entity_type, natural_key, source_fields, source_hash, category, resolved_refs,
		 is_orphaned, derived, status, is_deleted, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.entity,
		rec.NaturalKey,
		fields,
		rec.SourceHash.String(),
		string(rec.Category),
		refs,
		boolInt(rec.IsOrphaned),
		derived,
		string(rec.Status),
		boolInt(rec.IsDeleted),
		rec.ErrorMessage,
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert staging %s: insert: %w", rec.NaturalKey, err)
	}
	return nil
}

func (t *stagingTx) SoftDelete(ctx context.Context, key string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE staging_records
		SET status = 'deleted', is_deleted = 1, error_message = '', updated_at = ?
		WHERE entity_type = ? AND natural_key = ? AND is_deleted = 0
	`, formatTime(at), t.entity, key)
	if err != nil {
		return false, fmt.Errorf("soft delete staging %s: %w", key, err)
	}
	return affectedOne(res)
}

func (t *stagingTx) SetStatus(ctx context.Context, key string, status record.Status, message string, at time.Time) error {
	if !status.IsValid() {
		return fmt.Errorf("set status %s: invalid status %q", key, status)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE staging_records
		SET status = ?, error_message = ?, updated_at = ?
		WHERE entity_type = ? AND natural_key = ?
	`, string(status), message, formatTime(at), t.entity, key)
	if err != nil {
		return fmt.Errorf("set status %s: %w", key, err)
	}
	return requireOne(res, key)
}

func (t *stagingTx) UpdateResolution(ctx context.Context, key string, refs map[string]*string, orphaned bool, at time.Time) error {
	data, err := marshalJSON(refMap(refs))
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE staging_records
		SET resolved_refs = ?, is_orphaned = ?, updated_at = ?
		WHERE entity_type = ? AND natural_key = ?
	`, data, boolInt(orphaned), formatTime(at), t.entity, key)
	if err != nil {
		return fmt.Errorf("update resolution %s: %w", key, err)
	}
	return requireOne(res, key)
}

func (t *stagingTx) UpdateDerived(ctx context.Context, key string, derived map[string]string, at time.Time) error {
	data, err := marshalJSON(stringMap(derived))
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE staging_records
		SET derived = ?, updated_at = ?
		WHERE entity_type = ? AND natural_key = ?
	`, data, formatTime(at), t.entity, key)
	if err != nil {
		return fmt.Errorf("update derived %s: %w", key, err)
	}
	return requireOne(res, key)
}

// Savepoint wraps fn in SAVEPOINT/RELEASE. On failure the savepoint is
// rolled back and released, leaving the outer transaction usable.
func (t *stagingTx) Savepoint(ctx context.Context, fn func() error) error {
	t.savepoints++
	name := fmt.Sprintf("row_%d", t.savepoints)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return errors.Join(err, fmt.Errorf("release savepoint: %w", relErr))
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const stagingColumns = `natural_key, source_fields, source_hash, category, resolved_refs,
	is_orphaned, derived, status, is_deleted, error_message, updated_at`

func getStaging(ctx context.Context, q queryer, entity, key string) (record.StagingRecord, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+stagingColumns+`
		FROM staging_records
		WHERE entity_type = ? AND natural_key = ?
	`, entity, key)
	rec, err := scanStaging(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.StagingRecord{}, false, nil
	}
	if err != nil {
		return record.StagingRecord{}, false, err
	}
	return rec, true, nil
}

func scanStaging(r rowScanner) (record.StagingRecord, error) {
	var (
		rec                    record.StagingRecord
		fields, refs, derived  string
		hash, category, status string
		orphaned, deleted      int
		updated                string
	)
	err := r.Scan(&rec.NaturalKey, &fields, &hash, &category, &refs,
		&orphaned, &derived, &status, &deleted, &rec.ErrorMessage, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan staging: %w", err)
	}

	rec.SourceFields = map[string]string{}
	rec.ResolvedRefs = map[string]*string{}
	rec.Derived = map[string]string{}
	if err := unmarshalJSON(fields, &rec.SourceFields); err != nil {
		return rec, fmt.Errorf("staging %s source_fields: %w", rec.NaturalKey, err)
	}
	if err := unmarshalJSON(refs, &rec.ResolvedRefs); err != nil {
		return rec, fmt.Errorf("staging %s resolved_refs: %w", rec.NaturalKey, err)
	}
	if err := unmarshalJSON(derived, &rec.Derived); err != nil {
		return rec, fmt.Errorf("staging %s derived: %w", rec.NaturalKey, err)
	}
	if rec.SourceHash, err = record.ParseHash(hash); err != nil {
		return rec, fmt.Errorf("staging %s: %w", rec.NaturalKey, err)
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return rec, fmt.Errorf("staging %s: %w", rec.NaturalKey, err)
	}
	rec.Category = record.Category(category)
	rec.Status = record.Status(status)
	rec.IsOrphaned = orphaned != 0
	rec.IsDeleted = deleted != 0
	return rec, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func requireOne(res sql.Result, key string) error {
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no staging row %q", key)
	}
	return nil
}
