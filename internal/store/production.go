package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/crmsync/internal/load"
	"github.com/roach88/crmsync/internal/record"
)

// ProductionTable holds the promoted records of one entity type.
type ProductionTable struct {
	s      *Store
	entity string
}

var (
	_ load.ProductionTable = (*ProductionTable)(nil)
	_ load.ProductionTx    = (*productionTx)(nil)
)

// Production returns the production table for an entity type.
func (s *Store) Production(entityType string) *ProductionTable {
	return &ProductionTable{s: s, entity: entityType}
}

// WithTx runs fn in a transaction.
func (t *ProductionTable) WithTx(ctx context.Context, fn func(load.ProductionTx) error) error {
	return t.s.withTx(ctx, "production "+t.entity, func(tx *sql.Tx) error {
		return fn(&productionTx{tx: tx, entity: t.entity})
	})
}

// Get returns the production row for key, if any.
func (t *ProductionTable) Get(ctx context.Context, key string) (record.ProductionRecord, bool, error) {
	return getProduction(ctx, t.s.db, t.entity, key)
}

// ReadAll returns every production row, including soft-deleted ones,
// ordered by natural key.
func (t *ProductionTable) ReadAll(ctx context.Context) ([]record.ProductionRecord, error) {
	rows, err := t.s.db.QueryContext(ctx, `
		SELECT `+productionColumns+`
		FROM production_records
		WHERE entity_type = ?
		ORDER BY natural_key COLLATE BINARY ASC
	`, t.entity)
	if err != nil {
		return nil, fmt.Errorf("read production %s: %w", t.entity, err)
	}
	defer rows.Close()

	recs := []record.ProductionRecord{}
	for rows.Next() {
		rec, err := scanProduction(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate production: %w", err)
	}
	return recs, nil
}

type productionTx struct {
	tx     *sql.Tx
	entity string
}

func (t *productionTx) Get(ctx context.Context, key string) (record.ProductionRecord, bool, error) {
	return getProduction(ctx, t.tx, t.entity, key)
}

func (t *productionTx) Upsert(ctx context.Context, rec record.ProductionRecord) error {
	fields, err := marshalJSON(stringMap(rec.Fields))
	if err != nil {
		return err
	}
	derived, err := marshalJSON(stringMap(rec.Derived))
	if err != nil {
		return err
	}
	refs, err := marshalJSON(refMap(rec.ResolvedRefs))
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO production_records
		(entity_type, natural_key, category, fields, derived, resolved_refs,
		 is_orphaned, content_hash, promoted_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, natural_key) DO UPDATE SET
			category = excluded.category,
			fields = excluded.fields,
			derived = excluded.derived,
			resolved_refs = excluded.resolved_refs,
			is_orphaned = excluded.is_orphaned,
			content_hash = excluded.content_hash,
			promoted_at = excluded.promoted_at,
			is_deleted = excluded.is_deleted
	`,
		t.entity,
		rec.NaturalKey,
		string(rec.Category),
		fields,
		derived,
		refs,
		boolInt(rec.IsOrphaned),
		rec.ContentHash.String(),
		formatTime(rec.PromotedAt),
		boolInt(rec.IsDeleted),
	)
	if err != nil {
		return fmt.Errorf("upsert production %s: %w", rec.NaturalKey, err)
	}
	return nil
}

func (t *productionTx) SoftDelete(ctx context.Context, key string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE production_records
		SET is_deleted = 1, promoted_at = ?
		WHERE entity_type = ? AND natural_key = ? AND is_deleted = 0
	`, formatTime(at), t.entity, key)
	if err != nil {
		return false, fmt.Errorf("soft delete production %s: %w", key, err)
	}
	return affectedOne(res)
}

const productionColumns = `natural_key, category, fields, derived, resolved_refs,
	is_orphaned, content_hash, promoted_at, is_deleted`

func getProduction(ctx context.Context, q queryer, entity, key string) (record.ProductionRecord, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+productionColumns+`
		FROM production_records
		WHERE entity_type = ? AND natural_key = ?
	`, entity, key)
	rec, err := scanProduction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.ProductionRecord{}, false, nil
	}
	if err != nil {
		return record.ProductionRecord{}, false, err
	}
	return rec, true, nil
}

func scanProduction(r rowScanner) (record.ProductionRecord, error) {
	var (
		rec                   record.ProductionRecord
		category              string
		fields, derived, refs string
		hash, promoted        string
		orphaned, deleted     int
	)
	err := r.Scan(&rec.NaturalKey, &category, &fields, &derived, &refs,
		&orphaned, &hash, &promoted, &deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan production: %w", err)
	}

	rec.Fields = map[string]string{}
	rec.Derived = map[string]string{}
	rec.ResolvedRefs = map[string]*string{}
	if err := unmarshalJSON(fields, &rec.Fields); err != nil {
		return rec, fmt.Errorf("production %s fields: %w", rec.NaturalKey, err)
	}
	if err := unmarshalJSON(derived, &rec.Derived); err != nil {
		return rec, fmt.Errorf("production %s derived: %w", rec.NaturalKey, err)
	}
	if err := unmarshalJSON(refs, &rec.ResolvedRefs); err != nil {
		return rec, fmt.Errorf("production %s resolved_refs: %w", rec.NaturalKey, err)
	}
	if rec.ContentHash, err = record.ParseHash(hash); err != nil {
		return rec, fmt.Errorf("production %s: %w", rec.NaturalKey, err)
	}
	if rec.PromotedAt, err = parseTime(promoted); err != nil {
		return rec, fmt.Errorf("production %s: %w", rec.NaturalKey, err)
	}
	rec.Category = record.Category(category)
	rec.IsOrphaned = orphaned != 0
	rec.IsDeleted = deleted != 0
	return rec, nil
}
