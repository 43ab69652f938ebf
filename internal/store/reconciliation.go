package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/crmsync/internal/record"
)

// lookupChunk bounds the number of bound parameters per lookup query,
// well under SQLite's default limit.
const lookupChunk = 500

// ReconciliationLookup reads reconciliation_entries for one entity type.
// It satisfies resolve.LookupTable.
type ReconciliationLookup struct {
	s             *Store
	entity        string
	minConfidence int
}

// Lookup returns a reconciliation lookup for entityType. Entries with
// confidence below minConfidence are ignored.
func (s *Store) Lookup(entityType string, minConfidence int) *ReconciliationLookup {
	return &ReconciliationLookup{s: s, entity: entityType, minConfidence: minConfidence}
}

// Lookup maps legacy ids to target ids. When several entries exist for a
// legacy id, the highest-confidence one wins (ties by target id).
func (l *ReconciliationLookup) Lookup(ctx context.Context, legacyIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(legacyIDs))
	for start := 0; start < len(legacyIDs); start += lookupChunk {
		end := min(start+lookupChunk, len(legacyIDs))
		if err := l.lookupChunk(ctx, legacyIDs[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (l *ReconciliationLookup) lookupChunk(ctx context.Context, ids []string, out map[string]string) error {
	args := make([]any, 0, len(ids)+2)
	args = append(args, l.entity, l.minConfidence)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := l.s.db.QueryContext(ctx, `
		SELECT legacy_id, target_id
		FROM reconciliation_entries
		WHERE entity_type = ? AND confidence >= ?
		  AND legacy_id IN (?`+strings.Repeat(`, ?`, len(ids)-1)+`)
		ORDER BY legacy_id COLLATE BINARY ASC, confidence DESC, target_id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", l.entity, err)
	}
	defer rows.Close()

	for rows.Next() {
		var legacy, target string
		if err := rows.Scan(&legacy, &target); err != nil {
			return fmt.Errorf("scan reconciliation entry: %w", err)
		}
		if _, seen := out[legacy]; !seen {
			out[legacy] = target
		}
	}
	return rows.Err()
}

// PutReconciliation inserts or updates reconciliation entries.
// crmsync never writes these during a run; this exists for seeding and
// for tools that import the external reconciliation output.
func (s *Store) PutReconciliation(ctx context.Context, entries ...record.ReconciliationEntry) error {
	return s.withTx(ctx, "put reconciliation", func(tx *sql.Tx) error {
		for _, e := range entries {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO reconciliation_entries (entity_type, legacy_id, target_id, confidence)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(entity_type, legacy_id, target_id) DO UPDATE SET
					confidence = excluded.confidence
			`, e.EntityType, e.LegacyID, e.TargetID, e.Confidence)
			if err != nil {
				return fmt.Errorf("put reconciliation %s/%s: %w", e.EntityType, e.LegacyID, err)
			}
		}
		return nil
	})
}

// ReadReconciliation returns every entry for an entity type, ordered by
// legacy id then target id.
func (s *Store) ReadReconciliation(ctx context.Context, entityType string) ([]record.ReconciliationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, legacy_id, target_id, confidence
		FROM reconciliation_entries
		WHERE entity_type = ?
		ORDER BY legacy_id COLLATE BINARY ASC, target_id COLLATE BINARY ASC
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("read reconciliation %s: %w", entityType, err)
	}
	defer rows.Close()

	entries := []record.ReconciliationEntry{}
	for rows.Next() {
		var e record.ReconciliationEntry
		if err := rows.Scan(&e.EntityType, &e.LegacyID, &e.TargetID, &e.Confidence); err != nil {
			return nil, fmt.Errorf("scan reconciliation entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reconciliation entries: %w", err)
	}
	return entries, nil
}
