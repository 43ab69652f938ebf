package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/crmsync/internal/record"
)

// ReadSnapshot loads the stored snapshot for an entity type.
// An entity that has never completed a run yields an empty snapshot with
// an empty SchemaVersion.
func (s *Store) ReadSnapshot(ctx context.Context, entityType string) (record.Snapshot, error) {
	snap := record.NewSnapshot(entityType, "")

	err := s.db.QueryRowContext(ctx, `
		SELECT schema_version FROM snapshots WHERE entity_type = ?
	`, entityType).Scan(&snap.SchemaVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return record.Snapshot{}, fmt.Errorf("read snapshot %s: %w", entityType, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT natural_key, content_hash, captured_at
		FROM fingerprints
		WHERE entity_type = ?
		ORDER BY natural_key COLLATE BINARY ASC
	`, entityType)
	if err != nil {
		return record.Snapshot{}, fmt.Errorf("read snapshot %s: %w", entityType, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			fp       record.RecordFingerprint
			hash     string
			captured string
		)
		if err := rows.Scan(&fp.NaturalKey, &hash, &captured); err != nil {
			return record.Snapshot{}, fmt.Errorf("scan fingerprint: %w", err)
		}
		if fp.ContentHash, err = record.ParseHash(hash); err != nil {
			return record.Snapshot{}, fmt.Errorf("fingerprint %s: %w", fp.NaturalKey, err)
		}
		if fp.CapturedAt, err = parseTime(captured); err != nil {
			return record.Snapshot{}, fmt.Errorf("fingerprint %s: %w", fp.NaturalKey, err)
		}
		snap.Entries[fp.NaturalKey] = fp
	}
	if err := rows.Err(); err != nil {
		return record.Snapshot{}, fmt.Errorf("iterate fingerprints: %w", err)
	}

	return snap, nil
}

// ReplaceSnapshot atomically replaces the stored snapshot for
// snap.EntityType. Either the whole new snapshot is visible afterwards or
// the previous one is.
func (s *Store) ReplaceSnapshot(ctx context.Context, snap record.Snapshot, savedAt time.Time) error {
	if snap.EntityType == "" {
		return errors.New("replace snapshot: empty entity type")
	}
	return s.withTx(ctx, "replace snapshot", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fingerprints WHERE entity_type = ?`, snap.EntityType); err != nil {
			return fmt.Errorf("replace snapshot: clear: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO fingerprints
			(entity_type, natural_key, content_hash, schema_version, captured_at)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("replace snapshot: prepare: %w", err)
		}
		defer stmt.Close()

		for _, key := range snap.Keys() {
			fp := snap.Entries[key]
			if _, err := stmt.ExecContext(ctx,
				snap.EntityType,
				key,
				fp.ContentHash.String(),
				snap.SchemaVersion,
				formatTime(fp.CapturedAt),
			); err != nil {
				return fmt.Errorf("replace snapshot: insert %s: %w", key, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshots (entity_type, schema_version, entry_count, saved_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(entity_type) DO UPDATE SET
				schema_version = excluded.schema_version,
				entry_count = excluded.entry_count,
				saved_at = excluded.saved_at
		`, snap.EntityType, snap.SchemaVersion, snap.Len(), formatTime(savedAt))
		if err != nil {
			return fmt.Errorf("replace snapshot: header: %w", err)
		}
		return nil
	})
}

// DropSnapshot deletes the stored snapshot for an entity type so the next
// run treats every row as new. Staging and production are untouched.
// Returns false if there was no snapshot.
func (s *Store) DropSnapshot(ctx context.Context, entityType string) (bool, error) {
	var dropped bool
	err := s.withTx(ctx, "drop snapshot", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fingerprints WHERE entity_type = ?`, entityType); err != nil {
			return fmt.Errorf("drop snapshot: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE entity_type = ?`, entityType)
		if err != nil {
			return fmt.Errorf("drop snapshot: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("drop snapshot: rows affected: %w", err)
		}
		dropped = n > 0
		return nil
	})
	return dropped, err
}

// SnapshotInfo describes a stored snapshot without its entries.
type SnapshotInfo struct {
	EntityType    string    `json:"entity_type"`
	SchemaVersion string    `json:"schema_version"`
	EntryCount    int       `json:"entry_count"`
	SavedAt       time.Time `json:"saved_at"`
}

// ListSnapshots returns every stored snapshot header ordered by entity type.
func (s *Store) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, schema_version, entry_count, saved_at
		FROM snapshots
		ORDER BY entity_type COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	infos := []SnapshotInfo{}
	for rows.Next() {
		var (
			info  SnapshotInfo
			saved string
		)
		if err := rows.Scan(&info.EntityType, &info.SchemaVersion, &info.EntryCount, &saved); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if info.SavedAt, err = parseTime(saved); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return infos, nil
}
