// Package detect partitions a batch of source rows against the prior
// fingerprint snapshot into new, modified, deleted, and unchanged rows.
//
// Detect is pure: it never mutates the prior snapshot and performs no I/O.
// The caller persists the returned snapshot only after downstream stages
// have committed.
package detect

import (
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/crmsync/internal/record"
)

// Detect fingerprints rows under schema and compares them with prior.
//
// Returns the change set and the snapshot describing rows as of this batch.
// Both outputs are ordered by natural key, so identical input produces
// identical output.
//
// If prior was recorded under a different schema identity, it is discarded:
// every row is reported as new, nothing as deleted, and FullResync is set.
//
// Errors (*DetectError) are returned before any output is produced:
//   - a row without a natural key
//   - two rows with the same natural key
func Detect(rows []record.Row, prior record.Snapshot, schema record.Schema, capturedAt time.Time) (record.ChangeSet, record.Snapshot, error) {
	var cs record.ChangeSet
	if err := schema.Validate(); err != nil {
		return cs, record.Snapshot{}, &DetectError{Code: ErrCodeInvalidSchema, Err: err}
	}

	schemaID := schema.ID()
	entries := prior.Entries
	if prior.SchemaVersion != "" && prior.SchemaVersion != schemaID {
		slog.Warn("schema changed; forcing full resync",
			"entity", prior.EntityType,
			"stored_schema", prior.SchemaVersion,
			"schema", schemaID,
			"discarded", len(prior.Entries))
		entries = nil
		cs.FullResync = true
	}

	keyed, err := keyRows(rows, schema)
	if err != nil {
		return record.ChangeSet{}, record.Snapshot{}, err
	}

	next := record.NewSnapshot(prior.EntityType, schemaID)
	capturedAt = capturedAt.UTC()

	for _, kr := range keyed {
		hash, err := record.Fingerprint(kr.row, schema)
		if err != nil {
			return record.ChangeSet{}, record.Snapshot{}, err
		}
		fp := record.RecordFingerprint{
			NaturalKey:  kr.key,
			ContentHash: hash,
			CapturedAt:  capturedAt,
		}

		old, seen := entries[kr.key]
		switch {
		case !seen:
			cs.New = append(cs.New, record.Change{Fingerprint: fp, Row: kr.row})
		case old.ContentHash != hash:
			cs.Modified = append(cs.Modified, record.Change{Fingerprint: fp, Row: kr.row})
		default:
			// Unchanged rows keep their original capture time.
			fp.CapturedAt = old.CapturedAt
			cs.Unchanged++
		}
		next.Entries[kr.key] = fp
	}

	for key := range entries {
		if _, ok := next.Entries[key]; !ok {
			cs.DeletedKeys = append(cs.DeletedKeys, key)
		}
	}
	sort.Strings(cs.DeletedKeys)

	if cs.New == nil {
		cs.New = []record.Change{}
	}
	if cs.Modified == nil {
		cs.Modified = []record.Change{}
	}
	if cs.DeletedKeys == nil {
		cs.DeletedKeys = []string{}
	}

	slog.Debug("change detection complete",
		"entity", prior.EntityType,
		"rows", len(rows),
		"new", len(cs.New),
		"modified", len(cs.Modified),
		"deleted", len(cs.DeletedKeys),
		"unchanged", cs.Unchanged,
		"full_resync", cs.FullResync)

	return cs, next, nil
}

type keyedRow struct {
	key string
	row record.Row
}

// keyRows extracts natural keys and sorts rows by them.
// All rows are checked so that the error lists every offender.
func keyRows(rows []record.Row, schema record.Schema) ([]keyedRow, error) {
	out := make([]keyedRow, 0, len(rows))
	seen := make(map[string]int, len(rows))
	var missing []int
	dupSet := map[string]bool{}

	for i, row := range rows {
		key, ok := schema.KeyOf(row)
		if !ok {
			missing = append(missing, i)
			continue
		}
		if _, exists := seen[key]; exists {
			dupSet[key] = true
			continue
		}
		seen[key] = i
		out = append(out, keyedRow{key: key, row: row})
	}

	if len(missing) > 0 {
		return nil, &DetectError{Code: ErrCodeMissingKey, Rows: missing}
	}
	if len(dupSet) > 0 {
		dups := make([]string, 0, len(dupSet))
		for k := range dupSet {
			dups = append(dups, k)
		}
		sort.Strings(dups)
		return nil, &DetectError{Code: ErrCodeDuplicateKey, Keys: dups}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, nil
}
