package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/crmsync/internal/record"
)

var (
	t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestStaging creates a pending staging record with minimal fields.
func createTestStaging(key string, fields map[string]string) record.StagingRecord {
	return record.StagingRecord{
		NaturalKey:   key,
		SourceFields: fields,
		SourceHash:   record.MustFingerprint(record.Row{"k": key}, record.Schema{TrackedColumns: []string{"k"}}),
		Category:     record.CategoryNotes,
		ResolvedRefs: map[string]*string{},
		Derived:      map[string]string{},
		Status:       record.StatusPending,
		UpdatedAt:    t0,
	}
}
