package record

import (
	"sort"
	"time"
)

// RecordFingerprint is the stored identity of one source row at the time
// it was last synchronized.
type RecordFingerprint struct {
	NaturalKey  string    `json:"natural_key"`
	ContentHash Hash      `json:"content_hash"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Snapshot is the full set of fingerprints for one entity type from the
// last successful run.
type Snapshot struct {
	EntityType    string                       `json:"entity_type"`
	SchemaVersion string                       `json:"schema_version"`
	Entries       map[string]RecordFingerprint `json:"entries"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot(entityType, schemaVersion string) Snapshot {
	return Snapshot{
		EntityType:    entityType,
		SchemaVersion: schemaVersion,
		Entries:       map[string]RecordFingerprint{},
	}
}

// Len returns the number of entries.
func (s Snapshot) Len() int {
	return len(s.Entries)
}

// Keys returns the natural keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Entries))
	for k := range s.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Change is a new or modified row together with its fingerprint.
type Change struct {
	Fingerprint RecordFingerprint `json:"fingerprint"`
	Row         Row               `json:"row"`
}

// Key returns the natural key of the change.
func (c Change) Key() string {
	return c.Fingerprint.NaturalKey
}

// ChangeSet is the result of comparing a batch of rows against a snapshot.
// Unchanged rows are counted but not carried.
type ChangeSet struct {
	New         []Change `json:"new"`
	Modified    []Change `json:"modified"`
	DeletedKeys []string `json:"deleted_keys"`
	Unchanged   int      `json:"unchanged"`
	// FullResync is set when the prior snapshot was discarded because its
	// schema did not match.
	FullResync bool `json:"full_resync"`
}

// Counts summarizes the change set.
func (cs ChangeSet) Counts() ChangeCounts {
	return ChangeCounts{
		New:       len(cs.New),
		Modified:  len(cs.Modified),
		Deleted:   len(cs.DeletedKeys),
		Unchanged: cs.Unchanged,
	}
}

// IsEmpty reports whether there is nothing to apply.
func (cs ChangeSet) IsEmpty() bool {
	return len(cs.New) == 0 && len(cs.Modified) == 0 && len(cs.DeletedKeys) == 0
}

// ChangeCounts are the per-kind totals of a change set.
type ChangeCounts struct {
	New       int `json:"new"`
	Modified  int `json:"modified"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
}
