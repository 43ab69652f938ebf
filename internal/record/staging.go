package record

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a staging row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusError     Status = "error"
	StatusDeleted   Status = "deleted"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusError, StatusDeleted:
		return true
	}
	return false
}

// StagingRecord is one row of an entity's staging table.
//
// Field ownership:
//   - SourceFields, SourceHash, Category, Status: load engine
//   - ResolvedRefs, IsOrphaned: reconciliation resolver
//   - Derived: derive stage
//
// ResolvedRefs maps ref name to target id; a nil value means unresolved.
type StagingRecord struct {
	NaturalKey   string             `json:"natural_key"`
	SourceFields map[string]string  `json:"source_fields"`
	SourceHash   Hash               `json:"source_hash"`
	Category     Category           `json:"category"`
	ResolvedRefs map[string]*string `json:"resolved_refs"`
	IsOrphaned   bool               `json:"is_orphaned"`
	Derived      map[string]string  `json:"derived"`
	Status       Status             `json:"status"`
	IsDeleted    bool               `json:"is_deleted"`
	ErrorMessage string             `json:"error_message,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// ContentHash hashes everything promotion copies to production. Two staging
// versions with the same content hash produce identical production rows.
func (r StagingRecord) ContentHash() (Hash, error) {
	refs := make(map[string]*string, len(r.ResolvedRefs))
	for k, v := range r.ResolvedRefs {
		refs[k] = v
	}
	obj := map[string]any{
		"category":    string(r.Category),
		"derived":     nonNilStrings(r.Derived),
		"fields":      nonNilStrings(r.SourceFields),
		"is_deleted":  r.IsDeleted,
		"is_orphaned": r.IsOrphaned,
		"refs":        refs,
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return Hash{}, fmt.Errorf("content hash %s: %w", r.NaturalKey, err)
	}
	return hashWithDomain(DomainContent, data), nil
}

// ProductionRecord is the promoted, target-facing version of a record.
type ProductionRecord struct {
	NaturalKey   string             `json:"natural_key"`
	Category     Category           `json:"category"`
	Fields       map[string]string  `json:"fields"`
	Derived      map[string]string  `json:"derived"`
	ResolvedRefs map[string]*string `json:"resolved_refs"`
	IsOrphaned   bool               `json:"is_orphaned"`
	ContentHash  Hash               `json:"content_hash"`
	PromotedAt   time.Time          `json:"promoted_at"`
	IsDeleted    bool               `json:"is_deleted"`
}

// ReconciliationEntry maps a legacy id to a target-system id.
// Produced by an external process; read-only to crmsync.
type ReconciliationEntry struct {
	EntityType string `json:"entity_type" yaml:"entity_type"`
	LegacyID   string `json:"legacy_id" yaml:"legacy_id"`
	TargetID   string `json:"target_id" yaml:"target_id"`
	// Confidence is a match score in percent, 0-100.
	Confidence int `json:"confidence" yaml:"confidence"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

func nonNilStrings(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
