// Package resolve attaches target-system ids to staging records.
//
// Each configured reference names a source field holding a legacy id and
// the entity type whose lookup table maps it. Unresolvable references are
// data, not errors: they become nil and may mark the record orphaned. Only a
// failure to read a lookup table is an error.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/roach88/crmsync/internal/record"
)

// RefSpec configures one foreign reference of an entity.
type RefSpec struct {
	// Name is the key in StagingRecord.ResolvedRefs.
	Name string `json:"name" yaml:"name"`
	// SourceField holds the legacy id in StagingRecord.SourceFields.
	SourceField string `json:"source_field" yaml:"source_field"`
	// Target is the entity type whose lookup table is consulted.
	Target string `json:"target" yaml:"target"`
}

// Stats summarizes one resolution pass.
type Stats struct {
	Records    int `json:"records"`
	Resolved   int `json:"resolved"`
	Unresolved int `json:"unresolved"`
	Orphaned   int `json:"orphaned"`
}

// Resolver resolves the references of one entity type.
type Resolver struct {
	entity  string
	refs    []RefSpec
	lookups map[string]LookupTable
}

// New returns a resolver for entity. lookups is keyed by target entity
// type; every ref target must have a lookup table.
func New(entity string, refs []RefSpec, lookups map[string]LookupTable) (*Resolver, error) {
	var errs []error
	names := map[string]bool{}
	for _, ref := range refs {
		if ref.Name == "" || ref.SourceField == "" {
			errs = append(errs, fmt.Errorf("ref %q: name and source_field are required", ref.Name))
		}
		if names[ref.Name] {
			errs = append(errs, fmt.Errorf("ref %q: duplicate name", ref.Name))
		}
		names[ref.Name] = true
		if _, ok := lookups[ref.Target]; !ok {
			errs = append(errs, fmt.Errorf("ref %q: no lookup table for %q", ref.Name, ref.Target))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("resolver %s: %w", entity, err)
	}
	return &Resolver{entity: entity, refs: refs, lookups: lookups}, nil
}

// Resolve resolves a single record. It issues one lookup per ref; use
// ResolveAll for batches.
func (r *Resolver) Resolve(ctx context.Context, rec record.StagingRecord) (record.StagingRecord, error) {
	out, _, err := r.ResolveAll(ctx, []record.StagingRecord{rec})
	if err != nil {
		return rec, err
	}
	return out[0], nil
}

// ResolveAll resolves a batch of records.
//
// Distinct legacy ids are gathered per ref and looked up with one call per
// ref. The returned records are copies; inputs are not modified.
// Resolution is idempotent: running it again after the lookup tables gain
// entries can only turn nil refs into ids. A ref already resolved on the
// input record is kept even if its lookup entry has since disappeared.
func (r *Resolver) ResolveAll(ctx context.Context, recs []record.StagingRecord) ([]record.StagingRecord, Stats, error) {
	stats := Stats{Records: len(recs)}
	out := make([]record.StagingRecord, len(recs))

	// ref name -> legacy id -> target id
	resolved := make(map[string]map[string]string, len(r.refs))
	for _, ref := range r.refs {
		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			if id := legacyID(rec, ref); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			resolved[ref.Name] = map[string]string{}
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		hits, err := r.lookups[ref.Target].Lookup(ctx, dedupe(ids))
		if err != nil {
			return nil, stats, fmt.Errorf("resolve %s.%s: %w", r.entity, ref.Name, err)
		}
		resolved[ref.Name] = hits
	}

	for i, rec := range recs {
		refs := make(map[string]*string, len(r.refs))
		nilCount := 0
		for _, ref := range r.refs {
			id := legacyID(rec, ref)
			target, ok := resolved[ref.Name][id]
			if id == "" || !ok {
				// Staging clears refs whenever their source field changes, so
				// an id resolved earlier is still valid for this value.
				if prev := rec.ResolvedRefs[ref.Name]; prev != nil && id != "" {
					refs[ref.Name] = prev
					stats.Resolved++
					continue
				}
				refs[ref.Name] = nil
				nilCount++
				stats.Unresolved++
				slog.Warn("unresolved reference",
					"entity", r.entity,
					"key", rec.NaturalKey,
					"ref", ref.Name,
					"target", ref.Target,
					"legacy_id", id)
				continue
			}
			refs[ref.Name] = &target
			stats.Resolved++
		}
		rec.ResolvedRefs = refs
		rec.IsOrphaned = len(r.refs) > 0 && nilCount == len(r.refs)
		if rec.IsOrphaned {
			stats.Orphaned++
		}
		out[i] = rec
	}

	slog.Debug("references resolved",
		"entity", r.entity,
		"records", stats.Records,
		"resolved", stats.Resolved,
		"unresolved", stats.Unresolved,
		"orphaned", stats.Orphaned)

	return out, stats, nil
}

// RefFields returns the source fields the resolver reads, sorted.
func (r *Resolver) RefFields() []string {
	return SourceFields(r.refs)
}

// SourceFields returns the distinct source fields of refs, sorted.
func SourceFields(refs []RefSpec) []string {
	seen := map[string]bool{}
	var out []string
	for _, ref := range refs {
		if !seen[ref.SourceField] {
			seen[ref.SourceField] = true
			out = append(out, ref.SourceField)
		}
	}
	sort.Strings(out)
	return out
}

func legacyID(rec record.StagingRecord, ref RefSpec) string {
	return strings.TrimSpace(rec.SourceFields[ref.SourceField])
}
