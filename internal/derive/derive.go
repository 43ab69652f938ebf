// Package derive computes aggregate fields from separated source values.
//
// A row rule reads one or more source fields such as
// "a@x.com; b@y.com;a@x.com", splits each, trims the parts, drops empties
// and duplicates (first occurrence wins across all fields) and writes the
// joined list to a derived field, optionally with a count.
//
// A grouped rule aggregates another entity instead: the staging rows of
// From whose GroupBy field names a record's natural key contribute their
// values (or their own natural keys) to that record's list and count.
package derive

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/crmsync/internal/record"
)

const (
	DefaultSeparator = ";"
	DefaultJoiner    = "; "
	// CountSuffix is appended to a rule's target to name its count field.
	CountSuffix = "_count"
)

// Rule derives Target from Source and Sources, combined in that order.
type Rule struct {
	Source    string   `json:"source,omitempty" yaml:"source,omitempty"`
	Sources   []string `json:"sources,omitempty" yaml:"sources,omitempty"`
	Target    string   `json:"target" yaml:"target"`
	Separator string   `json:"separator,omitempty" yaml:"separator,omitempty"`
	Joiner    string   `json:"joiner,omitempty" yaml:"joiner,omitempty"`
	Count     bool     `json:"count,omitempty" yaml:"count,omitempty"`

	// From makes the rule grouped: values come from the staging rows of
	// this entity type whose GroupBy field holds the record's natural key.
	// Without source fields the child's natural key is collected. Grouped
	// rules always write a count.
	From    string `json:"from,omitempty" yaml:"from,omitempty"`
	GroupBy string `json:"group_by,omitempty" yaml:"group_by,omitempty"`
}

// Fields returns the source fields in combination order.
func (r Rule) Fields() []string {
	out := make([]string, 0, len(r.Sources)+1)
	if r.Source != "" {
		out = append(out, r.Source)
	}
	for _, f := range r.Sources {
		if f != "" && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// Grouped reports whether the rule aggregates another entity.
func (r Rule) Grouped() bool {
	return r.From != ""
}

func (r Rule) withDefaults() Rule {
	if r.Separator == "" {
		r.Separator = DefaultSeparator
	}
	if r.Joiner == "" {
		r.Joiner = DefaultJoiner
	}
	if r.Grouped() {
		r.Count = true
	}
	return r
}

// Validate reports a rule without a target, a row rule without a source
// and a grouped rule without a group_by field.
func (r Rule) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Target) == "" {
		errs = append(errs, errors.New("derive rule: target is required"))
	}
	for _, f := range r.Sources {
		if strings.TrimSpace(f) == "" {
			errs = append(errs, errors.New("derive rule: empty entry in sources"))
		}
	}
	switch {
	case r.Grouped() && strings.TrimSpace(r.GroupBy) == "":
		errs = append(errs, fmt.Errorf("derive rule: group_by is required with from %q", r.From))
	case !r.Grouped() && r.GroupBy != "":
		errs = append(errs, errors.New("derive rule: group_by requires from"))
	case !r.Grouped() && len(r.Fields()) == 0:
		errs = append(errs, errors.New("derive rule: source is required"))
	}
	return errors.Join(errs...)
}

// SplitDistinct splits value on sep, trims each part, and returns the
// non-empty parts with duplicates removed in first-seen order.
// Returns an empty, non-nil slice for an empty value.
func SplitDistinct(value, sep string) []string {
	return appendDistinct([]string{}, map[string]struct{}{}, value, sep)
}

// appendDistinct appends the parts of value not yet in seen.
func appendDistinct(out []string, seen map[string]struct{}, value, sep string) []string {
	if value == "" {
		return out
	}
	for _, part := range strings.Split(value, sep) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}

// combine merges the named fields into one distinct list.
func combine(fields map[string]string, names []string, sep string) []string {
	out := []string{}
	seen := make(map[string]struct{})
	for _, name := range names {
		out = appendDistinct(out, seen, fields[name], sep)
	}
	return out
}

// Deriver applies a fixed rule list.
type Deriver struct {
	rules []Rule
}

// New validates rules and returns a Deriver. Two rules may not write the
// same field.
func New(rules []Rule) (*Deriver, error) {
	written := make(map[string]string)
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		r = r.withDefaults()
		targets := []string{r.Target}
		if r.Count {
			targets = append(targets, r.Target+CountSuffix)
		}
		origin := strings.Join(r.Fields(), "+")
		if r.Grouped() {
			origin = r.From + "." + r.GroupBy
		}
		for _, t := range targets {
			if prev, ok := written[t]; ok {
				return nil, fmt.Errorf("rule %d: field %q already derived from %q", i, t, prev)
			}
			written[t] = origin
		}
		out = append(out, r)
	}
	return &Deriver{rules: out}, nil
}

// Len returns the number of rules.
func (d *Deriver) Len() int {
	return len(d.rules)
}

// From returns the entity types grouped rules read, in rule order.
func (d *Deriver) From() []string {
	var out []string
	for _, r := range d.rules {
		if r.Grouped() && !slices.Contains(out, r.From) {
			out = append(out, r.From)
		}
	}
	return out
}

// Groups holds, per grouped rule, the collected values keyed by parent
// natural key. The zero value has no values for any parent.
type Groups struct {
	byRule map[int]map[string][]string
}

// Group indexes the staging rows of the entities grouped rules read.
// Deleted and error rows do not contribute. A group_by value may name
// several parents, separated like the rule's sources.
func (d *Deriver) Group(children map[string][]record.StagingRecord) Groups {
	g := Groups{byRule: map[int]map[string][]string{}}
	for i, r := range d.rules {
		if !r.Grouped() {
			continue
		}
		index := map[string][]string{}
		seen := map[string]map[string]struct{}{}
		for _, child := range children[r.From] {
			if child.IsDeleted || child.Status == record.StatusError {
				continue
			}
			values := []string{child.NaturalKey}
			if fields := r.Fields(); len(fields) > 0 {
				values = combine(child.SourceFields, fields, r.Separator)
			}
			for _, parent := range SplitDistinct(child.SourceFields[r.GroupBy], r.Separator) {
				if seen[parent] == nil {
					seen[parent] = map[string]struct{}{}
				}
				for _, v := range values {
					if _, ok := seen[parent][v]; ok {
						continue
					}
					seen[parent][v] = struct{}{}
					index[parent] = append(index[parent], v)
				}
			}
		}
		g.byRule[i] = index
	}
	return g
}

// Derive computes the derived fields of rec. A target with no values is
// omitted; its count, if requested, is "0".
func (d *Deriver) Derive(rec record.StagingRecord, g Groups) map[string]string {
	out := make(map[string]string, len(d.rules))
	for i, r := range d.rules {
		var values []string
		if r.Grouped() {
			values = g.byRule[i][rec.NaturalKey]
		} else {
			values = combine(rec.SourceFields, r.Fields(), r.Separator)
		}
		if len(values) > 0 {
			out[r.Target] = strings.Join(values, r.Joiner)
		}
		if r.Count {
			out[r.Target+CountSuffix] = strconv.Itoa(len(values))
		}
	}
	return out
}

// DeriveAll derives every record and returns the ones whose derived
// fields changed, with Derived replaced. Deleted records are skipped.
func (d *Deriver) DeriveAll(recs []record.StagingRecord, g Groups) []record.StagingRecord {
	changed := []record.StagingRecord{}
	for _, rec := range recs {
		if rec.IsDeleted {
			continue
		}
		derived := d.Derive(rec, g)
		if maps.Equal(derived, rec.Derived) || (len(derived) == 0 && len(rec.Derived) == 0) {
			continue
		}
		rec.Derived = derived
		changed = append(changed, rec)
	}
	return changed
}
