// Package source extracts raw rows for an entity type.
//
// A Source returns the complete current row set of one entity; change
// detection needs every row, so there is no incremental extraction.
package source

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/crmsync/internal/record"
)

// Kind names a source implementation.
type Kind string

const (
	KindCSV      Kind = "csv"
	KindPostgres Kind = "postgres"
	KindStatic   Kind = "static"
)

// Kinds returns every supported kind.
func Kinds() []Kind {
	return []Kind{KindCSV, KindPostgres, KindStatic}
}

// IsValid reports whether k is a supported kind.
func (k Kind) IsValid() bool {
	return slices.Contains(Kinds(), k)
}

// Spec describes where an entity's rows come from.
type Spec struct {
	Kind Kind `json:"kind" yaml:"kind"`
	// Path is the CSV file, relative paths resolve against the config file.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Delimiter is the CSV field delimiter; default ",".
	Delimiter string `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	// Query is the SQL run against the legacy Postgres database.
	Query string `json:"query,omitempty" yaml:"query,omitempty"`
}

// Source extracts rows.
type Source interface {
	Extract(ctx context.Context, entity string, spec Spec) ([]record.Row, error)
}

// Mux dispatches to a Source by Spec.Kind.
type Mux map[Kind]Source

// Extract implements Source.
func (m Mux) Extract(ctx context.Context, entity string, spec Spec) ([]record.Row, error) {
	src, ok := m[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("extract %s: no source registered for kind %q", entity, spec.Kind)
	}
	return src.Extract(ctx, entity, spec)
}
