// Package config loads and validates pipeline configuration.
//
// A configuration is either a CUE file (or a directory of CUE files forming
// one package) or a YAML file. Both decode into Pipeline; CUE input is
// additionally unified with the embedded schema before decoding.
package config

import (
	"slices"

	"github.com/roach88/crmsync/internal/classify"
	"github.com/roach88/crmsync/internal/derive"
	"github.com/roach88/crmsync/internal/load"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/resolve"
	"github.com/roach88/crmsync/internal/source"
)

// Defaults.
const (
	DefaultWorkers        = 4
	DefaultDatabase       = "crmsync.db"
	DefaultReconTable     = "reconciliation_entries"
	DefaultSchemaVersion  = 1
	DefaultEntityCategory = record.CategoryNotes
)

// Reconciliation lookup backends.
const (
	ReconSQLite   = "sqlite"
	ReconPostgres = "postgres"
)

// Pipeline is a complete run configuration.
type Pipeline struct {
	// Workers bounds how many entities of one dependency level run at once.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`
	// Database is the SQLite file holding fingerprints, staging, production
	// and the batch log.
	Database       string         `json:"database,omitempty" yaml:"database,omitempty"`
	Postgres       Postgres       `json:"postgres,omitempty" yaml:"postgres,omitempty"`
	Classification Classification `json:"classification,omitempty" yaml:"classification,omitempty"`
	Reconciliation Reconciliation `json:"reconciliation,omitempty" yaml:"reconciliation,omitempty"`
	Entities       []Entity       `json:"entities" yaml:"entities"`

	// BaseDir is the directory the configuration was loaded from.
	BaseDir string `json:"-" yaml:"-"`
}

// Postgres is the legacy source connection. DSN undergoes $VAR expansion.
type Postgres struct {
	DSN      string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	MaxConns int32  `json:"max_conns,omitempty" yaml:"max_conns,omitempty"`
}

// Classification overrides the built-in type table.
type Classification struct {
	Version     string                     `json:"version,omitempty" yaml:"version,omitempty"`
	Types       map[string]record.Category `json:"types,omitempty" yaml:"types,omitempty"`
	HighUrgency []string                   `json:"high_urgency,omitempty" yaml:"high_urgency,omitempty"`
}

// Table returns the default table with Types merged on top.
func (c Classification) Table() classify.Table {
	if len(c.Types) == 0 && c.Version == "" {
		return classify.DefaultTable()
	}
	return classify.DefaultTable().Merge(c.Version, c.Types)
}

// Reconciliation selects where legacy-to-target id mappings live.
type Reconciliation struct {
	Source        string `json:"source,omitempty" yaml:"source,omitempty"`
	Table         string `json:"table,omitempty" yaml:"table,omitempty"`
	MinConfidence int    `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
}

// Entity configures one entity type.
type Entity struct {
	Name   string        `json:"name" yaml:"name"`
	Schema record.Schema `json:"schema" yaml:"schema"`
	Source source.Spec   `json:"source" yaml:"source"`
	// Classify names the classification fields. Without a type field every
	// row gets Category.
	Classify       classify.Fields    `json:"classify,omitempty" yaml:"classify,omitempty"`
	Category       record.Category    `json:"category,omitempty" yaml:"category,omitempty"`
	Refs           []resolve.RefSpec  `json:"refs,omitempty" yaml:"refs,omitempty"`
	CriticalFields []string           `json:"critical_fields,omitempty" yaml:"critical_fields,omitempty"`
	Derive         []derive.Rule      `json:"derive,omitempty" yaml:"derive,omitempty"`
	DependsOn      []string           `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Promote        load.PromotePolicy `json:"promote,omitempty" yaml:"promote,omitempty"`
}

// Columns returns key and tracked columns, deduplicated, in declaration order.
func (e Entity) Columns() []string {
	out := make([]string, 0, len(e.Schema.KeyColumns)+len(e.Schema.TrackedColumns))
	for _, c := range slices.Concat(e.Schema.KeyColumns, e.Schema.TrackedColumns) {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Entity returns the named entity.
func (p *Pipeline) Entity(name string) (Entity, bool) {
	for _, e := range p.Entities {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}

// Names returns entity names in declaration order.
func (p *Pipeline) Names() []string {
	out := make([]string, len(p.Entities))
	for i, e := range p.Entities {
		out[i] = e.Name
	}
	return out
}

// ApplyDefaults fills unset fields.
func (p *Pipeline) ApplyDefaults() {
	if p.Workers == 0 {
		p.Workers = DefaultWorkers
	}
	if p.Database == "" {
		p.Database = DefaultDatabase
	}
	if p.Reconciliation.Source == "" {
		p.Reconciliation.Source = ReconSQLite
	}
	if p.Reconciliation.Table == "" {
		p.Reconciliation.Table = DefaultReconTable
	}
	if p.Classification.Version == "" && len(p.Classification.Types) > 0 {
		p.Classification.Version = classify.DefaultTableVersion + "+custom"
	}
	for i := range p.Entities {
		e := &p.Entities[i]
		if e.Schema.Version == 0 {
			e.Schema.Version = DefaultSchemaVersion
		}
		if e.Category == "" {
			e.Category = DefaultEntityCategory
		}
	}
}

// NeedsPostgres reports whether any component reads from Postgres.
func (p *Pipeline) NeedsPostgres() bool {
	if p.Reconciliation.Source == ReconPostgres {
		return true
	}
	for _, e := range p.Entities {
		if e.Source.Kind == source.KindPostgres {
			return true
		}
	}
	return false
}
