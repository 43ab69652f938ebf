package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/crmsync/internal/derive"
	"github.com/roach88/crmsync/internal/source"
)

// Validation error codes (E210-E229).
const (
	ErrNoEntities        = "E210" // at least one entity required
	ErrInvalidEntityName = "E211" // missing, malformed or duplicate name
	ErrInvalidSchema     = "E212" // key or tracked columns invalid
	ErrInvalidSource     = "E213" // unknown kind or missing path/query
	ErrCriticalField     = "E214" // critical field is not a column
	ErrInvalidRef        = "E215" // ref source field or target invalid
	ErrInvalidDerive     = "E216" // derive rule invalid
	ErrUnknownDependency = "E217" // depends_on names an unknown entity
	ErrDependencyCycle   = "E218" // depends_on forms a cycle
	ErrInvalidCategory   = "E219" // unknown category or bad classification table
	ErrInvalidClassify   = "E220" // classification field is not a column
	ErrInvalidRange      = "E221" // workers or min_confidence out of range
	ErrMissingPostgres   = "E222" // postgres used without a dsn
	ErrInvalidRecon      = "E223" // unknown reconciliation source
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidationError is one problem found by Validate.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors collects every problem in a configuration.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// Validate checks the whole configuration and returns all problems found.
// It expects defaults to have been applied.
func (p *Pipeline) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if p.Workers < 1 {
		add("workers", ErrInvalidRange, "must be at least 1, got %d", p.Workers)
	}
	if mc := p.Reconciliation.MinConfidence; mc < 0 || mc > 100 {
		add("reconciliation.min_confidence", ErrInvalidRange, "must be within 0..100, got %d", mc)
	}
	switch p.Reconciliation.Source {
	case ReconSQLite, ReconPostgres:
	default:
		add("reconciliation.source", ErrInvalidRecon, "unknown source %q", p.Reconciliation.Source)
	}
	if p.NeedsPostgres() && p.Postgres.DSN == "" {
		add("postgres.dsn", ErrMissingPostgres, "required when a postgres source or lookup is configured")
	}
	if err := p.Classification.Table().Validate(); err != nil {
		add("classification.types", ErrInvalidCategory, "%v", err)
	}

	if len(p.Entities) == 0 {
		add("entities", ErrNoEntities, "at least one entity is required")
		return errs
	}

	names := make(map[string]bool, len(p.Entities))
	for i, e := range p.Entities {
		field := fmt.Sprintf("entities[%d]", i)
		if e.Name != "" {
			field = "entities." + e.Name
		}
		switch {
		case !namePattern.MatchString(e.Name):
			add(field+".name", ErrInvalidEntityName, "name %q must match %s", e.Name, namePattern)
		case names[e.Name]:
			add(field+".name", ErrInvalidEntityName, "duplicate entity %q", e.Name)
		}
		names[e.Name] = true
		errs = append(errs, validateEntity(field, e)...)
	}

	for _, e := range p.Entities {
		for _, dep := range e.DependsOn {
			if !names[dep] {
				add("entities."+e.Name+".depends_on", ErrUnknownDependency, "unknown entity %q", dep)
			}
		}
	}
	for _, cycle := range p.dependencyCycles() {
		add("depends_on", ErrDependencyCycle, "cycle %s", strings.Join(cycle, " -> "))
	}
	errs = append(errs, p.validateGroupedDerive()...)
	return errs
}

// validateGroupedDerive checks rules that aggregate another entity: the
// entity must exist, run earlier, and carry the named fields.
func (p *Pipeline) validateGroupedDerive() []ValidationError {
	var errs []ValidationError
	for _, e := range p.Entities {
		field := "entities." + e.Name + ".derive"
		for _, r := range e.Derive {
			if !r.Grouped() {
				continue
			}
			add := func(format string, args ...any) {
				errs = append(errs, ValidationError{Field: field, Code: ErrInvalidDerive, Message: fmt.Sprintf(format, args...)})
			}
			child, ok := p.Entity(r.From)
			if !ok {
				add("from: unknown entity %q", r.From)
				continue
			}
			if !slices.Contains(e.DependsOn, r.From) {
				add("from %q must be listed in depends_on", r.From)
			}
			columns := child.Columns()
			for _, f := range append([]string{r.GroupBy}, r.Fields()...) {
				if f != "" && !slices.Contains(columns, f) {
					add("%q is not a key or tracked column of %s", f, r.From)
				}
			}
		}
	}
	return errs
}

func validateEntity(field string, e Entity) []ValidationError {
	var errs []ValidationError
	add := func(sub, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field + "." + sub, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if err := e.Schema.Validate(); err != nil {
		add("schema", ErrInvalidSchema, "%v", err)
	}
	columns := e.Columns()
	isColumn := func(c string) bool { return slices.Contains(columns, c) }

	switch {
	case !e.Source.Kind.IsValid():
		add("source.kind", ErrInvalidSource, "unknown kind %q", e.Source.Kind)
	case e.Source.Kind == source.KindCSV && e.Source.Path == "":
		add("source.path", ErrInvalidSource, "csv source requires a path")
	case e.Source.Kind == source.KindPostgres && e.Source.Query == "":
		add("source.query", ErrInvalidSource, "postgres source requires a query")
	}

	for _, f := range e.CriticalFields {
		if !isColumn(f) {
			add("critical_fields", ErrCriticalField, "%q is not a key or tracked column", f)
		}
	}

	if !e.Category.IsValid() {
		add("category", ErrInvalidCategory, "unknown category %q", e.Category)
	}
	for _, f := range []struct{ name, value string }{
		{"type", e.Classify.Type},
		{"priority", e.Classify.Priority},
		{"association", e.Classify.Association},
	} {
		if f.value != "" && !isColumn(f.value) {
			add("classify."+f.name, ErrInvalidClassify, "%q is not a key or tracked column", f.value)
		}
	}
	if e.Classify.Type == "" && (e.Classify.Priority != "" || e.Classify.Association != "") {
		add("classify.type", ErrInvalidClassify, "priority and association require a type field")
	}

	refNames := map[string]bool{}
	for _, r := range e.Refs {
		switch {
		case r.Name == "":
			add("refs", ErrInvalidRef, "ref name is required")
		case refNames[r.Name]:
			add("refs."+r.Name, ErrInvalidRef, "duplicate ref")
		}
		refNames[r.Name] = true
		if !isColumn(r.SourceField) {
			add("refs."+r.Name, ErrInvalidRef, "source field %q is not a key or tracked column", r.SourceField)
		}
		if r.Target == "" {
			add("refs."+r.Name, ErrInvalidRef, "target entity type is required")
		}
	}

	if _, err := derive.New(e.Derive); err != nil {
		add("derive", ErrInvalidDerive, "%v", err)
	}
	for _, r := range e.Derive {
		if r.Grouped() {
			continue
		}
		for _, f := range r.Fields() {
			if !isColumn(f) {
				add("derive", ErrInvalidDerive, "source %q is not a key or tracked column", f)
			}
		}
	}
	return errs
}
