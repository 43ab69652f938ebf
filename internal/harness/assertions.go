package harness

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/crmsync/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Entity   string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s (%s)\n", e.Type, e.Entity)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions evaluates all assertions against the store.
// Returns a message per failed assertion.
func EvaluateAssertions(ctx context.Context, st *store.Store, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertStaging:
			err = assertStaging(ctx, st, a)
		case AssertProduction:
			err = assertProduction(ctx, st, a)
		case AssertProductionCount:
			err = assertProductionCount(ctx, st, a)
		case AssertSnapshotCount:
			err = assertSnapshotCount(ctx, st, a)
		case AssertBatchCount:
			err = assertBatchCount(ctx, st, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func assertStaging(ctx context.Context, st *store.Store, a Assertion) error {
	rec, ok, err := st.Staging(a.Entity).Get(ctx, a.Key)
	if err != nil {
		return err
	}
	if !ok {
		return &AssertionError{Type: a.Type, Entity: a.Entity, Expected: "row " + a.Key, Actual: "row not found"}
	}
	fields := recordFields(map[string]any{
		"category":      string(rec.Category),
		"status":        string(rec.Status),
		"is_orphaned":   rec.IsOrphaned,
		"is_deleted":    rec.IsDeleted,
		"error_message": rec.ErrorMessage,
	}, rec.SourceFields, rec.ResolvedRefs, rec.Derived)
	return matchFields(a, fields)
}

func assertProduction(ctx context.Context, st *store.Store, a Assertion) error {
	rec, ok, err := st.Production(a.Entity).Get(ctx, a.Key)
	if err != nil {
		return err
	}
	if !ok {
		return &AssertionError{Type: a.Type, Entity: a.Entity, Expected: "row " + a.Key, Actual: "row not found"}
	}
	fields := recordFields(map[string]any{
		"category":    string(rec.Category),
		"is_orphaned": rec.IsOrphaned,
		"is_deleted":  rec.IsDeleted,
	}, rec.Fields, rec.ResolvedRefs, rec.Derived)
	return matchFields(a, fields)
}

// recordFields flattens a record for matching. Source fields appear as
// "field.<name>", references as "ref.<name>" and derived values as
// "derived.<name>". An unresolved reference is nil.
func recordFields(base map[string]any, source map[string]string, refs map[string]*string, derived map[string]string) map[string]any {
	for k, v := range source {
		base["field."+k] = v
	}
	for k, v := range refs {
		if v == nil {
			base["ref."+k] = nil
		} else {
			base["ref."+k] = *v
		}
	}
	for k, v := range derived {
		base["derived."+k] = v
	}
	return base
}

// matchFields checks expected values with subset semantics, in sorted key
// order so the first reported mismatch is stable.
func matchFields(a Assertion, actual map[string]any) error {
	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		want := a.Expect[k]
		got, exists := actual[k]
		if !exists && want != nil {
			return &AssertionError{
				Type:     a.Type,
				Entity:   a.Entity,
				Expected: fmt.Sprintf("%s: field %q to exist", a.Key, k),
				Actual:   "field not present",
			}
		}
		if !valuesEqual(want, got) {
			return &AssertionError{
				Type:     a.Type,
				Entity:   a.Entity,
				Expected: fmt.Sprintf("%s: %s = %v (type %T)", a.Key, k, want, want),
				Actual:   fmt.Sprintf("%s: %s = %v (type %T)", a.Key, k, got, got),
			}
		}
	}
	return nil
}

// valuesEqual compares a YAML-decoded expected value with a record value.
// Source fields are stored as text, so numbers compare by their decimal
// form.
func valuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	switch exp := expected.(type) {
	case string:
		s, ok := actual.(string)
		return ok && exp == s
	case bool:
		b, ok := actual.(bool)
		return ok && exp == b
	case int:
		s, ok := actual.(string)
		return ok && strconv.Itoa(exp) == s
	}
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}

func assertProductionCount(ctx context.Context, st *store.Store, a Assertion) error {
	rows, err := st.Production(a.Entity).ReadAll(ctx)
	if err != nil {
		return err
	}
	live := 0
	for _, r := range rows {
		if !r.IsDeleted {
			live++
		}
	}
	return checkCount(a, live, "live production rows")
}

func assertSnapshotCount(ctx context.Context, st *store.Store, a Assertion) error {
	snap, err := st.ReadSnapshot(ctx, a.Entity)
	if err != nil {
		return err
	}
	return checkCount(a, snap.Len(), "snapshot entries")
}

func assertBatchCount(ctx context.Context, st *store.Store, a Assertion) error {
	batches, err := st.ReadLoadBatches(ctx, a.Entity, 0)
	if err != nil {
		return err
	}
	return checkCount(a, len(batches), "load batches")
}

func checkCount(a Assertion, got int, what string) error {
	if got == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Entity:   a.Entity,
		Expected: fmt.Sprintf("%d %s", a.Count, what),
		Actual:   fmt.Sprintf("%d %s", got, what),
	}
}
