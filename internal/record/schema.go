package record

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// KeySeparator joins the values of composite natural keys.
const KeySeparator = "_"

// keyPartEscaper backslash-escapes the separator inside composite key
// parts, so ("a_b", "c") and ("a", "b_c") stay distinct.
var keyPartEscaper = strings.NewReplacer(`\`, `\\`, KeySeparator, `\`+KeySeparator)

// Schema describes how rows of one entity type are keyed and fingerprinted.
//
// Version is bumped by the operator when the meaning of tracked columns
// changes. A change in Version or in the tracked column set invalidates the
// stored snapshot.
type Schema struct {
	Version        int      `json:"version" yaml:"version"`
	KeyColumns     []string `json:"key_columns" yaml:"key_columns"`
	TrackedColumns []string `json:"tracked_columns" yaml:"tracked_columns"`
}

// ID returns the stable identity stored alongside fingerprints.
// Format: "v<version>:<first 12 hex chars of sha256(sorted tracked columns)>".
func (s Schema) ID() string {
	cols := slices.Clone(s.TrackedColumns)
	SortKeys(cols)
	sum := sha256.Sum256([]byte(strings.Join(cols, "\x00")))
	return fmt.Sprintf("v%d:%s", s.Version, hex.EncodeToString(sum[:6]))
}

// KeyOf extracts the natural key of a row.
// Composite keys are joined with KeySeparator after escaping any
// separator or backslash inside a part. A single-column key is used as is.
// Returns false if any key column is missing, NULL, or blank.
func (s Schema) KeyOf(row Row) (string, bool) {
	if len(s.KeyColumns) == 1 {
		v, ok := row.FieldString(s.KeyColumns[0])
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	parts := make([]string, 0, len(s.KeyColumns))
	for _, col := range s.KeyColumns {
		v, ok := row.FieldString(col)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return "", false
		}
		parts = append(parts, keyPartEscaper.Replace(v))
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, KeySeparator), true
}

// Validate checks the schema shape: at least one key column, at least one
// tracked column, and no duplicates.
func (s Schema) Validate() error {
	var errs []error
	if len(s.KeyColumns) == 0 {
		errs = append(errs, errors.New("schema: no key columns"))
	}
	if len(s.TrackedColumns) == 0 {
		errs = append(errs, errors.New("schema: no tracked columns"))
	}
	if d := firstDuplicate(s.KeyColumns); d != "" {
		errs = append(errs, fmt.Errorf("schema: duplicate key column %q", d))
	}
	if d := firstDuplicate(s.TrackedColumns); d != "" {
		errs = append(errs, fmt.Errorf("schema: duplicate tracked column %q", d))
	}
	return errors.Join(errs...)
}

func firstDuplicate(cols []string) string {
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if seen[c] {
			return c
		}
		seen[c] = true
	}
	return ""
}
