package record

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Row is one source record: a flat map of named field values.
//
// Values arrive from different sources (CSV cells are strings, Postgres
// columns are typed), so every consumer goes through FieldString to get a
// type-normalized textual form.
type Row map[string]any

// FieldString returns the textual form of a field value.
// The second result is false when the field is missing or SQL NULL.
//
// Conversion rules:
//   - integers and floats use the shortest round-trip decimal form
//   - time.Time is rendered in UTC as RFC 3339 with nanoseconds
//   - []byte is treated as UTF-8 text
//   - driver.Valuer values are unwrapped first (pgtype.Numeric etc.)
func (r Row) FieldString(name string) (string, bool) {
	v, ok := r[name]
	if !ok {
		return "", false
	}
	return ValueString(v)
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ValueString converts a single field value to its textual form.
// Returns false for nil.
func ValueString(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case []byte:
		return string(val), true
	case bool:
		return strconv.FormatBool(val), true
	case int:
		return strconv.FormatInt(int64(val), 10), true
	case int8:
		return strconv.FormatInt(int64(val), 10), true
	case int16:
		return strconv.FormatInt(int64(val), 10), true
	case int32:
		return strconv.FormatInt(int64(val), 10), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case uint:
		return strconv.FormatUint(uint64(val), 10), true
	case uint8:
		return strconv.FormatUint(uint64(val), 10), true
	case uint16:
		return strconv.FormatUint(uint64(val), 10), true
	case uint32:
		return strconv.FormatUint(uint64(val), 10), true
	case uint64:
		return strconv.FormatUint(val, 10), true
	case float32:
		return formatFloat(float64(val), 32), true
	case float64:
		return formatFloat(val, 64), true
	case *big.Int:
		if val == nil {
			return "", false
		}
		return val.String(), true
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), true
	case driver.Valuer:
		inner, err := val.Value()
		if err != nil || inner == nil {
			return "", false
		}
		return ValueString(inner)
	case fmt.Stringer:
		return val.String(), true
	default:
		return fmt.Sprint(val), true
	}
}

// formatFloat renders integral floats without a fraction so that 42.0 from
// one source and "42" from another fingerprint identically.
func formatFloat(f float64, bits int) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}

// NormalizeForHash folds a value for fingerprinting: NFC, lower-case,
// trimmed, with internal whitespace runs collapsed to a single space.
// The result is never stored.
func NormalizeForHash(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
