package detect

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes detection errors.
type ErrorCode string

const (
	// ErrCodeDuplicateKey indicates two rows in one batch share a natural key.
	ErrCodeDuplicateKey ErrorCode = "DUPLICATE_KEY"

	// ErrCodeMissingKey indicates a row without a usable natural key.
	ErrCodeMissingKey ErrorCode = "MISSING_KEY"

	// ErrCodeInvalidSchema indicates the schema itself is malformed.
	ErrCodeInvalidSchema ErrorCode = "INVALID_SCHEMA"
)

// DetectError is returned by Detect before any state is produced.
// All detection errors are fatal for the batch.
type DetectError struct {
	Code ErrorCode

	// Keys lists the offending natural keys (duplicates), sorted.
	Keys []string

	// Rows lists offending row indexes (missing keys).
	Rows []int

	Err error
}

// Error implements the error interface.
func (e *DetectError) Error() string {
	switch e.Code {
	case ErrCodeDuplicateKey:
		return fmt.Sprintf("%s: %d duplicate natural key(s): %s", e.Code, len(e.Keys), truncateList(e.Keys))
	case ErrCodeMissingKey:
		idx := make([]string, len(e.Rows))
		for i, r := range e.Rows {
			idx[i] = fmt.Sprint(r)
		}
		return fmt.Sprintf("%s: %d row(s) without natural key at index %s", e.Code, len(e.Rows), truncateList(idx))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

// Unwrap returns the underlying cause, if any.
func (e *DetectError) Unwrap() error {
	return e.Err
}

// IsDuplicateKeyError returns true if err is a duplicate key error.
// Uses errors.As to handle wrapped errors.
func IsDuplicateKeyError(err error) bool {
	var de *DetectError
	if errors.As(err, &de) {
		return de.Code == ErrCodeDuplicateKey
	}
	return false
}

// IsMissingKeyError returns true if err is a missing key error.
func IsMissingKeyError(err error) bool {
	var de *DetectError
	if errors.As(err, &de) {
		return de.Code == ErrCodeMissingKey
	}
	return false
}

func truncateList(items []string) string {
	const limit = 10
	if len(items) <= limit {
		return strings.Join(items, ", ")
	}
	return strings.Join(items[:limit], ", ") + fmt.Sprintf(", ... (%d more)", len(items)-limit)
}
