package load

import (
	"errors"
	"fmt"
)

// RowError is a data problem confined to one row. The row is written with
// status=error and the stage continues.
type RowError struct {
	Key     string
	Message string
}

// Error implements the error interface.
func (e *RowError) Error() string {
	return fmt.Sprintf("row %s: %s", e.Key, e.Message)
}

// IsRowError returns true if err is a row-level error.
// Uses errors.As to handle wrapped errors.
func IsRowError(err error) bool {
	var re *RowError
	return errors.As(err, &re)
}
