package pipeline

import (
	"errors"
	"fmt"
	"maps"

	"github.com/roach88/crmsync/internal/record"
)

// ErrDependencyFailed marks an entity skipped because something it depends
// on failed in the same RunAll.
var ErrDependencyFailed = errors.New("dependency failed")

// StageError reports the stage at which an entity run failed.
//
// Every stage before Stage committed; Committed holds their row counts.
// Re-running the entity is safe: staging writes are idempotent and the
// snapshot was not advanced.
type StageError struct {
	Entity    string
	Stage     record.Stage
	Committed map[record.Stage]int
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Entity, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func newStageError(entity string, stage record.Stage, committed map[record.Stage]int, err error) *StageError {
	return &StageError{Entity: entity, Stage: stage, Committed: maps.Clone(committed), Err: err}
}

// IsStageError reports whether err is a *StageError.
// Uses errors.As to handle wrapped errors.
func IsStageError(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}

// FailedStage returns the stage of the first *StageError in err's chain.
func FailedStage(err error) (record.Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
