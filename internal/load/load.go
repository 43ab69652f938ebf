// Package load writes change sets into staging and promotes processed
// staging rows to production.
//
// Every write is idempotent: applying the same change set twice leaves the
// staging table in the same state, and promoting twice leaves production
// untouched the second time. Row problems are isolated to the row; only
// storage failures abort a stage.
package load

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/crmsync/internal/classify"
	"github.com/roach88/crmsync/internal/record"
)

// ClassifyFunc assigns the category of a new or modified row.
type ClassifyFunc func(record.Row) record.Category

// Engine applies change sets for one entity type.
type Engine struct {
	entity         string
	criticalFields []string
	refFields      []string
	now            func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCriticalFields makes rows lacking any of fields a row error.
func WithCriticalFields(fields ...string) Option {
	return func(e *Engine) {
		e.criticalFields = fields
	}
}

// WithRefFields names the source fields that feed reference resolution.
// Resolved references survive an update only when none of these changed.
func WithRefFields(fields ...string) Option {
	return func(e *Engine) {
		e.refFields = fields
	}
}

// WithClock sets the time source for updated_at and promoted_at.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New returns an engine for entity.
func New(entity string, opts ...Option) *Engine {
	e := &Engine{entity: entity, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyResult counts what Apply wrote.
type ApplyResult struct {
	Inserted   int                     `json:"inserted"`
	Updated    int                     `json:"updated"`
	Deleted    int                     `json:"deleted"`
	Errors     int                     `json:"errors"`
	Categories map[record.Category]int `json:"categories"` // every category, zero or not
	ErrorKeys  []string                `json:"error_keys"`
}

// Written returns the number of rows that reached staging.
func (r ApplyResult) Written() int {
	return r.Inserted + r.Updated + r.Deleted + r.Errors
}

// Apply writes cs to target in one transaction: inserts, then updates,
// then soft deletes.
//
// New and modified rows are classified, written with status=pending and
// their previous derived values cleared. Resolved references of an
// existing row are kept only if every ref source field is unchanged.
// A row that fails validation is written with status=error and counted;
// it does not abort the batch.
func (e *Engine) Apply(ctx context.Context, cs record.ChangeSet, classifyFn ClassifyFunc, target StagingTable) (ApplyResult, error) {
	res := ApplyResult{ErrorKeys: []string{}}
	at := e.now().UTC()
	var written []record.Category

	err := target.WithTx(ctx, func(tx StagingTx) error {
		for _, batch := range []struct {
			changes  []record.Change
			modified bool
		}{{cs.New, false}, {cs.Modified, true}} {
			for _, ch := range batch.changes {
				if err := ctx.Err(); err != nil {
					return err
				}
				cat, err := e.writeChange(ctx, tx, ch, classifyFn, at)
				switch {
				case err == nil:
					if batch.modified {
						res.Updated++
					} else {
						res.Inserted++
					}
					written = append(written, cat)
				case IsRowError(err):
					res.Errors++
					res.ErrorKeys = append(res.ErrorKeys, ch.Key())
				default:
					return err
				}
			}
		}

		for _, key := range cs.DeletedKeys {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := tx.SoftDelete(ctx, key, at)
			if err != nil {
				return fmt.Errorf("soft delete %s: %w", key, err)
			}
			if ok {
				res.Deleted++
			}
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("apply %s: %w", e.entity, err)
	}
	res.Categories = classify.Distribution(written)

	slog.Info("staging load committed",
		"entity", e.entity,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"errors", res.Errors)
	return res, nil
}

// writeChange writes one new or modified row. A *RowError means the row
// was recorded with status=error; any other error is fatal.
func (e *Engine) writeChange(ctx context.Context, tx StagingTx, ch record.Change, classifyFn ClassifyFunc, at time.Time) (record.Category, error) {
	key := ch.Key()
	rec := record.StagingRecord{
		NaturalKey:   key,
		SourceFields: sourceFields(ch.Row),
		SourceHash:   ch.Fingerprint.ContentHash,
		ResolvedRefs: map[string]*string{},
		Derived:      map[string]string{},
		Status:       record.StatusPending,
		UpdatedAt:    at,
	}

	prev, exists, err := tx.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read staging %s: %w", key, err)
	}
	if exists && !prev.IsDeleted && e.refFieldsEqual(prev.SourceFields, rec.SourceFields) {
		rec.ResolvedRefs = prev.ResolvedRefs
		rec.IsOrphaned = prev.IsOrphaned
	}

	rec.Category = classifyFn(ch.Row)
	var rowErr *RowError
	if !rec.Category.IsValid() {
		rowErr = &RowError{Key: key, Message: fmt.Sprintf("invalid category %q", rec.Category)}
		rec.Category = record.CategoryNotes
	} else {
		rowErr = e.validate(rec)
	}

	if rowErr == nil {
		err := tx.Savepoint(ctx, func() error {
			return tx.Upsert(ctx, rec)
		})
		if err == nil {
			return rec.Category, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		rowErr = &RowError{Key: key, Message: err.Error()}
	}

	rec.Status = record.StatusError
	rec.ErrorMessage = rowErr.Message
	if err := tx.Upsert(ctx, rec); err != nil {
		return "", fmt.Errorf("record row error %s: %w", key, err)
	}
	slog.Warn("row rejected", "entity", e.entity, "key", key, "error", rowErr.Message)
	return "", rowErr
}

func (e *Engine) validate(rec record.StagingRecord) *RowError {
	var missing []string
	for _, f := range e.criticalFields {
		if strings.TrimSpace(rec.SourceFields[f]) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return &RowError{Key: rec.NaturalKey, Message: "missing critical field " + strings.Join(missing, ", ")}
	}
	return nil
}

func (e *Engine) refFieldsEqual(a, b map[string]string) bool {
	for _, f := range e.refFields {
		if a[f] != b[f] {
			return false
		}
	}
	return true
}

// sourceFields converts a row to its stored textual form.
// NULL fields are omitted.
func sourceFields(row record.Row) map[string]string {
	out := make(map[string]string, len(row))
	for k := range row {
		if s, ok := row.FieldString(k); ok {
			out[k] = s
		}
	}
	return out
}

// CommitResolution writes resolver output back to staging and moves
// pending rows to processed. Rows in other statuses keep their status.
// Returns the number of rows that became processed.
func (e *Engine) CommitResolution(ctx context.Context, target StagingTable, recs []record.StagingRecord) (int, error) {
	at := e.now().UTC()
	processed := 0
	err := target.WithTx(ctx, func(tx StagingTx) error {
		processed = 0
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := tx.UpdateResolution(ctx, rec.NaturalKey, rec.ResolvedRefs, rec.IsOrphaned, at); err != nil {
				return fmt.Errorf("update resolution %s: %w", rec.NaturalKey, err)
			}
			if rec.Status == record.StatusPending {
				if err := tx.SetStatus(ctx, rec.NaturalKey, record.StatusProcessed, "", at); err != nil {
					return fmt.Errorf("set status %s: %w", rec.NaturalKey, err)
				}
				processed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("commit resolution %s: %w", e.entity, err)
	}
	return processed, nil
}

// CommitDerived writes derived values for the given rows.
func (e *Engine) CommitDerived(ctx context.Context, target StagingTable, recs []record.StagingRecord) error {
	at := e.now().UTC()
	err := target.WithTx(ctx, func(tx StagingTx) error {
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := tx.UpdateDerived(ctx, rec.NaturalKey, rec.Derived, at); err != nil {
				return fmt.Errorf("update derived %s: %w", rec.NaturalKey, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit derived %s: %w", e.entity, err)
	}
	return nil
}
