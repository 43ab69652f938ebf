package load

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/crmsync/internal/record"
)

// PromotePolicy controls which processed rows reach production.
type PromotePolicy struct {
	// SkipOrphans holds back rows whose references all failed to resolve.
	SkipOrphans bool `json:"skip_orphans" yaml:"skip_orphans"`
}

// PromoteResult counts what Promote did.
type PromoteResult struct {
	Promoted       int `json:"promoted"`
	Unchanged      int `json:"unchanged"`
	SkippedOrphans int `json:"skipped_orphans"`
	Deleted        int `json:"deleted"`
}

// Promote copies every processed staging row to production, keyed by
// natural key, and soft-deletes production rows whose staging row is
// deleted.
//
// A production row whose content hash already matches is not rewritten,
// so promoting twice is a no-op the second time.
func (e *Engine) Promote(ctx context.Context, staging StagingTable, production ProductionTable, policy PromotePolicy) (PromoteResult, error) {
	var res PromoteResult
	rows, err := staging.ReadByStatus(ctx, record.StatusProcessed, record.StatusDeleted)
	if err != nil {
		return res, fmt.Errorf("promote %s: read staging: %w", e.entity, err)
	}
	at := e.now().UTC()

	err = production.WithTx(ctx, func(tx ProductionTx) error {
		for _, rec := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			if rec.Status == record.StatusDeleted {
				ok, err := tx.SoftDelete(ctx, rec.NaturalKey, at)
				if err != nil {
					return fmt.Errorf("soft delete %s: %w", rec.NaturalKey, err)
				}
				if ok {
					res.Deleted++
				}
				continue
			}
			if policy.SkipOrphans && rec.IsOrphaned {
				res.SkippedOrphans++
				continue
			}

			hash, err := rec.ContentHash()
			if err != nil {
				return err
			}
			cur, exists, err := tx.Get(ctx, rec.NaturalKey)
			if err != nil {
				return fmt.Errorf("read production %s: %w", rec.NaturalKey, err)
			}
			if exists && !cur.IsDeleted && cur.ContentHash == hash {
				res.Unchanged++
				continue
			}
			prod := record.ProductionRecord{
				NaturalKey:   rec.NaturalKey,
				Category:     rec.Category,
				Fields:       rec.SourceFields,
				Derived:      rec.Derived,
				ResolvedRefs: rec.ResolvedRefs,
				IsOrphaned:   rec.IsOrphaned,
				ContentHash:  hash,
				PromotedAt:   at,
			}
			if err := tx.Upsert(ctx, prod); err != nil {
				return fmt.Errorf("upsert production %s: %w", rec.NaturalKey, err)
			}
			res.Promoted++
		}
		return nil
	})
	if err != nil {
		return PromoteResult{}, fmt.Errorf("promote %s: %w", e.entity, err)
	}

	slog.Info("promotion committed",
		"entity", e.entity,
		"promoted", res.Promoted,
		"unchanged", res.Unchanged,
		"skipped_orphans", res.SkippedOrphans,
		"deleted", res.Deleted)
	return res, nil
}
