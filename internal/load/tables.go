package load

import (
	"context"
	"time"

	"github.com/roach88/crmsync/internal/record"
)

// StagingTable is one entity type's staging area.
//
// Writes happen inside WithTx: the callback's writes commit together or
// not at all. Reads outside a transaction see only committed state.
type StagingTable interface {
	WithTx(ctx context.Context, fn func(StagingTx) error) error
	Get(ctx context.Context, key string) (record.StagingRecord, bool, error)
	// ReadByStatus returns rows in any of the given statuses, ordered by
	// natural key.
	ReadByStatus(ctx context.Context, statuses ...record.Status) ([]record.StagingRecord, error)
}

// StagingTx is the write side of a staging transaction.
type StagingTx interface {
	Get(ctx context.Context, key string) (record.StagingRecord, bool, error)
	// Upsert replaces the row for rec.NaturalKey with rec (delete then insert).
	Upsert(ctx context.Context, rec record.StagingRecord) error
	// SoftDelete marks the row deleted. Returns false if the row does not
	// exist or is already deleted.
	SoftDelete(ctx context.Context, key string, at time.Time) (bool, error)
	SetStatus(ctx context.Context, key string, status record.Status, message string, at time.Time) error
	UpdateResolution(ctx context.Context, key string, refs map[string]*string, orphaned bool, at time.Time) error
	UpdateDerived(ctx context.Context, key string, derived map[string]string, at time.Time) error
	// Savepoint runs fn so that a failure inside it rolls back only fn's
	// writes; the enclosing transaction stays usable.
	Savepoint(ctx context.Context, fn func() error) error
}

// ProductionTable is one entity type's promoted records.
type ProductionTable interface {
	WithTx(ctx context.Context, fn func(ProductionTx) error) error
}

// ProductionTx is the write side of a production transaction.
type ProductionTx interface {
	Get(ctx context.Context, key string) (record.ProductionRecord, bool, error)
	Upsert(ctx context.Context, rec record.ProductionRecord) error
	SoftDelete(ctx context.Context, key string, at time.Time) (bool, error)
}
