package pipeline

import (
	"log/slog"

	"github.com/roach88/crmsync/internal/record"
)

// Reporter receives every finished LoadBatch, successful or not.
// Report is called from the goroutine that ran the entity, so
// implementations must be safe for concurrent use.
type Reporter interface {
	Report(record.LoadBatch)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(record.LoadBatch)

// Report implements Reporter.
func (f ReporterFunc) Report(b record.LoadBatch) {
	f(b)
}

// LogReporter writes one structured log line per batch.
type LogReporter struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Report implements Reporter.
func (r LogReporter) Report(b record.LoadBatch) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"entity", b.EntityType,
		"run_id", b.RunID,
		"new", b.Changes.New,
		"modified", b.Changes.Modified,
		"deleted", b.Changes.Deleted,
		"unchanged", b.Changes.Unchanged,
		"errors", b.ErrorCount,
		"orphans", b.OrphanCount,
		"duration", b.FinishedAt.Sub(b.StartedAt),
	}
	if b.FullResync {
		attrs = append(attrs, "full_resync", true)
	}
	if !b.Succeeded() {
		logger.Error("entity run failed", append(attrs, "stage", b.FailedStage, "error", b.Error)...)
		return
	}
	logger.Info("entity run done", attrs...)
}
