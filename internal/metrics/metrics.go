// Package metrics exports run summaries as Prometheus metrics.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/crmsync/internal/record"
)

const namespace = "crmsync"

// Reporter turns each finished LoadBatch into metric updates.
type Reporter struct {
	runs        *prometheus.CounterVec
	changes     *prometheus.CounterVec
	stageRows   *prometheus.CounterVec
	categories  *prometheus.CounterVec
	rowErrors   *prometheus.CounterVec
	orphans     *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) (*Reporter, error) {
	r := &Reporter{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Entity runs by final state.",
		}, []string{"entity", "state"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_total",
			Help:      "Rows by change kind detected against the previous snapshot.",
		}, []string{"entity", "kind"}),
		stageRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_rows_total",
			Help:      "Rows written by each pipeline stage.",
		}, []string{"entity", "stage"}),
		categories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "category_rows_total",
			Help:      "Staged rows by category.",
		}, []string{"entity", "category"}),
		rowErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "row_errors_total",
			Help:      "Rows written to staging with status=error.",
		}, []string{"entity"}),
		orphans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orphaned_rows",
			Help:      "Orphaned rows after the last run's resolution stage.",
		}, []string{"entity"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of one entity run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}, []string{"entity"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Finish time of the last successful run.",
		}, []string{"entity"}),
	}
	for _, c := range []prometheus.Collector{
		r.runs, r.changes, r.stageRows, r.categories, r.rowErrors, r.orphans, r.duration, r.lastSuccess,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return r, nil
}

// Report records one batch.
func (r *Reporter) Report(b record.LoadBatch) {
	r.runs.WithLabelValues(b.EntityType, string(b.State)).Inc()

	r.changes.WithLabelValues(b.EntityType, "new").Add(float64(b.Changes.New))
	r.changes.WithLabelValues(b.EntityType, "modified").Add(float64(b.Changes.Modified))
	r.changes.WithLabelValues(b.EntityType, "deleted").Add(float64(b.Changes.Deleted))
	r.changes.WithLabelValues(b.EntityType, "unchanged").Add(float64(b.Changes.Unchanged))

	for stage, n := range b.CountsByStage {
		r.stageRows.WithLabelValues(b.EntityType, string(stage)).Add(float64(n))
	}
	for cat, n := range b.CountsByCategory {
		r.categories.WithLabelValues(b.EntityType, string(cat)).Add(float64(n))
	}
	r.rowErrors.WithLabelValues(b.EntityType).Add(float64(b.ErrorCount))

	if !b.FinishedAt.IsZero() {
		r.duration.WithLabelValues(b.EntityType).Observe(b.FinishedAt.Sub(b.StartedAt).Seconds())
	}
	if b.Succeeded() {
		r.orphans.WithLabelValues(b.EntityType).Set(float64(b.OrphanCount))
		r.lastSuccess.WithLabelValues(b.EntityType).Set(float64(b.FinishedAt.Unix()))
	}
}

// WriteTextfile writes everything gathered by g in the text exposition
// format, for the node_exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}
