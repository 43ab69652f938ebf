package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/config"
	"github.com/roach88/crmsync/internal/metrics"
	"github.com/roach88/crmsync/internal/pipeline"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/source"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	DBPath     string // overrides the configured database
	Entity     string // run one entity instead of all
	MetricsOut string // Prometheus textfile path
}

// RunResult is the JSON payload of the run command.
type RunResult struct {
	Batches []record.LoadBatch `json:"batches"`
	Failed  int                `json:"failed"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Run the sync pipeline",
		Long: `Run the sync pipeline for every configured entity, or one entity.

Entities run in dependency order; independent entities of the same level
run concurrently. A failed entity does not stop the others, but entities
depending on it are skipped.

Exit codes:
  0 - All entities succeeded
  1 - One or more entities failed
  2 - Command error (bad config, unreachable database)

Examples:
  crmsync run pipeline.cue
  crmsync run pipeline.yaml --entity communications
  crmsync run pipeline.yaml --metrics-out /var/lib/node_exporter/crmsync.prom`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite database path (default: from config)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "run a single entity")
	cmd.Flags().StringVar(&opts.MetricsOut, "metrics-out", "", "write Prometheus metrics to this textfile")

	return cmd
}

func runPipeline(ctx context.Context, opts *RunOptions, configPath string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)

	cfg, err := loadConfig(f, configPath)
	if err != nil {
		return err
	}
	if opts.Entity != "" {
		if _, ok := cfg.Entity(opts.Entity); !ok {
			msg := fmt.Sprintf("unknown entity %q (configured: %s)", opts.Entity, strings.Join(cfg.Names(), ", "))
			_ = f.Error(ErrCodeNotFound, msg, nil)
			return NewExitError(ExitCommandError, msg)
		}
	}

	st, err := openStore(f, databasePath(cfg, opts.DBPath), false)
	if err != nil {
		return err
	}
	defer st.Close()

	mux := source.Mux{
		source.KindCSV: source.CSV{BaseDir: cfg.BaseDir},
	}
	pipelineOpts := []pipeline.Option{
		pipeline.WithReporters(pipeline.LogReporter{Logger: slog.Default()}),
	}

	if cfg.NeedsPostgres() {
		pool, err := source.OpenPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			_ = f.Error(ErrCodeSource, err.Error(), nil)
			return WrapExitError(ExitCommandError, "connect legacy database", err)
		}
		defer pool.Close()
		mux[source.KindPostgres] = source.Postgres{DB: pool}
		if cfg.Reconciliation.Source == config.ReconPostgres {
			pipelineOpts = append(pipelineOpts, pipeline.WithPostgres(pool))
		}
		slog.Debug("connected to postgres", "max_conns", pool.Config().MaxConns)
	}

	reg := prometheus.NewRegistry()
	if opts.MetricsOut != "" {
		reporter, err := metrics.New(reg)
		if err != nil {
			_ = f.Error(ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, "register metrics", err)
		}
		pipelineOpts = append(pipelineOpts, pipeline.WithReporters(reporter))
	}

	orch, err := pipeline.New(cfg, st, mux, pipelineOpts...)
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "build pipeline", err)
	}

	var batches []record.LoadBatch
	if opts.Entity != "" {
		b, err := orch.Run(ctx, opts.Entity)
		if err != nil && b.RunID == "" {
			_ = f.Error(ErrCodeRun, err.Error(), nil)
			return WrapExitError(ExitFailure, "run", err)
		}
		batches = []record.LoadBatch{b}
	} else {
		batches, _ = orch.RunAll(ctx)
	}

	if opts.MetricsOut != "" {
		if err := metrics.WriteTextfile(opts.MetricsOut, reg); err != nil {
			slog.Warn("metrics not written", "path", opts.MetricsOut, "error", err)
		}
	}

	return outputRun(f, batches)
}

func outputRun(f *OutputFormatter, batches []record.LoadBatch) error {
	result := RunResult{Batches: batches}
	if result.Batches == nil {
		result.Batches = []record.LoadBatch{}
	}
	var failed []string
	for _, b := range batches {
		if !b.Succeeded() {
			result.Failed++
			failed = append(failed, b.EntityType)
		}
	}

	text := formatBatches(batches)
	if result.Failed == 0 {
		return f.Success(result, text)
	}
	msg := fmt.Sprintf("%d of %d entities failed: %s", result.Failed, len(batches), strings.Join(failed, ", "))
	if err := f.Fail(ErrCodeRun, msg, result, text); err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}

// formatBatches renders one line per batch.
func formatBatches(batches []record.LoadBatch) string {
	if len(batches) == 0 {
		return "No entities run."
	}
	var b strings.Builder
	for i, batch := range batches {
		if i > 0 {
			b.WriteByte('\n')
		}
		mark := "\u2713"
		if !batch.Succeeded() {
			mark = "\u2717"
		}
		fmt.Fprintf(&b, "%s %-16s new=%d modified=%d deleted=%d unchanged=%d errors=%d orphans=%d",
			mark, batch.EntityType,
			batch.Changes.New, batch.Changes.Modified, batch.Changes.Deleted, batch.Changes.Unchanged,
			batch.ErrorCount, batch.OrphanCount)
		if batch.FullResync {
			b.WriteString(" full_resync")
		}
		if !batch.Succeeded() {
			fmt.Fprintf(&b, "\n  failed at %s: %s", batch.FailedStage, batch.Error)
		}
	}
	return b.String()
}
