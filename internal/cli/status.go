package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	DBPath string
	Entity string
	Limit  int
}

// EntityStatus is the stored state of one entity.
type EntityStatus struct {
	Entity   string                `json:"entity"`
	Snapshot *store.SnapshotInfo   `json:"snapshot,omitempty"`
	Staging  map[record.Status]int `json:"staging"`
	Batches  []record.LoadBatch    `json:"batches"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <config>",
		Short: "Show recent runs and stored state per entity",
		Long: `Show, for each configured entity, its most recent load batches, the
snapshot the next run will compare against and staging rows by status.

Examples:
  crmsync status pipeline.yaml
  crmsync status pipeline.yaml --entity contacts --limit 10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite database path (default: from config)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "show a single entity")
	cmd.Flags().IntVar(&opts.Limit, "limit", 3, "batches to show per entity")

	return cmd
}

func runStatus(ctx context.Context, opts *StatusOptions, configPath string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := loadConfig(f, configPath)
	if err != nil {
		return err
	}
	names := cfg.Names()
	if opts.Entity != "" {
		if _, ok := cfg.Entity(opts.Entity); !ok {
			msg := fmt.Sprintf("unknown entity %q", opts.Entity)
			_ = f.Error(ErrCodeNotFound, msg, nil)
			return NewExitError(ExitCommandError, msg)
		}
		names = []string{opts.Entity}
	}

	st, err := openStore(f, databasePath(cfg, opts.DBPath), true)
	if err != nil {
		return err
	}
	defer st.Close()

	statuses, err := collectStatus(ctx, st, names, opts.Limit)
	if err != nil {
		_ = f.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read status", err)
	}
	return f.Success(statuses, formatStatus(statuses))
}

func collectStatus(ctx context.Context, st *store.Store, names []string, limit int) ([]EntityStatus, error) {
	snapshots, err := st.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	byEntity := make(map[string]store.SnapshotInfo, len(snapshots))
	for _, s := range snapshots {
		byEntity[s.EntityType] = s
	}

	out := make([]EntityStatus, 0, len(names))
	for _, name := range names {
		es := EntityStatus{Entity: name}
		if info, ok := byEntity[name]; ok {
			es.Snapshot = &info
		}
		if es.Staging, err = st.Staging(name).CountByStatus(ctx); err != nil {
			return nil, err
		}
		if es.Batches, err = st.ReadLoadBatches(ctx, name, limit); err != nil {
			return nil, err
		}
		out = append(out, es)
	}
	return out, nil
}

func formatStatus(statuses []EntityStatus) string {
	var b strings.Builder
	for i, es := range statuses {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(es.Entity)
		if es.Snapshot != nil {
			fmt.Fprintf(&b, "\n  snapshot: %d rows, schema %s, saved %s",
				es.Snapshot.EntryCount, es.Snapshot.SchemaVersion, es.Snapshot.SavedAt.Format("2006-01-02 15:04:05Z07:00"))
		} else {
			b.WriteString("\n  snapshot: none (next run is a full resync)")
		}
		fmt.Fprintf(&b, "\n  staging: pending=%d processed=%d error=%d deleted=%d",
			es.Staging[record.StatusPending], es.Staging[record.StatusProcessed],
			es.Staging[record.StatusError], es.Staging[record.StatusDeleted])
		if len(es.Batches) == 0 {
			b.WriteString("\n  no runs")
			continue
		}
		for _, batch := range es.Batches {
			fmt.Fprintf(&b, "\n  %s %s %s", batch.StartedAt.Format("2006-01-02 15:04:05"), batch.RunID, batch.State)
			if !batch.Succeeded() {
				fmt.Fprintf(&b, " at %s", batch.FailedStage)
			}
		}
	}
	return b.String()
}
