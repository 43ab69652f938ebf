package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

// ResyncOptions holds flags for the resync command.
type ResyncOptions struct {
	*RootOptions
	DBPath string
	All    bool
}

// ResyncResult reports which snapshots were dropped.
type ResyncResult struct {
	Dropped []string `json:"dropped"`
	Missing []string `json:"missing,omitempty"`
}

// NewResyncCommand creates the resync command.
func NewResyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resync <config> [entity...]",
		Short: "Force a full resync of entities on their next run",
		Long: `Drop the stored snapshot of the named entities, so their next run treats
every source row as new. Staging and production rows are kept; rows whose
content did not change are promoted as no-ops.

Examples:
  crmsync resync pipeline.yaml contacts
  crmsync resync pipeline.yaml --all`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResync(cmd.Context(), opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite database path (default: from config)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "resync every configured entity")

	return cmd
}

func runResync(ctx context.Context, opts *ResyncOptions, configPath string, entities []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	if opts.All == (len(entities) > 0) {
		msg := "name entities to resync or pass --all, not both"
		_ = f.Error(ErrCodeGeneric, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	cfg, err := loadConfig(f, configPath)
	if err != nil {
		return err
	}
	if opts.All {
		entities = cfg.Names()
	}
	for _, name := range entities {
		if _, ok := cfg.Entity(name); !ok {
			msg := fmt.Sprintf("unknown entity %q", name)
			_ = f.Error(ErrCodeNotFound, msg, nil)
			return NewExitError(ExitCommandError, msg)
		}
	}

	st, err := openStore(f, databasePath(cfg, opts.DBPath), true)
	if err != nil {
		return err
	}
	defer st.Close()

	result := ResyncResult{Dropped: []string{}}
	for _, name := range entities {
		dropped, err := st.DropSnapshot(ctx, name)
		if err != nil {
			_ = f.Error(ErrCodeDatabase, err.Error(), nil)
			return WrapExitError(ExitCommandError, "drop snapshot", err)
		}
		if dropped {
			slog.Info("snapshot dropped", "entity", name)
			result.Dropped = append(result.Dropped, name)
		} else {
			result.Missing = append(result.Missing, name)
		}
	}

	var text strings.Builder
	for _, name := range result.Dropped {
		fmt.Fprintf(&text, "%s: snapshot dropped, next run is a full resync\n", name)
	}
	for _, name := range result.Missing {
		fmt.Fprintf(&text, "%s: no snapshot stored\n", name)
	}
	return f.Success(result, strings.TrimRight(text.String(), "\n"))
}
