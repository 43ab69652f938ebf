package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/classify"
	"github.com/roach88/crmsync/internal/record"
)

// ClassifyOptions holds flags for the classify command.
type ClassifyOptions struct {
	*RootOptions
	Config      string
	Priority    string
	Association string
}

// ClassifyResult is one classification decision.
type ClassifyResult struct {
	Type         string          `json:"type"`
	Priority     *string         `json:"priority,omitempty"`
	Association  *string         `json:"association,omitempty"`
	Category     record.Category `json:"category"`
	TableVersion string          `json:"table_version"`
}

// NewClassifyCommand creates the classify command.
func NewClassifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClassifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "classify <type>",
		Short: "Show the category a record type is routed to",
		Long: `Classify a single record the way the pipeline would.

Uses the built-in type table, merged with the classification section of
--config when given. A record linked to an association with a high-urgency
priority becomes a task when its type is not in the table.

Examples:
  crmsync classify Phone
  crmsync classify check-in --priority high --association CASE-9
  crmsync classify Message --config pipeline.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "pipeline config whose classification table to use")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "record priority")
	cmd.Flags().StringVar(&opts.Association, "association", "", "associated case or deal id")

	return cmd
}

func runClassify(opts *ClassifyOptions, recordType string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	table := classify.DefaultTable()
	var highUrgency []string
	if opts.Config != "" {
		cfg, err := loadConfig(f, opts.Config)
		if err != nil {
			return err
		}
		table = cfg.Classification.Table()
		highUrgency = cfg.Classification.HighUrgency
	}

	c, err := classify.New(table, highUrgency)
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "classification table", err)
	}

	result := ClassifyResult{Type: recordType, TableVersion: c.TableVersion()}
	if cmd.Flags().Changed("priority") {
		result.Priority = &opts.Priority
	}
	if cmd.Flags().Changed("association") {
		result.Association = &opts.Association
	}
	result.Category = c.Classify(recordType, result.Priority, result.Association)

	return f.Success(result, fmt.Sprintf("%s -> %s (table %s)", recordType, result.Category, result.TableVersion))
}
