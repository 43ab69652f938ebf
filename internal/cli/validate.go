package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                     `json:"valid"`
	Entities []string                 `json:"entities,omitempty"`
	Levels   [][]string               `json:"levels,omitempty"`
	Errors   []config.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a pipeline config without running it",
		Long: `Load a CUE or YAML pipeline config and report every problem found.

Checks syntax, the CUE schema, entity names, key and tracked columns,
references, derive rules and the dependency graph. Prints the run order
when the config is valid.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := config.Load(path)
	if err != nil {
		var le *config.LoadError
		if errors.As(err, &le) {
			_ = f.Error(le.Code, le.Error(), nil)
			return NewExitError(ExitCommandError, le.Error())
		}
		var ve config.ValidationErrors
		if errors.As(err, &ve) {
			return outputValidationErrors(f, ve)
		}
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load config", err)
	}

	levels, err := cfg.Levels()
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "dependency order", err)
	}

	result := ValidationResult{Valid: true, Entities: cfg.Names(), Levels: levels}
	var text strings.Builder
	fmt.Fprintf(&text, "\u2713 Config valid (%d entities)\n", len(result.Entities))
	for i, level := range levels {
		fmt.Fprintf(&text, "  level %d: %s\n", i, strings.Join(level, ", "))
	}
	return f.Success(result, strings.TrimRight(text.String(), "\n"))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(f *OutputFormatter, errs config.ValidationErrors) error {
	result := ValidationResult{Valid: false, Errors: errs}

	var text strings.Builder
	text.WriteString("\u2717 Validation failed\n")
	for _, e := range errs {
		fmt.Fprintf(&text, "\n  %s: %s: %s", e.Code, e.Field, e.Message)
	}
	msg := fmt.Sprintf("validation failed with %d error(s)", len(errs))
	if err := f.Fail(errs[0].Code, msg, result, text.String()); err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}
