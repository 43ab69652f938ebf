package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/crmsync/internal/config"
	"github.com/roach88/crmsync/internal/store"
)

// loadConfig loads and validates a pipeline config. Failures are written
// through f and returned as command errors.
func loadConfig(f *OutputFormatter, path string) (*config.Pipeline, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}

	var le *config.LoadError
	if errors.As(err, &le) {
		_ = f.Error(le.Code, le.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	var ve config.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		_ = f.Error(ve[0].Code, fmt.Sprintf("invalid configuration (%d problem(s))", len(ve)), []config.ValidationError(ve))
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	_ = f.Error(ErrCodeGeneric, err.Error(), nil)
	return nil, WrapExitError(ExitCommandError, "load config", err)
}

// databasePath returns override when set, otherwise the configured
// database resolved against the config directory.
func databasePath(cfg *config.Pipeline, override string) string {
	if override != "" {
		return override
	}
	if filepath.IsAbs(cfg.Database) {
		return cfg.Database
	}
	return filepath.Join(cfg.BaseDir, cfg.Database)
}

// openStore opens the run database. With mustExist the database is not
// created when missing.
func openStore(f *OutputFormatter, path string, mustExist bool) (*store.Store, error) {
	if mustExist {
		if _, err := os.Stat(path); err != nil {
			msg := fmt.Sprintf("database not found: %s", path)
			_ = f.Error(ErrCodeNotFound, msg, nil)
			return nil, NewExitError(ExitCommandError, msg)
		}
	}
	st, err := store.Open(path)
	if err != nil {
		_ = f.Error(ErrCodeDatabase, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}
	return st, nil
}
