package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalmacro/archive"
	"github.com/petal-labs/petalmacro/bus"
)

// openEventStore opens the SQLite event store at dsn. Plain paths must
// already exist unless create is set, so a typo is not silently turned
// into an empty database.
func openEventStore(dsn string, create bool) (*bus.SQLiteEventStore, error) {
	dsn = strings.TrimSpace(os.ExpandEnv(dsn))
	if dsn == "" {
		return nil, exitError(exitInputParse, "--store is required")
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = filepath.Clean(dsn)
		if !create {
			if _, err := os.Stat(dsn); errors.Is(err, os.ErrNotExist) {
				return nil, exitError(exitFileNotFound, "event store not found: %s", dsn)
			}
		}
	}
	es, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return nil, exitError(exitStore, "opening event store: %v", err)
	}
	return es, nil
}

// openArchive opens the snapshot archive named by --archive, falling back
// to autosave.store from the config. It returns nil when neither is set.
func openArchive(ctx context.Context, cmd *cobra.Command) (archive.Store, error) {
	dsn, _ := cmd.Flags().GetString("archive")
	if dsn == "" {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return nil, err
		}
		dsn = cfg.Autosave.Store
	}
	dsn = strings.TrimSpace(os.ExpandEnv(dsn))
	if dsn == "" {
		return nil, nil
	}
	st, err := archive.Open(ctx, dsn)
	if err != nil {
		return nil, exitError(exitStore, "opening archive: %v", err)
	}
	return st, nil
}
