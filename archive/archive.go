// Package archive persists rendered macro snapshots so a session's macro
// survives the process.
package archive

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a session has no saved snapshot.
var ErrNotFound = errors.New("archive: snapshot not found")

// Snapshot is one saved rendering of a session's macro.
type Snapshot struct {
	SessionID  string
	Version    uint64
	Text       string
	Statements int
	SavedAt    time.Time
}

// Store persists snapshots.
type Store interface {
	// Save stores snap. Saving the same session and version twice keeps
	// the newer text.
	Save(ctx context.Context, snap Snapshot) error

	// Latest returns the newest snapshot of a session.
	Latest(ctx context.Context, sessionID string) (Snapshot, error)

	// List returns a session's snapshots, newest first. limit <= 0 means
	// no limit.
	List(ctx context.Context, sessionID string, limit int) ([]Snapshot, error)

	// Sessions returns the IDs of sessions with snapshots.
	Sessions(ctx context.Context) ([]string, error)

	Close() error
}

// Open opens a store from a DSN: postgres:// and postgresql:// URLs open a
// PostgresStore, anything else is a SQLite path or DSN.
func Open(ctx context.Context, dsn string) (Store, error) {
	if isPostgres(dsn) {
		return OpenPostgres(ctx, dsn)
	}
	return OpenSQLite(dsn)
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
