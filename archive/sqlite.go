package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS macro_snapshots (
	session_id TEXT    NOT NULL,
	version    INTEGER NOT NULL,
	text       TEXT    NOT NULL,
	statements INTEGER NOT NULL,
	saved_at   TEXT    NOT NULL,
	PRIMARY KEY (session_id, version)
);
CREATE INDEX IF NOT EXISTS idx_macro_snapshots_saved ON macro_snapshots (session_id, saved_at);
`

// SQLiteStore keeps snapshots in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) a SQLite store.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO macro_snapshots (session_id, version, text, statements, saved_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, version) DO UPDATE SET
		   text = excluded.text, statements = excluded.statements, saved_at = excluded.saved_at`,
		snap.SessionID,
		int64(snap.Version),
		snap.Text,
		snap.Statements,
		snap.SavedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("archive: save: %w", err)
	}
	return nil
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, sessionID string) (Snapshot, error) {
	snaps, err := s.List(ctx, sessionID, 1)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return snaps[0], nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, sessionID string, limit int) ([]Snapshot, error) {
	query := `SELECT session_id, version, text, statements, saved_at
	           FROM macro_snapshots WHERE session_id = ? ORDER BY saved_at DESC, version DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			version int64
			savedAt string
		)
		if err := rows.Scan(&snap.SessionID, &version, &snap.Text, &snap.Statements, &savedAt); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		snap.Version = uint64(version)
		if snap.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
			return nil, fmt.Errorf("archive: parse saved_at: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Sessions implements Store.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM macro_snapshots ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("archive: sessions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
