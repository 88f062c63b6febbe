package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS macro_snapshots (
	session_id TEXT        NOT NULL,
	version    BIGINT      NOT NULL,
	text       TEXT        NOT NULL,
	statements INTEGER     NOT NULL,
	saved_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, version)
);
CREATE INDEX IF NOT EXISTS idx_macro_snapshots_saved ON macro_snapshots (session_id, saved_at);
`

// PostgresStore keeps snapshots in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to databaseURL and creates the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("archive: connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, snap Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO macro_snapshots (session_id, version, text, statements, saved_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, version) DO UPDATE SET
		   text = EXCLUDED.text, statements = EXCLUDED.statements, saved_at = EXCLUDED.saved_at`,
		snap.SessionID, int64(snap.Version), snap.Text, snap.Statements, snap.SavedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("archive: save: %w", err)
	}
	return nil
}

// Latest implements Store.
func (s *PostgresStore) Latest(ctx context.Context, sessionID string) (Snapshot, error) {
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
func (s *PostgresStore) List(ctx context.Context, sessionID string, limit int) ([]Snapshot, error) {
	query := `SELECT session_id, version, text, statements, saved_at
	          FROM macro_snapshots WHERE session_id = $1 ORDER BY saved_at DESC, version DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	snaps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Snapshot, error) {
		var (
			snap    Snapshot
			version int64
		)
		err := row.Scan(&snap.SessionID, &version, &snap.Text, &snap.Statements, &snap.SavedAt)
		snap.Version = uint64(version)
		return snap, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	return snaps, nil
}

// Sessions implements Store.
func (s *PostgresStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT session_id FROM macro_snapshots ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("archive: sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("archive: sessions: %w", err)
	}
	return ids, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
