package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/petalmacro/runtime"

	_ "modernc.org/sqlite"
)

// The (session_id, seq) key is also the storage order, so List is a range
// scan.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_events (
	session_id TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	node       TEXT    NOT NULL DEFAULT '',
	method     TEXT    NOT NULL DEFAULT '',
	at         TEXT    NOT NULL,
	elapsed_ns INTEGER NOT NULL DEFAULT 0,
	payload    TEXT,
	trace_id   TEXT    NOT NULL DEFAULT '',
	span_id    TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, seq)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS session_events_at ON session_events (at);
`

const eventColumns = `session_id, seq, kind, node, method, at, elapsed_ns, payload, trace_id, span_id`

// timeLayout is fixed width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is a file path or a "file:" URI.
	DSN string

	// RetentionAge deletes events older than this (0 keeps all).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per session (0 keeps all).
	RetentionCount int

	// PruneInterval is how often retention runs (default 1 hour).
	PruneInterval time.Duration

	// Logger reports failed background prunes (default: slog.Default).
	Logger *slog.Logger
}

// SQLiteEventStore is an EventStore backed by SQLite in WAL mode. Several
// processes may share one file: recorders append while a server reads.
type SQLiteEventStore struct {
	db     *sql.DB
	cfg    SQLiteStoreConfig
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSQLiteEventStore opens or creates the store at cfg.DSN and starts the
// pruner when a retention limit is set.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: init: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteEventStore{db: db, cfg: cfg, cancel: cancel}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		s.wg.Add(1)
		go s.pruneLoop(ctx)
	}
	return s, nil
}

func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	var payload sql.NullString
	if len(event.Payload) > 0 {
		b, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("sqlitestore: marshal payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, seq) DO NOTHING`,
		event.SessionID, event.Seq, string(event.Kind), event.Node, event.Method,
		event.Time.UTC().Format(timeLayout), int64(event.Elapsed), payload,
		event.TraceID, event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sqlitestore: %s seq %d: %w", event.SessionID, event.Seq, ErrDuplicateSeq)
	}
	return nil
}

func (s *SQLiteEventStore) List(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM session_events
		 WHERE session_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	var events []runtime.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteEventStore) LatestSeq(ctx context.Context, sessionID string) (uint64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	return uint64(max(seq, 0)), nil // #nosec G115 -- clamped above
}

func (s *SQLiteEventStore) SessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM session_events ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: session ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Summaries implements Summarizer with one grouped query.
func (s *SQLiteEventStore) Summaries(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*), MAX(seq), MIN(at), MAX(at),
		        SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END)
		   FROM session_events GROUP BY session_id ORDER BY session_id`,
		string(runtime.EventSessionClosed))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: summaries: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum         SessionSummary
			first, last string
			closed      int
		)
		if err := rows.Scan(&sum.SessionID, &sum.Events, &sum.LatestSeq, &first, &last, &closed); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan summary: %w", err)
		}
		if sum.FirstTime, err = parseTime(first); err != nil {
			return nil, err
		}
		if sum.LastTime, err = parseTime(last); err != nil {
			return nil, err
		}
		sum.Closed = closed > 0
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Close stops the pruner and closes the database. Later calls return nil.
func (s *SQLiteEventStore) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Prune applies the retention limits once.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().UTC().Add(-s.cfg.RetentionAge).Format(timeLayout)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM session_events WHERE at < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}
	if s.cfg.RetentionCount > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM session_events WHERE (session_id, seq) IN (
			   SELECT session_id, seq FROM (
			     SELECT session_id, seq,
			            ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY seq DESC) AS rn
			       FROM session_events)
			    WHERE rn > ?)`, s.cfg.RetentionCount,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by count: %w", err)
		}
	}
	return nil
}

func (s *SQLiteEventStore) pruneLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.cfg.Logger.Warn("event store prune failed", "error", err)
			}
		}
	}
}

func scanEvent(rows *sql.Rows) (runtime.Event, error) {
	var (
		e       runtime.Event
		kind    string
		at      string
		elapsed int64
		payload sql.NullString
	)
	if err := rows.Scan(&e.SessionID, &e.Seq, &kind, &e.Node, &e.Method,
		&at, &elapsed, &payload, &e.TraceID, &e.SpanID); err != nil {
		return e, fmt.Errorf("sqlitestore: scan event: %w", err)
	}
	e.Kind = runtime.EventKind(kind)
	e.Elapsed = time.Duration(elapsed)

	var err error
	if e.Time, err = parseTime(at); err != nil {
		return e, err
	}
	e.Payload = map[string]any{}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
			return e, fmt.Errorf("sqlitestore: %s seq %d payload: %w", e.SessionID, e.Seq, err)
		}
	}
	return e, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return t, fmt.Errorf("sqlitestore: parse time %q: %w", s, err)
	}
	return t, nil
}

// Compile-time interface checks.
var (
	_ EventStore = (*SQLiteEventStore)(nil)
	_ Summarizer = (*SQLiteEventStore)(nil)
)
