package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if _, err := store.Latest(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Latest on empty store error = %v, want ErrNotFound", err)
	}

	snaps := []Snapshot{
		{SessionID: "s1", Version: 1, Text: "ui.f(x=0)\n", Statements: 1, SavedAt: base},
		{SessionID: "s1", Version: 3, Text: "ui.f(x=0)\nui.g(y=1)\n", Statements: 2, SavedAt: base.Add(time.Minute)},
		{SessionID: "s2", Version: 1, Text: "ui.h()\n", Statements: 1, SavedAt: base},
	}
	for _, snap := range snaps {
		if err := store.Save(ctx, snap); err != nil {
			t.Fatalf("Save(%s v%d) error = %v", snap.SessionID, snap.Version, err)
		}
	}

	latest, err := store.Latest(ctx, "s1")
	if err != nil {
		t.Fatalf("Latest error = %v", err)
	}
	if diff := cmp.Diff(snaps[1], latest); diff != "" {
		t.Errorf("Latest mismatch (-want +got):\n%s", diff)
	}

	// Re-saving a version overwrites it.
	updated := snaps[1]
	updated.Text = "ui.g(y=1)\n"
	updated.Statements = 1
	if err := store.Save(ctx, updated); err != nil {
		t.Fatalf("Save(update) error = %v", err)
	}
	list, err := store.List(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("List error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List len = %d, want 2", len(list))
	}
	if list[0].Text != "ui.g(y=1)\n" || list[1].Version != 1 {
		t.Errorf("List = %+v, want updated v3 then v1", list)
	}

	limited, err := store.List(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("List(limit) error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("List(limit=1) len = %d, want 1", len(limited))
	}

	ids, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions error = %v", err)
	}
	if diff := cmp.Diff([]string{"s1", "s2"}, ids); diff != "" {
		t.Errorf("Sessions mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("OpenSQLite error = %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestOpenPicksBackend(t *testing.T) {
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "a.db"))
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	defer store.Close()
	if _, ok := store.(*SQLiteStore); !ok {
		t.Errorf("Open(path) = %T, want *SQLiteStore", store)
	}
	for dsn, want := range map[string]bool{
		"postgres://localhost/db":   true,
		"postgresql://localhost/db": true,
		"file:macro.db":             false,
		"/tmp/macro.db":             false,
	} {
		if got := isPostgres(dsn); got != want {
			t.Errorf("isPostgres(%q) = %v, want %v", dsn, got, want)
		}
	}
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("PETALMACRO_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("PETALMACRO_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	store, err := OpenPostgres(ctx, url)
	if err != nil {
		t.Fatalf("OpenPostgres error = %v", err)
	}
	defer store.Close()
	if _, err := store.pool.Exec(ctx, `DELETE FROM macro_snapshots WHERE session_id IN ('s1', 's2')`); err != nil {
		t.Fatalf("cleanup error = %v", err)
	}
	exerciseStore(t, store)
}
