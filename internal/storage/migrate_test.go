package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "raw.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, q string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(q).Scan(&n); err != nil {
		t.Fatalf("%s: %v", q, err)
	}
	return n
}

func TestApplyMigrationsOnce(t *testing.T) {
	t.Parallel()
	db := openRawDB(t)
	fsys := fstest.MapFS{
		"m/001_items.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE items;")},
		"m/002_more.sql":  &fstest.MapFile{Data: []byte("CREATE TABLE more(id INTEGER);")},
		"m/README.md":     &fstest.MapFile{Data: []byte("ignored")},
	}
	ctx := context.Background()

	applied, err := ApplyMigrations(ctx, db, fsys, "m")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) != 2 || applied[0] != "001_items.sql" {
		t.Fatalf("applied = %v", applied)
	}
	applied, err = ApplyMigrations(ctx, db, fsys, "m")
	if err != nil || len(applied) != 0 {
		t.Fatalf("second apply = %v, %v", applied, err)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM schema_migrations"); n != 2 {
		t.Fatalf("schema_migrations rows = %d", n)
	}
	// The Down section must not have run.
	if n := countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'items'"); n != 1 {
		t.Fatal("items table missing")
	}
}

func TestApplyMigrationsFailureNotRecorded(t *testing.T) {
	t.Parallel()
	db := openRawDB(t)
	bad := fstest.MapFS{"001_bad.sql": &fstest.MapFile{Data: []byte("CREAT TABLE nope(id INT);")}}
	if _, err := ApplyMigrations(context.Background(), db, bad, ""); err == nil {
		t.Fatal("expected bad migration to fail")
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM schema_migrations"); n != 0 {
		t.Fatalf("failed migration recorded: %d rows", n)
	}
}

func TestEmbeddedMigrationsApply(t *testing.T) {
	t.Parallel()
	cfg := Config{Path: filepath.Join(t.TempDir(), "m.db")}
	applied, err := Migrate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("expected embedded migrations to apply on a fresh database")
	}
	again, err := Migrate(context.Background(), cfg)
	if err != nil || len(again) != 0 {
		t.Fatalf("second migrate = %v, %v", again, err)
	}
}
