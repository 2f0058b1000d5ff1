package storage

import (
	"database/sql"
	"os"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateFresh(t *testing.T) {
	db := setupTestDB(t)

	runner := NewMigrationRunner(db)
	if err := runner.Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	for _, table := range []string{"devices", "artifacts", "schema_migrations"} {
		if !tableExists(t, db, table) {
			t.Errorf("%s table not created", table)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := setupTestDB(t)

	runner := NewMigrationRunner(db)
	if err := runner.Migrate(); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := runner.Migrate(); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("query migrations failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 recorded migration, got %d", count)
	}
}

func TestMigrateChecksumMismatch(t *testing.T) {
	db := setupTestDB(t)

	runner := NewMigrationRunner(db)
	if err := runner.Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	if _, err := db.Exec("UPDATE schema_migrations SET checksum = 'tampered'"); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	if err := runner.Migrate(); err == nil {
		t.Error("expected checksum mismatch error")
	}
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "snapsentinel-*.db")
	if err != nil {
		t.Fatalf("create temp db failed: %v", err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatalf("close temp db file failed: %v", err)
	}

	db, err := sql.Open("sqlite", tmpfile.Name())
	if err != nil {
		t.Fatalf("open db failed: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(tmpfile.Name())
	})

	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()

	var found string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", name,
	).Scan(&found)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		t.Fatalf("query sqlite_master failed: %v", err)
	}
	return true
}
