package storage

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is a single versioned schema change.
type Migration struct {
	Version  string
	Filename string
	Content  string
	Checksum string
}

// MigrationRunner applies embedded schema migrations to a sqlite database.
type MigrationRunner struct {
	db *sql.DB
}

func NewMigrationRunner(db *sql.DB) *MigrationRunner {
	return &MigrationRunner{db: db}
}

// Migrate applies all pending migrations in version order. Already-applied
// versions are skipped after a checksum match; a checksum mismatch means the
// migration file changed after being applied and is treated as fatal.
func (mr *MigrationRunner) Migrate() error {
	// WAL keeps concurrent readers (broadcast snapshots, artifact queries)
	// from blocking registry writes.
	if _, err := mr.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := mr.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	for _, m := range migrations {
		if err := mr.apply(m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Version, err)
		}
	}

	return nil
}

func loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		sum := sha256.Sum256(content)
		migrations = append(migrations, Migration{
			Version:  strings.SplitN(entry.Name(), "_", 2)[0],
			Filename: entry.Name(),
			Content:  string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func (mr *MigrationRunner) apply(m Migration) error {
	var existing string
	err := mr.db.QueryRow(
		"SELECT checksum FROM schema_migrations WHERE version = ?",
		m.Version,
	).Scan(&existing)

	if err == nil {
		if existing != m.Checksum {
			return fmt.Errorf("checksum mismatch: recorded %s, file %s", existing, m.Checksum)
		}
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check migration status: %w", err)
	}

	if _, err := mr.db.Exec(m.Content); err != nil {
		return fmt.Errorf("execute migration SQL: %w", err)
	}

	if _, err := mr.db.Exec(
		"INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)",
		m.Version, m.Checksum,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return nil
}
