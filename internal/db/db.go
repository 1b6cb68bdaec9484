// Package db provides the local SQLite store for syncable entities, the outbound
// queue and the conflict log.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "caresync.db"

// DB wraps the sql.DB with caresync-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens a SQLite database in dataDir and applies pending migrations.
// The database is opened with:
// - WAL mode so readers never block the single writer
// - a busy timeout instead of immediate SQLITE_BUSY
// - Foreign key constraints enabled
func Open(ctx context.Context, dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenFile(ctx, filepath.Join(dataDir, FileName))
}

// OpenFile opens the database at path and applies pending migrations.
func OpenFile(ctx context.Context, path string) (*DB, error) {
	db, err := openFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrator().Up(ctx); err != nil {
		db.DB.Close()
		return nil, err
	}
	return db, nil
}

// OpenUnmigrated opens the database in dataDir without touching its schema,
// for inspecting or rolling back migrations.
func OpenUnmigrated(ctx context.Context, dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return openFile(ctx, filepath.Join(dataDir, FileName))
}

func openFile(ctx context.Context, path string) (*DB, error) {
	// modernc.org/sqlite is pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite has a single writer, and every transaction
	// must see the previous one's commits.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &DB{sqlDB}, nil
}

// Migrator returns a migrator over the embedded schema migrations.
func (db *DB) Migrator() *Migrator {
	return NewMigrator(db.DB, Migrations)
}

// Close checkpoints the WAL and closes the database connection.
func (db *DB) Close() error {
	_, _ = db.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return db.DB.Close()
}
