package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/caresync/internal/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations is the migrations directory as an fs.FS rooted at the SQL files.
var Migrations fs.FS = mustSub(migrationFiles, "migrations")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// Migration represents a database schema migration.
type Migration struct {
	Version     int       `json:"version" yaml:"version"`
	AppliedAt   time.Time `json:"applied_at" yaml:"applied_at"`
	Description string    `json:"description" yaml:"description"`
	Checksum    string    `json:"checksum" yaml:"checksum"`
}

type migrationFile struct {
	version     int
	name        string
	description string
}

// Migrator handles database schema migrations read from an fs.FS of
// V{n}__{description}.up.sql / .down.sql files.
type Migrator struct {
	db  *sql.DB
	dir fs.FS
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB, dir fs.FS) *Migrator {
	return &Migrator{db: db, dir: dir}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// files lists migration files with the given suffix sorted by version.
func (m *Migrator) files(suffix string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.dir, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		// V1__sync_core.up.sql
		parts := strings.SplitN(strings.TrimSuffix(name, suffix), "__", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil {
			continue
		}
		files = append(files, migrationFile{version: version, name: name, description: parts[1]})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].version < files[j].version
	})
	return files, nil
}

// Up applies all pending migrations. An applied migration whose file has since
// changed is reported rather than silently skipped.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "initialize schema_migrations", err)
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read applied migrations", err)
	}
	appliedSums := make(map[int]string, len(applied))
	for _, mig := range applied {
		appliedSums[mig.Version] = mig.Checksum
	}

	files, err := m.files(".up.sql")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "list migrations", err)
	}

	for _, f := range files {
		content, err := fs.ReadFile(m.dir, f.name)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "read "+f.name, err)
		}
		sum := checksum(content)

		if prev, ok := appliedSums[f.version]; ok {
			if prev != sum {
				return apperrors.New(apperrors.ErrMigration,
					fmt.Sprintf("migration V%d was modified after being applied", f.version))
			}
			continue
		}

		if err := m.apply(ctx, f, content, sum); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("apply V%d", f.version), err)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, f migrationFile, content []byte, sum string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, f.version, time.Now().Unix(), f.description, sum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Down rolls back the last migration.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	files, err := m.files(".down.sql")
	if err != nil {
		return err
	}
	var name string
	for _, f := range files {
		if f.version == current {
			name = f.name
			break
		}
	}
	if name == "" {
		return fmt.Errorf("no rollback migration found for version %d", current)
	}

	content, err := fs.ReadFile(m.dir, path.Clean(name))
	if err != nil {
		return fmt.Errorf("failed to read rollback migration: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
