package db

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/caresync/internal/errors"
)

func rawDB(t *testing.T) *sql.DB {
	t.Helper()
	d, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	d.SetMaxOpenConns(1)
	t.Cleanup(func() { d.Close() })
	return d
}

// TestMigrator_Up verifies ordered application and bookkeeping.
func TestMigrator_Up(t *testing.T) {
	ctx := context.Background()
	d := rawDB(t)
	dir := fstest.MapFS{
		"V2__add_notes.up.sql": {Data: []byte("ALTER TABLE things ADD COLUMN notes TEXT;")},
		"V1__things.up.sql":    {Data: []byte("CREATE TABLE things (id INTEGER PRIMARY KEY);")},
		"V1__things.down.sql":  {Data: []byte("DROP TABLE things;")},
		"README.md":            {Data: []byte("ignored")},
	}

	m := NewMigrator(d, dir)
	require.NoError(t, m.Up(ctx))

	v, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	applied, err := m.GetAppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "things", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)

	// idempotent
	require.NoError(t, m.Up(ctx))
}

// TestMigrator_checksumDrift verifies edited migrations are rejected.
func TestMigrator_checksumDrift(t *testing.T) {
	ctx := context.Background()
	d := rawDB(t)
	dir := fstest.MapFS{
		"V1__things.up.sql": {Data: []byte("CREATE TABLE things (id INTEGER PRIMARY KEY);")},
	}
	require.NoError(t, NewMigrator(d, dir).Up(ctx))

	dir["V1__things.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE things (id TEXT PRIMARY KEY);")}
	err := NewMigrator(d, dir).Up(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrMigration))
}

// TestMigrator_Down verifies rollback of the latest version.
func TestMigrator_Down(t *testing.T) {
	ctx := context.Background()
	d := rawDB(t)
	m := NewMigrator(d, Migrations)
	require.NoError(t, m.Up(ctx))

	require.NoError(t, m.Down(ctx))
	v, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	var n int
	require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = 'entities'").Scan(&n))
	assert.Zero(t, n)

	assert.Error(t, m.Down(ctx), "nothing left to roll back")
}
