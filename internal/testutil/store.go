package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/caresync/internal/db"
)

// NewStore opens a migrated SQLite store in a temp dir, closed at test cleanup.
func NewStore(t *testing.T) *db.Repository {
	t.Helper()
	d, err := db.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(d.DB)
	t.Cleanup(func() {
		_ = repo.Close()
		_ = d.Close()
	})
	return repo
}
