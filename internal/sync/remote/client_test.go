package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/caresync/internal/sync/remote"
	"github.com/kimhsiao/caresync/internal/sync/remote/remotetest"
	"github.com/kimhsiao/caresync/internal/sync/retry"
)

func newClient(t *testing.T) (*remote.Client, *remotetest.Server) {
	t.Helper()
	srv := remotetest.New()
	url := srv.Start()
	t.Cleanup(srv.Close)
	return remote.NewClient(remote.Config{BaseURL: url}), srv
}

func TestClient_CreateGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)

	rec, err := c.Create(ctx, "invoices", "local-1", "patient-1", json.RawMessage(`{"number":"INV-1"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "patient-1", rec.ScopeID)
	assert.Equal(t, "local-1", rec.LocalID)

	got, err := c.Get(ctx, "invoices", rec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"number":"INV-1"}`, string(got.Fields))
	assert.Equal(t, "local-1", got.LocalID)

	updated, err := c.Update(ctx, "invoices", rec.ID, 1, json.RawMessage(`{"number":"INV-1","status":"paid"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	require.NoError(t, c.Delete(ctx, "invoices", rec.ID, 2))
	assert.Equal(t, 0, srv.Count("invoices"))

	_, err = c.Get(ctx, "invoices", rec.ID)
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestClient_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)

	first, err := c.Create(ctx, "payments", "local-7", "p", json.RawMessage(`{}`))
	require.NoError(t, err)
	second, err := c.Create(ctx, "payments", "local-7", "p", json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, srv.Count("payments"))
	assert.Equal(t, 2, srv.Requests(http.MethodPost, "payments"))
}

func TestClient_VersionConflict(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)

	rec := srv.Seed("invoices", remote.Record{ScopeID: "p", Fields: json.RawMessage(`{}`), Version: 3})

	_, err := c.Update(ctx, "invoices", rec.ID, 2, json.RawMessage(`{"x":1}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrConflict)
	assert.False(t, retry.IsRetryable(err))

	err = c.Delete(ctx, "invoices", rec.ID, 1)
	assert.ErrorIs(t, err, remote.ErrConflict)
}

func TestClient_List(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)
	srv.Seed("discharge-plans", remote.Record{ScopeID: "p-1"})
	srv.Seed("discharge-plans", remote.Record{ScopeID: "p-1"})
	srv.Seed("discharge-plans", remote.Record{ScopeID: "p-2"})

	items, err := c.List(ctx, "discharge-plans", "p-1")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	all, err := c.List(ctx, "discharge-plans", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestClient_Reference(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)
	srv.SetReference("insurers", json.RawMessage(`["acme","globex"]`))

	doc, err := c.Reference(ctx, "insurers")
	require.NoError(t, err)
	assert.JSONEq(t, `["acme","globex"]`, string(doc))

	_, err = c.Reference(ctx, "unknown")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestClient_ErrorClassification(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)

	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusUnprocessableEntity, false},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
	}
	for _, tt := range tests {
		srv.FailNext(1, tt.status)
		_, err := c.List(ctx, "invoices", "")
		var httpErr *remote.HTTPError
		require.True(t, errors.As(err, &httpErr), "status %d", tt.status)
		assert.Equal(t, tt.status, httpErr.StatusCode)
		assert.Equal(t, tt.retryable, retry.IsRetryable(err), "status %d", tt.status)
	}
}

func TestClient_HealthAndTransportErrors(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)
	require.NoError(t, c.Health(ctx))

	srv.SetDown(true)
	assert.Error(t, c.Health(ctx))
	srv.SetDown(false)

	srv.Close()
	err := c.Health(ctx)
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
}
