package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestStatic verifies toggling.
func TestStatic(t *testing.T) {
	o := NewStatic(false)
	assert.False(t, o.IsOnline(context.Background()))
	o.SetOnline(true)
	assert.True(t, o.IsOnline(context.Background()))
}

// TestHTTPProbe verifies any response counts as reachable and every call probes.
func TestHTTPProbe(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	p := NewHTTPProbe(srv.URL + "/health")
	assert.True(t, p.IsOnline(context.Background()))
	assert.True(t, p.IsOnline(context.Background()))
	assert.EqualValues(t, 2, hits.Load(), "results must not be cached")

	srv.Close()
	assert.False(t, p.IsOnline(context.Background()))
}

// TestHTTPProbe_badURL verifies malformed URLs report offline.
func TestHTTPProbe_badURL(t *testing.T) {
	assert.False(t, NewHTTPProbe("://nope").IsOnline(context.Background()))
}
