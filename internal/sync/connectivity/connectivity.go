// Package connectivity answers "can we reach the server right now".
// Answers are point-in-time; callers check before every operation.
package connectivity

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// Oracle reports reachability of the remote authority.
type Oracle interface {
	IsOnline(ctx context.Context) bool
}

// Static is a manually toggled oracle, used when the host platform pushes
// network state changes to us and in tests.
type Static struct {
	online atomic.Bool
}

// NewStatic creates an oracle with the given initial state.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// IsOnline returns the last value set.
func (s *Static) IsOnline(context.Context) bool {
	return s.online.Load()
}

// SetOnline updates the state.
func (s *Static) SetOnline(online bool) {
	s.online.Store(online)
}

// HTTPProbe considers the server reachable when a GET on its health URL
// returns any HTTP response. The result is never cached.
type HTTPProbe struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProbe creates a probe with a short timeout.
func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{URL: url, Client: http.DefaultClient, Timeout: 3 * time.Second}
}

// IsOnline performs one request.
func (p *HTTPProbe) IsOnline(ctx context.Context) bool {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context) bool

// IsOnline calls f.
func (f Func) IsOnline(ctx context.Context) bool { return f(ctx) }
