// Package cache holds reference data (insurer lists, billing codes) fetched
// from the server, serving stale copies when the server cannot be reached.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/caresync/internal/clock"
	apperrors "github.com/kimhsiao/caresync/internal/errors"
	"github.com/kimhsiao/caresync/internal/logging"
	"github.com/kimhsiao/caresync/internal/metrics"
	"github.com/kimhsiao/caresync/internal/sync/connectivity"
)

// SchemaVersion is stamped on every entry. Entries written under another
// version are treated as missing.
const SchemaVersion = "1"

// ErrNotCached is returned when a kind has never been fetched and cannot be
// fetched now.
var ErrNotCached = apperrors.New(apperrors.ErrNotCached, "reference data not cached")

// Loader fetches one reference document. *remote.Client satisfies it.
type Loader interface {
	Reference(ctx context.Context, kind string) (json.RawMessage, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, kind string) (json.RawMessage, error)

// Reference calls f.
func (f LoaderFunc) Reference(ctx context.Context, kind string) (json.RawMessage, error) {
	return f(ctx, kind)
}

// Entry is one cached document.
type Entry struct {
	Kind      string          `json:"kind" yaml:"kind"`
	Data      json.RawMessage `json:"data" yaml:"-"`
	FetchedAt time.Time       `json:"fetched_at" yaml:"fetched_at"`
	// Stale is set on copies returned past their TTL.
	Stale bool `json:"stale" yaml:"stale"`

	version string
}

// Decode unmarshals the document into v.
func (e *Entry) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s reference data: %w", e.Kind, err)
	}
	return nil
}

// Config sizes the cache.
type Config struct {
	Size int
	TTL  time.Duration
}

// DefaultConfig returns 256 entries kept fresh for a day.
func DefaultConfig() Config {
	return Config{Size: 256, TTL: 24 * time.Hour}
}

// Cache is safe for concurrent use.
type Cache struct {
	lru    *lru.Cache[string, *Entry]
	loader Loader
	oracle connectivity.Oracle
	clock  clock.Clock
	ttl    time.Duration
	group  singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects the time source used for staleness.
func WithClock(c clock.Clock) Option {
	return func(rc *Cache) { rc.clock = c }
}

// New creates a cache. A nil oracle treats the server as always reachable.
func New(loader Loader, oracle connectivity.Oracle, cfg Config, opts ...Option) (*Cache, error) {
	def := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	l, err := lru.New[string, *Entry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("create reference cache: %w", err)
	}
	if oracle == nil {
		oracle = connectivity.NewStatic(true)
	}
	c := &Cache{lru: l, loader: loader, oracle: oracle, ttl: cfg.TTL}
	for _, opt := range opts {
		opt(c)
	}
	c.clock = clock.OrReal(c.clock)
	return c, nil
}

// Get returns the document for kind. A fresh entry is returned as is; an
// expired one is refreshed when the server is reachable and served stale
// otherwise, or when the refresh fails.
func (c *Cache) Get(ctx context.Context, kind string) (*Entry, error) {
	entry, ok := c.lookup(kind)
	if ok && !c.expired(entry) {
		metrics.CacheLookups.WithLabelValues(metrics.CacheHit).Inc()
		return copyEntry(entry, false), nil
	}

	if !c.oracle.IsOnline(ctx) {
		if ok {
			metrics.CacheLookups.WithLabelValues(metrics.CacheStale).Inc()
			return copyEntry(entry, true), nil
		}
		metrics.CacheLookups.WithLabelValues(metrics.CacheMiss).Inc()
		return nil, ErrNotCached
	}

	fresh, err := c.Refresh(ctx, kind)
	if err == nil {
		metrics.CacheLookups.WithLabelValues(metrics.CacheMiss).Inc()
		return fresh, nil
	}
	if ok {
		logging.Warn("Serving stale reference data", map[string]interface{}{
			"kind":       kind,
			"fetched_at": entry.FetchedAt.Unix(),
			"error":      err.Error(),
		})
		metrics.CacheLookups.WithLabelValues(metrics.CacheStale).Inc()
		return copyEntry(entry, true), nil
	}
	metrics.CacheLookups.WithLabelValues(metrics.CacheMiss).Inc()
	return nil, apperrors.Wrap(apperrors.ErrNotCached, fmt.Sprintf("reference data %q not cached", kind), err)
}

// Refresh fetches kind from the loader and replaces the cached entry.
// Concurrent refreshes of one kind share a single fetch.
func (c *Cache) Refresh(ctx context.Context, kind string) (*Entry, error) {
	v, err, _ := c.group.Do(kind, func() (interface{}, error) {
		data, err := c.loader.Reference(ctx, kind)
		if err != nil {
			return nil, err
		}
		entry := &Entry{Kind: kind, Data: data, FetchedAt: c.clock.Now(), version: SchemaVersion}
		c.lru.Add(kind, entry)
		logging.Debug("Reference data refreshed", map[string]interface{}{"kind": kind, "bytes": len(data)})
		return entry, nil
	})
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", kind, err)
	}
	return copyEntry(v.(*Entry), false), nil
}

// Invalidate drops one kind.
func (c *Cache) Invalidate(kind string) {
	c.lru.Remove(kind)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached kinds.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) lookup(kind string) (*Entry, bool) {
	entry, ok := c.lru.Get(kind)
	if !ok {
		return nil, false
	}
	if entry.version != SchemaVersion {
		c.lru.Remove(kind)
		return nil, false
	}
	return entry, true
}

func (c *Cache) expired(e *Entry) bool {
	return c.clock.Now().Sub(e.FetchedAt) >= c.ttl
}

func copyEntry(e *Entry, stale bool) *Entry {
	cp := *e
	cp.Stale = stale
	return &cp
}
