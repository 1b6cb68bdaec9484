// Package sync reconciles the local store with the remote authority.
//
// Push drains the durable queue through a retry controller and a per-endpoint
// circuit breaker, settling version conflicts with a pluggable resolver. Pull
// applies the server's collection for a scope without ever overwriting a
// record that has unpushed local edits.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/kimhsiao/caresync/internal/clock"
	"github.com/kimhsiao/caresync/internal/concurrency"
	"github.com/kimhsiao/caresync/internal/db"
	apperrors "github.com/kimhsiao/caresync/internal/errors"
	"github.com/kimhsiao/caresync/internal/logging"
	"github.com/kimhsiao/caresync/internal/metrics"
	"github.com/kimhsiao/caresync/internal/models"
	"github.com/kimhsiao/caresync/internal/sync/breaker"
	"github.com/kimhsiao/caresync/internal/sync/conflict"
	"github.com/kimhsiao/caresync/internal/sync/connectivity"
	"github.com/kimhsiao/caresync/internal/sync/queue"
	"github.com/kimhsiao/caresync/internal/sync/remote"
	"github.com/kimhsiao/caresync/internal/sync/retry"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// ErrNoConnectivity is returned by Pull, and reported by push, while the
// connectivity oracle reports the server unreachable.
var ErrNoConnectivity = apperrors.New(apperrors.ErrSyncOffline, "no connectivity")

// Config configures the engine.
type Config struct {
	BatchSize   int
	Concurrency int
	MaxAttempts int
	Retry       retry.Config
	Breaker     breaker.Config
}

// DefaultConfig returns batches of 50, four concurrent entities and five
// attempts before an item is dead-lettered.
func DefaultConfig() Config {
	return Config{
		BatchSize:   50,
		Concurrency: 4,
		MaxAttempts: queue.DefaultMaxAttempts,
		Retry:       retry.DefaultConfig(),
		Breaker:     breaker.DefaultConfig(),
	}
}

// Engine provides synchronization capabilities.
type Engine struct {
	store    db.Store
	queue    *queue.Queue
	api      remote.API
	oracle   connectivity.Oracle
	resolver conflict.Resolver
	retrier  *retry.Controller
	breakers *breaker.Registry
	locks    *concurrency.LockManager
	clock    clock.Clock
	cfg      Config

	retryOpts   []retry.Option
	breakerOpts []breaker.Option

	mu         stdsync.Mutex
	running    int
	status     SyncStatus
	lastSync   *time.Time
	lastErr    error
	lastResult *SyncResult
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver sets the conflict policy. The default is last-write-wins.
func WithResolver(r conflict.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithClock injects the time source for timestamps and breakers.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLocks shares the per-entity lock manager with mutation handlers.
func WithLocks(lm *concurrency.LockManager) Option {
	return func(e *Engine) { e.locks = lm }
}

// WithRetryOptions passes options to the retry controller.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(e *Engine) { e.retryOpts = append(e.retryOpts, opts...) }
}

// WithBreakerOptions passes options to every endpoint breaker.
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(e *Engine) { e.breakerOpts = append(e.breakerOpts, opts...) }
}

// NewEngine creates a new Engine.
func NewEngine(store db.Store, api remote.API, oracle connectivity.Oracle, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	e := &Engine{
		store:  store,
		api:    api,
		oracle: oracle,
		cfg:    cfg,
		status: SyncStatusIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.clock = clock.OrReal(e.clock)
	if e.resolver == nil {
		e.resolver = conflict.LastWriteWins{}
	}
	if e.locks == nil {
		e.locks = concurrency.NewLockManager()
	}

	e.queue = queue.New(store, queue.Config{MaxAttempts: cfg.MaxAttempts}, queue.WithClock(e.clock))

	retryOpts := append([]retry.Option{
		retry.WithRetryHook(func(label string, _ int, _ time.Duration, _ error) {
			metrics.RetryAttempts.WithLabelValues(label).Inc()
		}),
	}, e.retryOpts...)
	e.retrier = retry.NewController(cfg.Retry, retryOpts...)

	breakerOpts := append([]breaker.Option{
		breaker.WithClock(e.clock),
		breaker.WithFailurePredicate(retry.IsRetryable),
		breaker.WithStateChangeHook(func(name string, _, to breaker.State) {
			metrics.ObserveBreaker(name, to.String())
		}),
	}, e.breakerOpts...)
	e.breakers = breaker.NewRegistry(cfg.Breaker, breakerOpts...)

	return e
}

// Queue returns the engine's sync queue.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Locks returns the per-entity lock manager.
func (e *Engine) Locks() *concurrency.LockManager {
	return e.locks
}

// call runs one remote operation through the retry controller and the
// endpoint's breaker.
func (e *Engine) call(ctx context.Context, endpoint, label string, op func(ctx context.Context) error) error {
	b := e.breakers.Get(endpoint)
	return e.retrier.Execute(ctx, label, func(ctx context.Context) error {
		return b.Execute(func() error { return op(ctx) })
	})
}

// callOnce runs one remote operation through the endpoint's breaker only.
func (e *Engine) callOnce(ctx context.Context, endpoint string, op func(ctx context.Context) error) error {
	return e.breakers.Get(endpoint).Execute(func() error { return op(ctx) })
}

func (e *Engine) beginRun() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running++
	e.status = SyncStatusSyncing
}

func (e *Engine) endRun(result *SyncResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running--
	if result != nil {
		e.lastResult = result
	}
	switch {
	case err != nil:
		e.lastErr = err
	case result != nil && !result.Success && len(result.Errors) > 0:
		e.lastErr = fmt.Errorf("%s", result.Errors[0].Error)
	default:
		e.lastErr = nil
	}
	if result != nil && result.Success {
		end := result.EndTime
		e.lastSync = &end
	}
	if e.running > 0 {
		return
	}
	if e.lastErr != nil {
		e.status = SyncStatusFailed
	} else {
		e.status = SyncStatusIdle
	}
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSync returns the end time of the last fully successful push.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError returns the last sync error.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// LastResult returns the result of the most recent push.
func (e *Engine) LastResult() *SyncResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

// QueueForSync marks an existing entity unsynced and enqueues a mutation for
// it in one transaction. A delete also tombstones the entity.
func (e *Engine) QueueForSync(ctx context.Context, t models.EntityType, id models.UUID, action models.QueueAction, payload json.RawMessage) (*models.SyncQueueItem, error) {
	var item *models.SyncQueueItem
	err := e.locks.WithLock(id.String(), func() error {
		return e.store.WithTx(ctx, func(tx db.Store) error {
			ent, err := tx.GetEntity(ctx, id)
			if err != nil {
				return err
			}
			if ent.EntityType != t {
				return apperrors.New(apperrors.ErrInvalid,
					fmt.Sprintf("entity %s is a %s, not a %s", id, ent.EntityType, t))
			}
			ent.IsSynced = false
			switch {
			case action == models.ActionDelete:
				ent.IsDeleted = true
			case len(payload) > 0:
				ent.Fields = payload
			}
			ent.UpdatedAt = e.clock.Now().Unix()
			if err := tx.UpdateEntity(ctx, ent); err != nil {
				return err
			}
			item, err = e.queue.In(tx).Enqueue(ctx, t, id, action, payload)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// PendingSyncCount returns the number of items awaiting push.
func (e *Engine) PendingSyncCount(ctx context.Context) (int, error) {
	return e.queue.PendingCount(ctx)
}

// DeadLetters lists parked queue items.
func (e *Engine) DeadLetters(ctx context.Context) ([]*models.SyncQueueItem, error) {
	return e.queue.DeadLetters(ctx)
}

// Requeue returns a dead letter to the pending queue.
func (e *Engine) Requeue(ctx context.Context, id int64) error {
	return e.queue.Requeue(ctx, id)
}

// RequeueAll returns every dead letter to the pending queue.
func (e *Engine) RequeueAll(ctx context.Context) (int64, error) {
	return e.queue.RequeueAll(ctx)
}

// Purge abandons a dead letter and the local edit it carried.
func (e *Engine) Purge(ctx context.Context, id int64) error {
	item, err := e.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.locks.WithLock(item.EntityID.String(), func() error {
		return e.queue.Purge(ctx, id)
	})
}

// Conflicts returns recent conflict log entries, newest first.
func (e *Engine) Conflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	return e.store.ListConflictLogs(ctx, limit)
}

// Breakers returns the state of every endpoint breaker used so far.
func (e *Engine) Breakers() []breaker.Snapshot {
	return e.breakers.Snapshots()
}

// ResetBreakers closes every endpoint breaker.
func (e *Engine) ResetBreakers() {
	e.breakers.ResetAll()
}

// StatusReport is a point-in-time view for status banners and operators.
type StatusReport struct {
	Status      SyncStatus         `json:"status" yaml:"status"`
	Online      bool               `json:"online" yaml:"online"`
	Pending     int                `json:"pending" yaml:"pending"`
	DeadLetters int                `json:"dead_letters" yaml:"dead_letters"`
	LastSync    *time.Time         `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
	LastError   string             `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Breakers    []breaker.Snapshot `json:"breakers" yaml:"breakers"`
}

// Report builds a StatusReport.
func (e *Engine) Report(ctx context.Context) (*StatusReport, error) {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	metrics.ObserveQueue(stats.Pending, stats.DeadLetter)

	r := &StatusReport{
		Status:      e.Status(),
		Online:      e.oracle.IsOnline(ctx),
		Pending:     stats.Pending,
		DeadLetters: stats.DeadLetter,
		LastSync:    e.LastSync(),
		Breakers:    e.Breakers(),
	}
	if err := e.LastError(); err != nil {
		r.LastError = err.Error()
	}
	return r, nil
}

func (e *Engine) observeQueue(ctx context.Context) {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		logging.Warn("Failed to read queue stats", map[string]interface{}{"error": err.Error()})
		return
	}
	metrics.ObserveQueue(stats.Pending, stats.DeadLetter)
}
