// Package queue manages the durable outbound sync queue.
//
// Items are stored in the local database and ordered by their sequence id.
// An item that fails MaxAttempts times is parked in the dead-letter state,
// where it no longer blocks automatic pushes until an operator requeues or
// purges it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/caresync/internal/clock"
	"github.com/kimhsiao/caresync/internal/db"
	apperrors "github.com/kimhsiao/caresync/internal/errors"
	"github.com/kimhsiao/caresync/internal/logging"
	"github.com/kimhsiao/caresync/internal/models"
)

// DefaultMaxAttempts is used when Config.MaxAttempts is not positive.
const DefaultMaxAttempts = 5

// Config configures the queue.
type Config struct {
	MaxAttempts int
}

// Stats summarizes queue depth.
type Stats struct {
	Pending    int `json:"pending" yaml:"pending"`
	DeadLetter int `json:"dead_letter" yaml:"dead_letter"`
	Total      int `json:"total" yaml:"total"`
}

// Queue is a view of the sync_queue table. A Queue bound to a transaction with
// In must not outlive it.
type Queue struct {
	store db.Store
	cfg   Config
	clock clock.Clock
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock injects the time source used for created/attempt timestamps.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// New creates a Queue over store.
func New(store db.Store, cfg Config, opts ...Option) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	q := &Queue{store: store, cfg: cfg}
	for _, opt := range opts {
		opt(q)
	}
	q.clock = clock.OrReal(q.clock)
	return q
}

// In returns a copy of the queue that reads and writes through tx.
func (q *Queue) In(tx db.Store) *Queue {
	cp := *q
	cp.store = tx
	return &cp
}

// MaxAttempts returns the dead-letter threshold.
func (q *Queue) MaxAttempts() int {
	return q.cfg.MaxAttempts
}

// Enqueue appends a mutation. Call it inside the transaction that wrote the
// entity so the entity is never unsynced without an open item.
func (q *Queue) Enqueue(ctx context.Context, t models.EntityType, entityID models.UUID, action models.QueueAction, payload json.RawMessage) (*models.SyncQueueItem, error) {
	if !t.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown entity type %d", t))
	}
	if entityID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	if !action.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown action %q", action))
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	item := &models.SyncQueueItem{
		EntityType: t,
		EntityID:   entityID,
		Action:     action,
		Payload:    payload,
		Status:     models.QueueStatusPending,
		CreatedAt:  q.clock.Now().Unix(),
	}
	if err := q.store.EnqueueItem(ctx, item); err != nil {
		return nil, err
	}

	logging.Debug("enqueued sync item", map[string]interface{}{
		"item_id":     item.ID,
		"entity_type": t.String(),
		"entity_id":   entityID.String(),
		"action":      string(action),
	})
	return item, nil
}

// DequeueBatch returns up to limit pending items in FIFO order. Items stay in
// the queue until Remove or MarkFailed.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]*models.SyncQueueItem, error) {
	return q.DequeueAfter(ctx, 0, limit)
}

// DequeueAfter is DequeueBatch restricted to items after cursor and, when
// given, to the listed entity types.
func (q *Queue) DequeueAfter(ctx context.Context, cursor int64, limit int, types ...models.EntityType) ([]*models.SyncQueueItem, error) {
	return q.store.ListQueueItems(ctx, db.QueueFilter{
		Status:      models.QueueStatusPending,
		Types:       types,
		AfterID:     cursor,
		MaxAttempts: q.cfg.MaxAttempts,
		Limit:       limit,
	})
}

// ForEntity returns every open item for an entity, dead letters included.
func (q *Queue) ForEntity(ctx context.Context, entityID models.UUID) ([]*models.SyncQueueItem, error) {
	return q.store.ListQueueItems(ctx, db.QueueFilter{EntityID: entityID})
}

// Get returns one item by id.
func (q *Queue) Get(ctx context.Context, id int64) (*models.SyncQueueItem, error) {
	return q.store.GetQueueItem(ctx, id)
}

// Remove deletes a completed item.
func (q *Queue) Remove(ctx context.Context, item *models.SyncQueueItem) error {
	if err := q.store.DeleteQueueItem(ctx, item.ID); err != nil {
		return err
	}
	logging.Debug("removed sync item", map[string]interface{}{
		"item_id":   item.ID,
		"entity_id": item.EntityID.String(),
	})
	return nil
}

// RemoveEntity deletes every item for an entity.
func (q *Queue) RemoveEntity(ctx context.Context, entityID models.UUID) (int64, error) {
	return q.store.DeleteQueueItemsForEntity(ctx, entityID)
}

// Reassign moves every open item of one entity to another.
func (q *Queue) Reassign(ctx context.Context, from, to models.UUID) (int64, error) {
	n, err := q.store.ReassignQueueItems(ctx, from, to)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("reassigned sync items", map[string]interface{}{
			"from":  from.String(),
			"to":    to.String(),
			"count": n,
		})
	}
	return n, nil
}

// MarkFailed records a failed attempt and returns the updated item. The item
// is parked in dead_letter once its attempts reach MaxAttempts.
func (q *Queue) MarkFailed(ctx context.Context, item *models.SyncQueueItem, cause error) (*models.SyncQueueItem, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	updated, err := q.store.RecordQueueFailure(ctx, item.ID, msg, q.clock.Now().Unix(), q.cfg.MaxAttempts)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"item_id":     updated.ID,
		"entity_type": updated.EntityType.String(),
		"entity_id":   updated.EntityID.String(),
		"action":      string(updated.Action),
		"attempts":    updated.Attempts,
	}
	if updated.IsDeadLetter() {
		logging.ErrorWithCode("sync item moved to dead letter", string(apperrors.ErrSyncDeadLetter), cause, fields)
	} else {
		fields["error"] = msg
		logging.Warn("sync item failed", fields)
	}
	return updated, nil
}

// PendingCount returns the number of items waiting for automatic push.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.store.CountQueueItems(ctx, models.QueueStatusPending)
}

// DeadLetters lists parked items in FIFO order.
func (q *Queue) DeadLetters(ctx context.Context) ([]*models.SyncQueueItem, error) {
	return q.store.ListQueueItems(ctx, db.QueueFilter{Status: models.QueueStatusDeadLetter})
}

// Requeue returns a dead-lettered item to pending with its attempts reset.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	if err := q.store.RequeueItem(ctx, id); err != nil {
		return err
	}
	logging.Info("requeued dead letter", map[string]interface{}{"item_id": id})
	return nil
}

// RequeueAll returns every dead-lettered item to pending.
func (q *Queue) RequeueAll(ctx context.Context) (int64, error) {
	n, err := q.store.RequeueAll(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("requeued dead letters", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Purge abandons a dead-lettered item together with every other open item of
// its entity. A record the server has never seen is deleted locally; one with
// a remote id is reset to synced at version 0 so the next pull restores it.
func (q *Queue) Purge(ctx context.Context, id int64) error {
	return q.store.WithTx(ctx, func(tx db.Store) error {
		item, err := tx.GetQueueItem(ctx, id)
		if err != nil {
			return err
		}
		if !item.IsDeadLetter() {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("queue item %d is not a dead letter", id))
		}
		if _, err := tx.DeleteQueueItemsForEntity(ctx, item.EntityID); err != nil {
			return err
		}

		e, err := tx.GetEntity(ctx, item.EntityID)
		if db.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		if !e.HasRemote() {
			if err := tx.DeleteEntity(ctx, e.LocalID); err != nil {
				return err
			}
		} else {
			e.Version = 0
			e.IsSynced = true
			e.IsDeleted = false
			if err := tx.UpdateEntity(ctx, e); err != nil {
				return err
			}
		}

		logging.Warn("purged dead letter", map[string]interface{}{
			"item_id":     id,
			"entity_type": item.EntityType.String(),
			"entity_id":   item.EntityID.String(),
			"had_remote":  e.HasRemote(),
		})
		return nil
	})
}

// Stats returns queue depth by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Pending, err = q.store.CountQueueItems(ctx, models.QueueStatusPending); err != nil {
		return Stats{}, err
	}
	if s.DeadLetter, err = q.store.CountQueueItems(ctx, models.QueueStatusDeadLetter); err != nil {
		return Stats{}, err
	}
	s.Total = s.Pending + s.DeadLetter
	return s, nil
}
