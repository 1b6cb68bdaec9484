package db

import (
	"context"

	"github.com/kimhsiao/caresync/internal/models"
)

// EntityFilter narrows ListEntities. Zero values mean "any".
type EntityFilter struct {
	EntityType models.EntityType
	ScopeID    string
	Unsynced   bool
	Limit      int
}

// QueueFilter narrows ListQueueItems. Zero values mean "any".
type QueueFilter struct {
	Status   models.QueueStatus
	Types    []models.EntityType
	EntityID models.UUID
	// AfterID returns only items with a larger sequence number.
	AfterID int64
	// MaxAttempts returns only items with fewer attempts.
	MaxAttempts int
	Limit       int
}

// SyncAck is the server's acknowledgement of a pushed mutation.
type SyncAck struct {
	LocalID  models.UUID
	RemoteID string
	Version  int64
	SyncedAt int64
}

// EntityRepository defines operations for syncable entity persistence.
type EntityRepository interface {
	// CreateEntity inserts a new entity.
	CreateEntity(ctx context.Context, e *models.SyncableEntity) error

	// GetEntity retrieves an entity by local id, tombstones included.
	GetEntity(ctx context.Context, id models.UUID) (*models.SyncableEntity, error)

	// GetEntityByRemoteID retrieves an entity by its server id.
	GetEntityByRemoteID(ctx context.Context, t models.EntityType, remoteID string) (*models.SyncableEntity, error)

	// ListEntities returns entities matching the filter ordered by creation.
	ListEntities(ctx context.Context, f EntityFilter) ([]*models.SyncableEntity, error)

	// UpdateEntity overwrites every mutable column of an entity.
	UpdateEntity(ctx context.Context, e *models.SyncableEntity) error

	// DeleteEntity removes an entity row.
	DeleteEntity(ctx context.Context, id models.UUID) error

	// MarkEntitySynced records a push acknowledgement. The entity only becomes
	// synced when no queue item for it remains.
	MarkEntitySynced(ctx context.Context, ack SyncAck) error

	// ApplyServerState overwrites a synced entity with a newer server version.
	// It reports false, writing nothing, when the entity has unsynced edits or
	// the server version is not newer.
	ApplyServerState(ctx context.Context, e *models.SyncableEntity) (bool, error)
}

// QueueRepository defines operations for the outbound sync queue.
type QueueRepository interface {
	// EnqueueItem appends an item and assigns its sequence id.
	EnqueueItem(ctx context.Context, item *models.SyncQueueItem) error

	// GetQueueItem retrieves a queue item by id.
	GetQueueItem(ctx context.Context, id int64) (*models.SyncQueueItem, error)

	// ListQueueItems returns items in FIFO order.
	ListQueueItems(ctx context.Context, f QueueFilter) ([]*models.SyncQueueItem, error)

	// DeleteQueueItem removes one item.
	DeleteQueueItem(ctx context.Context, id int64) error

	// DeleteQueueItemsForEntity removes every item for an entity.
	DeleteQueueItemsForEntity(ctx context.Context, entityID models.UUID) (int64, error)

	// ReassignQueueItems moves every item of one entity to another.
	ReassignQueueItems(ctx context.Context, from, to models.UUID) (int64, error)

	// RecordQueueFailure increments attempts and parks the item in dead_letter
	// once attempts reach maxAttempts.
	RecordQueueFailure(ctx context.Context, id int64, msg string, at int64, maxAttempts int) (*models.SyncQueueItem, error)

	// CountQueueItems counts items with the given status, or all when empty.
	CountQueueItems(ctx context.Context, status models.QueueStatus) (int, error)

	// RequeueItem returns a dead-lettered item to pending with zero attempts.
	// Create and update items are refreshed with the entity's current fields.
	RequeueItem(ctx context.Context, id int64) error

	// RequeueAll returns every dead-lettered item to pending.
	RequeueAll(ctx context.Context) (int64, error)
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	// CreateConflictLog creates a new conflict log entry.
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error

	// ListConflictLogs returns the newest entries first.
	ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)
}

// Store is everything the sync core needs from local persistence.
type Store interface {
	EntityRepository
	QueueRepository
	ConflictLogRepository

	// WithTx runs fn inside one transaction; fn's Store is bound to it.
	// Returning an error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ EntityRepository      = (*Repository)(nil)
	_ QueueRepository       = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ Store                 = (*Repository)(nil)
)
