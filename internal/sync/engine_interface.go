package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kimhsiao/caresync/internal/models"
)

// SyncEngineInterface is the surface consumed by the scheduler, the HTTP API
// and the CLI.
type SyncEngineInterface interface {
	// SyncPending pushes every pending queue item.
	SyncPending(ctx context.Context) (*SyncResult, error)

	// SyncGroup pushes only the entity types owned by one sync routine.
	SyncGroup(ctx context.Context, group models.SyncGroup) (*SyncResult, error)

	// Pull reconciles one scope with the server's authoritative collection.
	Pull(ctx context.Context, scope Scope) (*PullResult, error)

	// PullAll pulls every entity type for one scope id.
	PullAll(ctx context.Context, scopeID string) ([]*PullResult, error)

	// QueueForSync marks an existing entity unsynced and enqueues a mutation.
	QueueForSync(ctx context.Context, t models.EntityType, id models.UUID, action models.QueueAction, payload json.RawMessage) (*models.SyncQueueItem, error)

	// PendingSyncCount returns the number of items awaiting push.
	PendingSyncCount(ctx context.Context) (int, error)

	// Status returns the current sync status.
	Status() SyncStatus

	// Report returns a full status snapshot.
	Report(ctx context.Context) (*StatusReport, error)

	// LastSync returns the timestamp of the last successful push.
	LastSync() *time.Time

	// LastError returns the last error that occurred during sync.
	LastError() error
}

var _ SyncEngineInterface = (*Engine)(nil)
