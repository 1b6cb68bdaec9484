package models

import "encoding/json"

// QueueAction is the mutation a queue item replays against the server.
type QueueAction string

const (
	ActionCreate QueueAction = "create"
	ActionUpdate QueueAction = "update"
	ActionDelete QueueAction = "delete"
)

// Valid reports whether a is a known action.
func (a QueueAction) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusDeadLetter QueueStatus = "dead_letter"
)

// SyncQueueItem is a pending outbound mutation. ID is an autoincrement sequence
// and defines FIFO order.
type SyncQueueItem struct {
	ID            int64           `db:"id" json:"id" yaml:"id"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type" yaml:"entity_type"`
	EntityID      UUID            `db:"entity_id" json:"entity_id" yaml:"entity_id"`
	Action        QueueAction     `db:"action" json:"action" yaml:"action"`
	Payload       json.RawMessage `db:"payload" json:"payload" yaml:"-"`
	Attempts      int             `db:"attempts" json:"attempts" yaml:"attempts"`
	Status        QueueStatus     `db:"status" json:"status" yaml:"status"`
	LastAttemptAt *int64          `db:"last_attempt_at" json:"last_attempt_at,omitempty" yaml:"last_attempt_at,omitempty"`
	LastError     string          `db:"last_error" json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedAt     int64           `db:"created_at" json:"created_at" yaml:"created_at"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// IsDeadLetter reports whether the item has been parked.
func (q *SyncQueueItem) IsDeadLetter() bool {
	return q.Status == QueueStatusDeadLetter
}
