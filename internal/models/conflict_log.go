package models

import "time"

// ConflictLog records resolved concurrent edits for user awareness.
type ConflictLog struct {
	ID              UUID       `db:"id" json:"id" yaml:"id"`
	EntityType      EntityType `db:"entity_type" json:"entity_type" yaml:"entity_type"`
	EntityID        UUID       `db:"entity_id" json:"entity_id" yaml:"entity_id"`
	LocalVersion    int64      `db:"local_version" json:"local_version" yaml:"local_version"`
	ServerVersion   int64      `db:"server_version" json:"server_version" yaml:"server_version"`
	LocalTimestamp  int64      `db:"local_timestamp" json:"local_timestamp" yaml:"local_timestamp"`
	RemoteTimestamp int64      `db:"remote_timestamp" json:"remote_timestamp" yaml:"remote_timestamp"`
	Resolution      string     `db:"resolution" json:"resolution" yaml:"resolution"` // accept_server, accept_client, unresolved
	DetectedAt      int64      `db:"detected_at" json:"detected_at" yaml:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
