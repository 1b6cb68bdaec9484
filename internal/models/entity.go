package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// SyncableEntity is the local envelope around every record that travels to the server.
// A record with IsSynced false always has at least one open queue item.
type SyncableEntity struct {
	LocalID    UUID            `db:"local_id" json:"local_id"`
	RemoteID   string          `db:"remote_id" json:"remote_id,omitempty"`
	EntityType EntityType      `db:"entity_type" json:"entity_type"`
	ScopeID    string          `db:"scope_id" json:"scope_id"`
	Version    int64           `db:"version" json:"version"`
	IsSynced   bool            `db:"is_synced" json:"is_synced"`
	SyncedAt   *int64          `db:"synced_at" json:"synced_at,omitempty"`
	IsDeleted  bool            `db:"is_deleted" json:"is_deleted"`
	Fields     json.RawMessage `db:"fields" json:"fields"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncableEntity.
func (SyncableEntity) TableName() string {
	return "entities"
}

// HasRemote reports whether the server has ever acknowledged this record.
func (e *SyncableEntity) HasRemote() bool {
	return e.RemoteID != ""
}

// SyncedAtTime returns SyncedAt as time.Time, or the zero time when never synced.
func (e *SyncableEntity) SyncedAtTime() time.Time {
	if e.SyncedAt == nil {
		return time.Time{}
	}
	return time.Unix(*e.SyncedAt, 0)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (e *SyncableEntity) UpdatedAtTime() time.Time {
	return time.Unix(e.UpdatedAt, 0)
}

// Record decodes Fields into the typed record for the entity's type.
func (e *SyncableEntity) Record() (Record, error) {
	rec, err := e.EntityType.NewRecord()
	if err != nil {
		return nil, err
	}
	if len(e.Fields) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(e.Fields, rec); err != nil {
		return nil, fmt.Errorf("decode %s fields: %w", e.EntityType, err)
	}
	return rec, nil
}
