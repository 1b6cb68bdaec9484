// Package records provides the local mutation handlers for syncable records.
// Every write lands in the local store together with its outbound queue item.
package records

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/caresync/internal/clock"
	"github.com/kimhsiao/caresync/internal/concurrency"
	"github.com/kimhsiao/caresync/internal/db"
	apperrors "github.com/kimhsiao/caresync/internal/errors"
	"github.com/kimhsiao/caresync/internal/logging"
	"github.com/kimhsiao/caresync/internal/models"
	"github.com/kimhsiao/caresync/internal/sync/queue"
	"github.com/kimhsiao/caresync/internal/uuid"
)

// Service writes records offline-first.
type Service struct {
	store db.Store
	queue *queue.Queue
	locks *concurrency.LockManager
	clock clock.Clock
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source for timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// NewService creates a Service. locks must be the lock manager the sync
// engine uses so local writes never interleave with a push of the same record.
func NewService(store db.Store, q *queue.Queue, locks *concurrency.LockManager, opts ...Option) *Service {
	s := &Service{store: store, queue: q, locks: locks}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrReal(s.clock)
	if s.locks == nil {
		s.locks = concurrency.NewLockManager()
	}
	return s
}

// Validate checks a typed record's field constraints.
func Validate(rec models.Record) error {
	if rec == nil || !rec.EntityType().Valid() {
		return apperrors.New(apperrors.ErrInvalid, "record has no entity type")
	}
	if err := getValidator().Struct(rec); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("invalid %s", rec.EntityType()), err)
	}
	return nil
}

// Decode parses a JSON payload into the typed record for t and validates it.
func Decode(t models.EntityType, data []byte) (models.Record, error) {
	rec, err := t.NewRecord()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode record", err)
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("decode %s", t), err)
	}
	if err := Validate(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Create stores a new record and queues its create.
func (s *Service) Create(ctx context.Context, rec models.Record) (*models.SyncableEntity, error) {
	if err := Validate(rec); err != nil {
		return nil, err
	}
	fields, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	now := s.clock.Now().Unix()
	ent := &models.SyncableEntity{
		LocalID:    uuid.New(),
		EntityType: rec.EntityType(),
		ScopeID:    rec.Scope(),
		Fields:     fields,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.locks.WithLock(ent.LocalID.String(), func() error {
		return s.store.WithTx(ctx, func(tx db.Store) error {
			if err := tx.CreateEntity(ctx, ent); err != nil {
				return err
			}
			_, err := s.queue.In(tx).Enqueue(ctx, ent.EntityType, ent.LocalID, models.ActionCreate, fields)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Record created", map[string]interface{}{
		"entity_type": ent.EntityType.String(),
		"entity_id":   ent.LocalID.String(),
	})
	return ent, nil
}

// Update replaces a record's fields and queues the update.
func (s *Service) Update(ctx context.Context, id models.UUID, rec models.Record) (*models.SyncableEntity, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if err := Validate(rec); err != nil {
		return nil, err
	}
	fields, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	var ent *models.SyncableEntity
	err = s.locks.WithLock(id.String(), func() error {
		return s.store.WithTx(ctx, func(tx db.Store) error {
			var err error
			ent, err = tx.GetEntity(ctx, id)
			if err != nil {
				return err
			}
			if ent.EntityType != rec.EntityType() {
				return apperrors.New(apperrors.ErrInvalid,
					fmt.Sprintf("record %s is a %s, not a %s", id, ent.EntityType, rec.EntityType()))
			}
			if ent.IsDeleted {
				return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("record %s was deleted", id))
			}

			ent.Fields = fields
			ent.ScopeID = rec.Scope()
			ent.IsSynced = false
			ent.UpdatedAt = s.clock.Now().Unix()
			if err := tx.UpdateEntity(ctx, ent); err != nil {
				return err
			}
			_, err = s.queue.In(tx).Enqueue(ctx, ent.EntityType, ent.LocalID, models.ActionUpdate, fields)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// Delete removes a record. A record the server never acknowledged is removed
// outright together with its queue items; otherwise it is tombstoned and the
// delete is queued. Deleting a tombstone is a no-op.
func (s *Service) Delete(ctx context.Context, id models.UUID) error {
	if err := checkID(id); err != nil {
		return err
	}
	return s.locks.WithLock(id.String(), func() error {
		return s.store.WithTx(ctx, func(tx db.Store) error {
			ent, err := tx.GetEntity(ctx, id)
			if err != nil {
				return err
			}
			if ent.IsDeleted {
				return nil
			}

			q := s.queue.In(tx)
			if !ent.HasRemote() {
				if _, err := q.RemoveEntity(ctx, id); err != nil {
					return err
				}
				logging.Info("Discarded never-pushed record", map[string]interface{}{"entity_id": id.String()})
				return tx.DeleteEntity(ctx, id)
			}

			ent.IsDeleted = true
			ent.IsSynced = false
			ent.UpdatedAt = s.clock.Now().Unix()
			if err := tx.UpdateEntity(ctx, ent); err != nil {
				return err
			}
			_, err = q.Enqueue(ctx, ent.EntityType, id, models.ActionDelete, nil)
			return err
		})
	})
}

// Get returns a live record and its decoded fields.
func (s *Service) Get(ctx context.Context, id models.UUID) (*models.SyncableEntity, models.Record, error) {
	if err := checkID(id); err != nil {
		return nil, nil, err
	}
	ent, err := s.store.GetEntity(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if ent.IsDeleted {
		return nil, nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("record %s was deleted", id))
	}
	rec, err := ent.Record()
	if err != nil {
		return nil, nil, err
	}
	return ent, rec, nil
}

// checkID answers malformed ids as missing without a database round trip.
func checkID(id models.UUID) error {
	if !uuid.IsValid(id.String()) {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("record %s not found", id))
	}
	return nil
}

// List returns the live records of one type, optionally for one patient.
func (s *Service) List(ctx context.Context, t models.EntityType, scopeID string) ([]*models.SyncableEntity, error) {
	if !t.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, "list needs an entity type")
	}
	all, err := s.store.ListEntities(ctx, db.EntityFilter{EntityType: t, ScopeID: scopeID})
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, ent := range all {
		if !ent.IsDeleted {
			live = append(live, ent)
		}
	}
	return live, nil
}
