package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/caresync/internal/db"
	apperrors "github.com/kimhsiao/caresync/internal/errors"
	"github.com/kimhsiao/caresync/internal/logging"
	"github.com/kimhsiao/caresync/internal/metrics"
	"github.com/kimhsiao/caresync/internal/models"
	"github.com/kimhsiao/caresync/internal/sync/remote"
	"github.com/kimhsiao/caresync/internal/uuid"
)

// Scope selects the server collection a pull reconciles: one entity type,
// optionally narrowed to one patient.
type Scope struct {
	EntityType models.EntityType `json:"entity_type" yaml:"entity_type"`
	ScopeID    string            `json:"scope_id" yaml:"scope_id"`
}

func (s Scope) String() string {
	if s.ScopeID == "" {
		return s.EntityType.Collection()
	}
	return s.EntityType.Collection() + "?scope=" + s.ScopeID
}

// PullResult counts what a pull did with each server record.
type PullResult struct {
	Scope     Scope         `json:"scope" yaml:"scope"`
	Inserted  int           `json:"inserted" yaml:"inserted"`
	Updated   int           `json:"updated" yaml:"updated"`
	Skipped   int           `json:"skipped" yaml:"skipped"`
	Unchanged int           `json:"unchanged" yaml:"unchanged"`
	StartTime time.Time     `json:"start_time" yaml:"start_time"`
	EndTime   time.Time     `json:"end_time" yaml:"end_time"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Pull fetches the server's collection for scope and applies it locally.
// Unknown records are inserted as synced; known records are overwritten only
// when the server version is newer and the local copy has no unpushed edits.
func (e *Engine) Pull(ctx context.Context, scope Scope) (*PullResult, error) {
	if !scope.EntityType.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, "pull scope needs an entity type")
	}
	if !e.oracle.IsOnline(ctx) {
		metrics.SyncRuns.WithLabelValues(metrics.KindPull, metrics.ResultOffline).Inc()
		return nil, ErrNoConnectivity
	}

	result := &PullResult{Scope: scope, StartTime: e.clock.Now()}
	defer func() {
		result.EndTime = e.clock.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		metrics.SyncDuration.WithLabelValues(metrics.KindPull).Observe(result.Duration.Seconds())
	}()

	collection := scope.EntityType.Collection()
	var records []*remote.Record
	err := e.call(ctx, collection, "pull:"+collection, func(ctx context.Context) error {
		var err error
		records, err = e.api.List(ctx, collection, scope.ScopeID)
		return err
	})
	if err != nil {
		metrics.SyncRuns.WithLabelValues(metrics.KindPull, metrics.ResultError).Inc()
		return result, fmt.Errorf("pull %s: %w", scope, err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, err := e.applyRecord(ctx, scope, rec)
		if err != nil {
			metrics.SyncRuns.WithLabelValues(metrics.KindPull, metrics.ResultError).Inc()
			return result, fmt.Errorf("apply %s/%s: %w", collection, rec.ID, err)
		}
		switch outcome {
		case metrics.OutcomeInserted:
			result.Inserted++
		case metrics.OutcomeUpdated:
			result.Updated++
		case metrics.OutcomeSkipped:
			result.Skipped++
		default:
			result.Unchanged++
		}
		metrics.PullRecords.WithLabelValues(scope.EntityType.String(), outcome).Inc()
	}

	metrics.SyncRuns.WithLabelValues(metrics.KindPull, metrics.ResultSuccess).Inc()
	logging.Info("Pull completed", map[string]interface{}{
		"scope":     scope.String(),
		"inserted":  result.Inserted,
		"updated":   result.Updated,
		"skipped":   result.Skipped,
		"unchanged": result.Unchanged,
	})
	return result, nil
}

// PullAll pulls every entity type for one scope id, stopping at the first error.
func (e *Engine) PullAll(ctx context.Context, scopeID string) ([]*PullResult, error) {
	var results []*PullResult
	for _, t := range models.AllEntityTypes() {
		res, err := e.Pull(ctx, Scope{EntityType: t, ScopeID: scopeID})
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// applyRecord reconciles one server record and returns the pull outcome label.
func (e *Engine) applyRecord(ctx context.Context, scope Scope, rec *remote.Record) (string, error) {
	now := e.clock.Now().Unix()
	scopeID := rec.ScopeID
	if scopeID == "" {
		scopeID = scope.ScopeID
	}

	local, err := e.store.GetEntityByRemoteID(ctx, scope.EntityType, rec.ID)
	if db.IsNotFound(err) {
		local, err = e.findByOrigin(ctx, scope.EntityType, rec)
	}
	if db.IsNotFound(err) {
		localID := uuid.New()
		if id, perr := uuid.Parse(rec.LocalID); perr == nil {
			if _, gerr := e.store.GetEntity(ctx, id); db.IsNotFound(gerr) {
				localID = id
			}
		}
		ent := &models.SyncableEntity{
			LocalID:    localID,
			RemoteID:   rec.ID,
			EntityType: scope.EntityType,
			ScopeID:    scopeID,
			Version:    rec.Version,
			IsSynced:   true,
			SyncedAt:   &now,
			Fields:     rec.Fields,
			CreatedAt:  now,
			UpdatedAt:  rec.UpdatedAt,
		}
		if ent.UpdatedAt == 0 {
			ent.UpdatedAt = now
		}
		if err := e.store.CreateEntity(ctx, ent); err != nil {
			return "", err
		}
		return metrics.OutcomeInserted, nil
	}
	if err != nil {
		return "", err
	}

	if local.RemoteID != rec.ID {
		// created here; the push that sent it has not committed the server id yet
		logging.Debug("Pull left record awaiting create acknowledgement", map[string]interface{}{
			"entity_id": local.LocalID.String(),
			"remote_id": rec.ID,
		})
		return metrics.OutcomeSkipped, nil
	}
	if !local.IsSynced {
		logging.Debug("Pull left unsynced record untouched", map[string]interface{}{
			"entity_id":      local.LocalID.String(),
			"local_version":  local.Version,
			"server_version": rec.Version,
		})
		return metrics.OutcomeSkipped, nil
	}
	if rec.Version <= local.Version {
		return metrics.OutcomeUnchanged, nil
	}

	local.Fields = rec.Fields
	local.ScopeID = scopeID
	local.Version = rec.Version
	local.SyncedAt = &now
	if rec.UpdatedAt != 0 {
		local.UpdatedAt = rec.UpdatedAt
	}
	applied, err := e.store.ApplyServerState(ctx, local)
	if err != nil {
		return "", err
	}
	if !applied {
		// a local edit landed between the read and the write
		return metrics.OutcomeSkipped, nil
	}
	return metrics.OutcomeUpdated, nil
}

// findByOrigin looks up the local entity whose create produced rec. It
// reports not found when rec carries no usable local id or the id belongs to
// an entity of another type.
func (e *Engine) findByOrigin(ctx context.Context, t models.EntityType, rec *remote.Record) (*models.SyncableEntity, error) {
	id, err := uuid.Parse(rec.LocalID)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrNotFound, "record carries no local id")
	}
	ent, err := e.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if ent.EntityType != t || (ent.RemoteID != "" && ent.RemoteID != rec.ID) {
		return nil, apperrors.New(apperrors.ErrNotFound, "local id belongs to another record")
	}
	return ent, nil
}
