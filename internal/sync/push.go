package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/caresync/internal/db"
	apperrors "github.com/kimhsiao/caresync/internal/errors"
	"github.com/kimhsiao/caresync/internal/logging"
	"github.com/kimhsiao/caresync/internal/metrics"
	"github.com/kimhsiao/caresync/internal/models"
	"github.com/kimhsiao/caresync/internal/sync/breaker"
	"github.com/kimhsiao/caresync/internal/sync/conflict"
	"github.com/kimhsiao/caresync/internal/sync/remote"
	"github.com/kimhsiao/caresync/internal/sync/retry"
)

// ItemError describes one queue item that did not sync.
type ItemError struct {
	ItemID     int64              `json:"item_id,omitempty" yaml:"item_id,omitempty"`
	EntityType models.EntityType  `json:"entity_type,omitempty" yaml:"entity_type,omitempty"`
	EntityID   models.UUID        `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	Action     models.QueueAction `json:"action,omitempty" yaml:"action,omitempty"`
	Code       string             `json:"code,omitempty" yaml:"code,omitempty"`
	Error      string             `json:"error" yaml:"error"`
}

// SyncResult represents the result of a push.
type SyncResult struct {
	Group     string        `json:"group" yaml:"group"`
	Success   bool          `json:"success" yaml:"success"`
	Synced    int           `json:"synced" yaml:"synced"`
	Failed    int           `json:"failed" yaml:"failed"`
	Conflicts int           `json:"conflicts" yaml:"conflicts"`
	Skipped   int           `json:"skipped" yaml:"skipped"`
	Dropped   int           `json:"dropped" yaml:"dropped"`
	Errors    []ItemError   `json:"errors,omitempty" yaml:"errors,omitempty"`
	StartTime time.Time     `json:"start_time" yaml:"start_time"`
	EndTime   time.Time     `json:"end_time" yaml:"end_time"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

type outcomeKind int

const (
	outSynced outcomeKind = iota
	outFailed
	outTransient
	outDropped
	outSkipped
	outCancelled
)

type itemOutcome struct {
	kind     outcomeKind
	conflict bool
	err      error

	// abandoned means every other open item of the entity was discarded
	abandoned bool
}

// pushRun is the state of one SyncPending/SyncGroup call.
type pushRun struct {
	result *SyncResult

	mu      stdsync.Mutex
	blocked map[models.UUID]bool
}

func (r *pushRun) block(id models.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked[id] = true
}

func (r *pushRun) isBlocked(id models.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked[id]
}

// errBatchTransport marks a batch in which every attempted item failed at the
// transport level.
type errBatchTransport struct {
	n int
}

func (e *errBatchTransport) Error() string {
	return fmt.Sprintf("all %d items in batch failed at transport level", e.n)
}

func (e *errBatchTransport) Retryable() bool { return true }

// SyncPending pushes every pending queue item.
func (e *Engine) SyncPending(ctx context.Context) (*SyncResult, error) {
	return e.push(ctx, "all", nil)
}

// SyncGroup pushes only the entity types owned by one sync routine.
func (e *Engine) SyncGroup(ctx context.Context, group models.SyncGroup) (*SyncResult, error) {
	types := models.TypesInGroup(group)
	if len(types) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown sync group %q", group))
	}
	return e.push(ctx, string(group), types)
}

// SyncInsurance pushes insurance cards.
func (e *Engine) SyncInsurance(ctx context.Context) (*SyncResult, error) {
	return e.SyncGroup(ctx, models.GroupInsurance)
}

// SyncBilling pushes invoices and payments.
func (e *Engine) SyncBilling(ctx context.Context) (*SyncResult, error) {
	return e.SyncGroup(ctx, models.GroupBilling)
}

// SyncDischarge pushes discharge plans and summaries.
func (e *Engine) SyncDischarge(ctx context.Context) (*SyncResult, error) {
	return e.SyncGroup(ctx, models.GroupDischarge)
}

func (e *Engine) push(ctx context.Context, group string, types []models.EntityType) (result *SyncResult, err error) {
	result = &SyncResult{Group: group, StartTime: e.clock.Now()}
	e.beginRun()
	defer func() {
		result.EndTime = e.clock.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		e.endRun(result, err)
		e.observeQueue(context.WithoutCancel(ctx))
		metrics.SyncDuration.WithLabelValues(metrics.KindPush).Observe(result.Duration.Seconds())
	}()

	if !e.oracle.IsOnline(ctx) {
		result.Errors = append(result.Errors, offlineError())
		metrics.SyncRuns.WithLabelValues(metrics.KindPush, metrics.ResultOffline).Inc()
		logging.Info("Skipping push - no connectivity", map[string]interface{}{"group": group})
		return result, nil
	}

	logging.Info("Starting push", map[string]interface{}{"group": group})

	run := &pushRun{result: result, blocked: make(map[models.UUID]bool)}
	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !e.oracle.IsOnline(ctx) {
			result.Errors = append(result.Errors, offlineError())
			break
		}

		batch, err := e.queue.DequeueAfter(ctx, cursor, e.cfg.BatchSize, types...)
		if err != nil {
			return result, fmt.Errorf("dequeue batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID

		stop, err := e.processBatch(ctx, run, batch)
		if err != nil {
			return result, err
		}
		if stop {
			break
		}
	}

	result.Success = result.Failed == 0 && len(result.Errors) == 0
	runResult := metrics.ResultSuccess
	if !result.Success {
		runResult = metrics.ResultError
	}
	metrics.SyncRuns.WithLabelValues(metrics.KindPush, runResult).Inc()

	logging.Info("Push completed", map[string]interface{}{
		"group":     group,
		"synced":    result.Synced,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"skipped":   result.Skipped,
	})
	return result, nil
}

func offlineError() ItemError {
	return ItemError{Code: string(apperrors.ErrSyncOffline), Error: ErrNoConnectivity.Message}
}

// processBatch pushes one batch. Items of one entity run in FIFO order under
// the entity's lock; distinct entities run concurrently. When every attempted
// item fails at the transport level the remaining items are retried as a
// whole with backoff. stop reports that draining should end.
func (e *Engine) processBatch(ctx context.Context, run *pushRun, batch []*models.SyncQueueItem) (stop bool, err error) {
	remaining := batch
	var offline bool

	batchErr := e.retrier.Execute(ctx, "batch", func(ctx context.Context) error {
		if !e.oracle.IsOnline(ctx) {
			offline = true
			return ErrNoConnectivity
		}

		outcomes := e.attemptItems(ctx, run, remaining)

		var transient []*models.SyncQueueItem
		attempted := 0
		for i, out := range outcomes {
			item := remaining[i]
			switch out.kind {
			case outSkipped:
				run.result.Skipped++
				continue
			case outCancelled:
				continue
			case outSynced:
				run.result.Synced++
				if out.conflict {
					run.result.Conflicts++
				}
				metrics.PushItems.WithLabelValues(item.EntityType.String(), metrics.OutcomeSynced).Inc()
			case outDropped:
				run.result.Dropped++
				metrics.PushItems.WithLabelValues(item.EntityType.String(), metrics.OutcomeDropped).Inc()
			case outFailed:
				if out.conflict {
					run.result.Conflicts++
				}
				e.recordFailure(ctx, run, item, out.err, false)
			case outTransient:
				transient = append(transient, item)
			}
			attempted++
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if len(transient) == 0 {
			return nil
		}
		if len(transient) < attempted {
			for _, item := range transient {
				e.recordFailure(ctx, run, item, outcomeErr(outcomes, remaining, item), false)
			}
			return nil
		}

		remaining = transient
		return &errBatchTransport{n: len(transient)}
	})

	var exhausted *retry.ExhaustedError
	switch {
	case batchErr == nil:
		return false, nil
	case offline:
		run.result.Errors = append(run.result.Errors, offlineError())
		return true, nil
	case stderrors.As(batchErr, &exhausted):
		logging.Warn("Batch failed at transport level, giving up", map[string]interface{}{
			"items":    len(remaining),
			"attempts": exhausted.Attempts,
		})
		for _, item := range remaining {
			e.recordFailure(ctx, run, item, exhausted, true)
		}
		return true, nil
	default:
		return true, batchErr
	}
}

func outcomeErr(outcomes []itemOutcome, items []*models.SyncQueueItem, item *models.SyncQueueItem) error {
	for i, it := range items {
		if it == item {
			return outcomes[i].err
		}
	}
	return nil
}

// attemptItems pushes items grouped by entity and returns one outcome per
// item, index-aligned with items. All groups settle before it returns.
func (e *Engine) attemptItems(ctx context.Context, run *pushRun, items []*models.SyncQueueItem) []itemOutcome {
	outcomes := make([]itemOutcome, len(items))

	var order []models.UUID
	groups := make(map[models.UUID][]int)
	for i, item := range items {
		if _, ok := groups[item.EntityID]; !ok {
			order = append(order, item.EntityID)
		}
		groups[item.EntityID] = append(groups[item.EntityID], i)
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, id := range order {
		id, idx := id, groups[id]
		g.Go(func() error {
			_ = e.locks.WithLock(id.String(), func() error {
				// later items of an entity wait for the earlier ones to land
				stopped := run.isBlocked(id)
				for _, i := range idx {
					if stopped {
						outcomes[i] = itemOutcome{kind: outSkipped}
						continue
					}
					if ctx.Err() != nil {
						outcomes[i] = itemOutcome{kind: outCancelled, err: ctx.Err()}
						continue
					}
					out := e.pushItem(ctx, items[i])
					outcomes[i] = out
					if (out.kind != outSynced && out.kind != outDropped) || out.abandoned {
						stopped = true
					}
				}
				return nil
			})
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// recordFailure marks an item failed and reports it. exhausted items were
// rejected as part of a whole-batch transport failure.
func (e *Engine) recordFailure(ctx context.Context, run *pushRun, item *models.SyncQueueItem, cause error, exhausted bool) {
	run.block(item.EntityID)
	run.result.Failed++
	metrics.PushItems.WithLabelValues(item.EntityType.String(), metrics.OutcomeFailed).Inc()

	code := apperrors.ErrSyncFailed
	var retriesErr *retry.ExhaustedError
	var appErr *apperrors.AppError
	switch {
	case stderrors.As(cause, &appErr):
		code = appErr.Code
	case exhausted || stderrors.As(cause, &retriesErr):
		code = apperrors.ErrSyncRetriesExhausted
	case stderrors.Is(cause, breaker.ErrOpen):
		code = apperrors.ErrCircuitOpen
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	run.result.Errors = append(run.result.Errors, ItemError{
		ItemID:     item.ID,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Action:     item.Action,
		Code:       string(code),
		Error:      msg,
	})

	updated, err := e.queue.MarkFailed(context.WithoutCancel(ctx), item, cause)
	if err != nil {
		logging.Error("Failed to record queue failure", err, map[string]interface{}{"item_id": item.ID})
		return
	}
	if updated.IsDeadLetter() {
		metrics.DeadLetterEvents.Inc()
	}
}

// isTransport reports whether err means the endpoint could not be reached
// rather than that it rejected the item.
func isTransport(err error) bool {
	var exhausted *retry.ExhaustedError
	return stderrors.As(err, &exhausted) || stderrors.Is(err, breaker.ErrOpen) || retry.IsRetryable(err)
}

func (e *Engine) classify(ctx context.Context, err error) itemOutcome {
	switch {
	case err == nil:
		return itemOutcome{kind: outSynced}
	case ctx.Err() != nil:
		return itemOutcome{kind: outCancelled, err: ctx.Err()}
	case isTransport(err):
		return itemOutcome{kind: outTransient, err: err}
	default:
		return itemOutcome{kind: outFailed, err: err}
	}
}

// pushItem transmits one queue item. The caller holds the entity lock.
func (e *Engine) pushItem(ctx context.Context, item *models.SyncQueueItem) itemOutcome {
	ent, err := e.store.GetEntity(ctx, item.EntityID)
	if db.IsNotFound(err) {
		// the record was removed locally; nothing left to transmit
		if err := e.queue.Remove(ctx, item); err != nil {
			return itemOutcome{kind: outFailed, err: err}
		}
		return itemOutcome{kind: outDropped}
	}
	if err != nil {
		return itemOutcome{kind: outFailed, err: err}
	}

	collection := item.EntityType.Collection()
	label := fmt.Sprintf("push:%s:%s", collection, item.Action)

	action := item.Action
	switch {
	case action == models.ActionUpdate && !ent.HasRemote():
		action = models.ActionCreate
	case action == models.ActionCreate && ent.HasRemote():
		action = models.ActionUpdate
	case action == models.ActionDelete && !ent.HasRemote():
		return e.dropLocalDelete(ctx, item, ent)
	}

	var rec *remote.Record
	switch action {
	case models.ActionCreate:
		err = e.call(ctx, collection, label, func(ctx context.Context) error {
			var err error
			rec, err = e.api.Create(ctx, collection, ent.LocalID.String(), ent.ScopeID, item.Payload)
			return err
		})
	case models.ActionUpdate:
		err = e.call(ctx, collection, label, func(ctx context.Context) error {
			var err error
			rec, err = e.api.Update(ctx, collection, ent.RemoteID, ent.Version, item.Payload)
			return err
		})
	case models.ActionDelete:
		err = e.call(ctx, collection, label, func(ctx context.Context) error {
			return e.api.Delete(ctx, collection, ent.RemoteID, ent.Version)
		})
		if stderrors.Is(err, remote.ErrNotFound) {
			err = nil
		}
	}

	if err != nil {
		if stderrors.Is(err, remote.ErrConflict) && action != models.ActionCreate {
			return e.resolveConflict(ctx, item, ent, action)
		}
		return e.classify(ctx, err)
	}

	if action == models.ActionDelete {
		err = e.commitDelete(ctx, ent)
	} else {
		err = e.commitSynced(ctx, item, db.SyncAck{
			LocalID:  ent.LocalID,
			RemoteID: rec.ID,
			Version:  rec.Version,
			SyncedAt: e.clock.Now().Unix(),
		})
	}
	if err != nil {
		return itemOutcome{kind: outFailed, err: err}
	}

	logging.Debug("Pushed sync item", map[string]interface{}{
		"item_id":     item.ID,
		"entity_type": item.EntityType.String(),
		"entity_id":   item.EntityID.String(),
		"action":      string(action),
	})
	return itemOutcome{kind: outSynced}
}

// commitSynced removes the item and records the acknowledgement atomically.
func (e *Engine) commitSynced(ctx context.Context, item *models.SyncQueueItem, ack db.SyncAck) error {
	return e.store.WithTx(ctx, func(tx db.Store) error {
		if err := e.queue.In(tx).Remove(ctx, item); err != nil {
			return err
		}
		if err := e.foldDuplicate(ctx, tx, item.EntityType, &ack); err != nil {
			return err
		}
		return tx.MarkEntitySynced(ctx, ack)
	})
}

// foldDuplicate merges a copy that a pull inserted for the acknowledged server
// record before its create was committed here. The original keeps its local
// id; the copy's queue items move to it and the copy is removed. Edits made on
// the copy, or a newer server state it holds, carry over to the original.
func (e *Engine) foldDuplicate(ctx context.Context, tx db.Store, t models.EntityType, ack *db.SyncAck) error {
	if ack.RemoteID == "" {
		return nil
	}
	dup, err := tx.GetEntityByRemoteID(ctx, t, ack.RemoteID)
	if db.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if dup.LocalID == ack.LocalID {
		return nil
	}

	orig, err := tx.GetEntity(ctx, ack.LocalID)
	if err != nil {
		return err
	}
	pending, err := e.queue.In(tx).ForEntity(ctx, orig.LocalID)
	if err != nil {
		return err
	}

	adopt := false
	switch {
	case !dup.IsSynced:
		adopt = true
		orig.IsDeleted = dup.IsDeleted
	case dup.Version > ack.Version && len(pending) == 0:
		adopt = true
	}
	if adopt {
		orig.Fields = dup.Fields
		orig.UpdatedAt = dup.UpdatedAt
		if dup.Version > ack.Version {
			ack.Version = dup.Version
		}
		if err := tx.UpdateEntity(ctx, orig); err != nil {
			return err
		}
	}

	if _, err := e.queue.In(tx).Reassign(ctx, dup.LocalID, orig.LocalID); err != nil {
		return err
	}
	if err := tx.DeleteEntity(ctx, dup.LocalID); err != nil {
		return err
	}
	logging.Warn("Folded duplicate pulled record into its original", map[string]interface{}{
		"entity_type": t.String(),
		"entity_id":   orig.LocalID.String(),
		"duplicate":   dup.LocalID.String(),
		"remote_id":   ack.RemoteID,
	})
	return nil
}

// commitDelete removes a confirmed-deleted entity and all of its items.
func (e *Engine) commitDelete(ctx context.Context, ent *models.SyncableEntity) error {
	return e.store.WithTx(ctx, func(tx db.Store) error {
		if _, err := e.queue.In(tx).RemoveEntity(ctx, ent.LocalID); err != nil {
			return err
		}
		return tx.DeleteEntity(ctx, ent.LocalID)
	})
}

// dropLocalDelete settles a delete for a record the server never saw.
func (e *Engine) dropLocalDelete(ctx context.Context, item *models.SyncQueueItem, ent *models.SyncableEntity) itemOutcome {
	err := e.store.WithTx(ctx, func(tx db.Store) error {
		if err := e.queue.In(tx).Remove(ctx, item); err != nil {
			return err
		}
		if !ent.IsDeleted {
			return nil
		}
		rest, err := e.queue.In(tx).ForEntity(ctx, ent.LocalID)
		if err != nil {
			return err
		}
		if len(rest) == 0 {
			return tx.DeleteEntity(ctx, ent.LocalID)
		}
		return nil
	})
	if err != nil {
		return itemOutcome{kind: outFailed, err: err}
	}
	return itemOutcome{kind: outDropped}
}

// resolveConflict handles a version mismatch on update or delete.
func (e *Engine) resolveConflict(ctx context.Context, item *models.SyncQueueItem, ent *models.SyncableEntity, action models.QueueAction) itemOutcome {
	collection := item.EntityType.Collection()

	var server *remote.Record
	err := e.call(ctx, collection, "conflict:"+collection, func(ctx context.Context) error {
		var err error
		server, err = e.api.Get(ctx, collection, ent.RemoteID)
		return err
	})
	if err != nil {
		return e.classify(ctx, fmt.Errorf("fetch server snapshot: %w", err))
	}

	cc := &conflict.Context{
		EntityType: item.EntityType,
		EntityID:   ent.LocalID,
		RemoteID:   ent.RemoteID,
		Local:      conflict.Snapshot{Fields: item.Payload, Version: ent.Version, UpdatedAt: ent.UpdatedAt},
		Server:     conflict.Snapshot{Fields: server.Fields, Version: server.Version, UpdatedAt: server.UpdatedAt},
		DetectedAt: e.clock.Now().Unix(),
	}

	logging.Warn("Version conflict detected", map[string]interface{}{
		"entity_type":    item.EntityType.String(),
		"entity_id":      ent.LocalID.String(),
		"local_version":  ent.Version,
		"server_version": server.Version,
	})

	outcome, err := e.resolver.Resolve(ctx, cc)
	if err != nil {
		e.logConflict(ctx, cc, conflict.ResolutionUnresolved)
		return itemOutcome{kind: outFailed, conflict: true, err: apperrors.Wrap(apperrors.ErrSyncConflict, "resolve conflict", err)}
	}

	if outcome == conflict.AcceptServer {
		if err := e.acceptServer(ctx, ent, server, cc); err != nil {
			return itemOutcome{kind: outFailed, conflict: true, err: err}
		}
		metrics.Conflicts.WithLabelValues(outcome.String()).Inc()
		return itemOutcome{kind: outSynced, conflict: true, abandoned: true}
	}

	// accept-client: one more write on top of the server's version
	var rec *remote.Record
	err = e.callOnce(ctx, collection, func(ctx context.Context) error {
		if action == models.ActionDelete {
			return e.api.Delete(ctx, collection, ent.RemoteID, server.Version)
		}
		var err error
		rec, err = e.api.Update(ctx, collection, ent.RemoteID, server.Version, item.Payload)
		return err
	})
	if stderrors.Is(err, remote.ErrConflict) {
		e.logConflict(ctx, cc, conflict.ResolutionUnresolved)
		metrics.Conflicts.WithLabelValues(conflict.ResolutionUnresolved).Inc()
		return itemOutcome{kind: outFailed, conflict: true,
			err: apperrors.Wrap(apperrors.ErrSyncUnresolvedConflict, "write conflicted again after accept-client", conflict.ErrConflictUnresolved)}
	}
	if err != nil {
		return e.classify(ctx, err)
	}

	if action == models.ActionDelete {
		err = e.store.WithTx(ctx, func(tx db.Store) error {
			if _, err := e.queue.In(tx).RemoveEntity(ctx, ent.LocalID); err != nil {
				return err
			}
			if err := tx.DeleteEntity(ctx, ent.LocalID); err != nil {
				return err
			}
			return tx.CreateConflictLog(ctx, conflict.NewLog(cc, outcome.String()))
		})
	} else {
		remoteID := ent.RemoteID
		if rec != nil && rec.ID != "" {
			remoteID = rec.ID
		}
		err = e.store.WithTx(ctx, func(tx db.Store) error {
			if err := e.queue.In(tx).Remove(ctx, item); err != nil {
				return err
			}
			if err := tx.MarkEntitySynced(ctx, db.SyncAck{
				LocalID:  ent.LocalID,
				RemoteID: remoteID,
				Version:  server.Version + 1,
				SyncedAt: e.clock.Now().Unix(),
			}); err != nil {
				return err
			}
			return tx.CreateConflictLog(ctx, conflict.NewLog(cc, outcome.String()))
		})
	}
	if err != nil {
		return itemOutcome{kind: outFailed, conflict: true, err: err}
	}
	metrics.Conflicts.WithLabelValues(outcome.String()).Inc()
	return itemOutcome{kind: outSynced, conflict: true}
}

// acceptServer overwrites the local record with the server snapshot and
// abandons every open item for it.
func (e *Engine) acceptServer(ctx context.Context, ent *models.SyncableEntity, server *remote.Record, cc *conflict.Context) error {
	now := e.clock.Now().Unix()
	return e.store.WithTx(ctx, func(tx db.Store) error {
		if _, err := e.queue.In(tx).RemoveEntity(ctx, ent.LocalID); err != nil {
			return err
		}
		ent.Fields = server.Fields
		ent.Version = server.Version
		ent.IsSynced = true
		ent.IsDeleted = false
		ent.SyncedAt = &now
		if server.ScopeID != "" {
			ent.ScopeID = server.ScopeID
		}
		if server.UpdatedAt != 0 {
			ent.UpdatedAt = server.UpdatedAt
		}
		if err := tx.UpdateEntity(ctx, ent); err != nil {
			return err
		}
		return tx.CreateConflictLog(ctx, conflict.NewLog(cc, conflict.AcceptServer.String()))
	})
}

func (e *Engine) logConflict(ctx context.Context, cc *conflict.Context, resolution string) {
	if err := e.store.CreateConflictLog(ctx, conflict.NewLog(cc, resolution)); err != nil {
		logging.Error("Failed to write conflict log", err, map[string]interface{}{"entity_id": cc.EntityID.String()})
	}
}
