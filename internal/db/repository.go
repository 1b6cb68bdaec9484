package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"math"
	"sync"

	apperrors "github.com/kimhsiao/caresync/internal/errors"
	"github.com/kimhsiao/caresync/internal/models"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository implements Store on SQLite. A Repository returned to a WithTx
// callback is bound to that transaction.
type Repository struct {
	db *sql.DB
	tx *sql.Tx

	// Prepared statement cache for frequently used queries, shared with
	// transaction-bound copies.
	stmtCache *sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, stmtCache: &sync.Map{}}
}

func (r *Repository) q() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

// PrepareStmt gets or creates a prepared statement from cache.
// Inside a transaction the cached statement is rebound to the transaction;
// statements first seen inside a transaction are prepared on it and not cached,
// since the pool's only connection is held by the transaction.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if cached, ok := r.stmtCache.Load(query); ok {
		stmt := cached.(*sql.Stmt)
		if r.tx != nil {
			return r.tx.StmtContext(ctx, stmt), nil
		}
		return stmt, nil
	}

	if r.tx != nil {
		stmt, err := r.tx.PrepareContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare statement: %w", err)
		}
		return stmt, nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Store in cache (if already stored by another goroutine, use existing)
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// WithTx runs fn in a transaction. Nested calls join the outer transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(tx Store) error) (err error) {
	if r.tx != nil {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&Repository{db: r.db, tx: tx, stmtCache: r.stmtCache}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "commit transaction", err)
	}
	committed = true
	return nil
}

// IsNotFound reports whether err is a missing-row error from this package.
func IsNotFound(err error) bool {
	return apperrors.Is(err, apperrors.ErrNotFound)
}

func notFound(what string, id interface{}) error {
	return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("%s %v not found", what, id), sql.ErrNoRows)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func fieldsText(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// =====================================================
// Entity Operations
// =====================================================

const entityColumns = `local_id, remote_id, entity_type, scope_id, version, is_synced,
	synced_at, is_deleted, fields, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*models.SyncableEntity, error) {
	var e models.SyncableEntity
	var remoteID sql.NullString
	var syncedAt sql.NullInt64
	var fields string
	if err := row.Scan(&e.LocalID, &remoteID, &e.EntityType, &e.ScopeID, &e.Version, &e.IsSynced,
		&syncedAt, &e.IsDeleted, &fields, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.RemoteID = remoteID.String
	e.SyncedAt = int64Ptr(syncedAt)
	e.Fields = []byte(fields)
	return &e, nil
}

// CreateEntity inserts a new entity.
func (r *Repository) CreateEntity(ctx context.Context, e *models.SyncableEntity) error {
	query := `INSERT INTO entities (` + entityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q().ExecContext(ctx, query, e.LocalID, nullString(e.RemoteID), e.EntityType, e.ScopeID,
		e.Version, e.IsSynced, nullInt64(e.SyncedAt), e.IsDeleted, fieldsText(e.Fields), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert entity", err)
	}
	return nil
}

// GetEntity retrieves an entity by local id.
func (r *Repository) GetEntity(ctx context.Context, id models.UUID) (*models.SyncableEntity, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+entityColumns+` FROM entities WHERE local_id = ?`)
	if err != nil {
		return nil, err
	}
	e, err := scanEntity(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("entity", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get entity", err)
	}
	return e, nil
}

// GetEntityByRemoteID retrieves an entity by its server id.
func (r *Repository) GetEntityByRemoteID(ctx context.Context, t models.EntityType, remoteID string) (*models.SyncableEntity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE entity_type = ? AND remote_id = ?`
	e, err := scanEntity(r.q().QueryRowContext(ctx, query, t, remoteID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(t.String(), remoteID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get entity by remote id", err)
	}
	return e, nil
}

// ListEntities returns entities matching the filter ordered by creation.
func (r *Repository) ListEntities(ctx context.Context, f EntityFilter) ([]*models.SyncableEntity, error) {
	where, args := f.builder().Where()
	query := `SELECT ` + entityColumns + ` FROM entities` + where
	query += " ORDER BY created_at, local_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list entities", err)
	}
	defer rows.Close()

	var out []*models.SyncableEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan entity", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEntity overwrites every mutable column of an entity.
func (r *Repository) UpdateEntity(ctx context.Context, e *models.SyncableEntity) error {
	query := `
	UPDATE entities SET remote_id = ?, scope_id = ?, version = ?, is_synced = ?, synced_at = ?,
		is_deleted = ?, fields = ?, updated_at = ?
	WHERE local_id = ?`
	res, err := r.q().ExecContext(ctx, query, nullString(e.RemoteID), e.ScopeID, e.Version, e.IsSynced,
		nullInt64(e.SyncedAt), e.IsDeleted, fieldsText(e.Fields), e.UpdatedAt, e.LocalID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "update entity", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("entity", e.LocalID)
	}
	return nil
}

// DeleteEntity removes an entity row.
func (r *Repository) DeleteEntity(ctx context.Context, id models.UUID) error {
	if _, err := r.q().ExecContext(ctx, `DELETE FROM entities WHERE local_id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete entity", err)
	}
	return nil
}

// MarkEntitySynced records a push acknowledgement. The remote id is only set
// once; later acknowledgements cannot change it.
func (r *Repository) MarkEntitySynced(ctx context.Context, ack SyncAck) error {
	query := `
	UPDATE entities SET
		remote_id = COALESCE(remote_id, NULLIF(?, '')),
		version = ?,
		synced_at = ?,
		is_synced = CASE WHEN EXISTS (SELECT 1 FROM sync_queue WHERE entity_id = entities.local_id)
			THEN 0 ELSE 1 END
	WHERE local_id = ?`
	res, err := r.q().ExecContext(ctx, query, ack.RemoteID, ack.Version, ack.SyncedAt, ack.LocalID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark entity synced", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("entity", ack.LocalID)
	}
	return nil
}

// ApplyServerState overwrites a synced entity with a newer server version in a
// single conditional statement, so a local edit committed concurrently is never lost.
func (r *Repository) ApplyServerState(ctx context.Context, e *models.SyncableEntity) (bool, error) {
	query := `
	UPDATE entities SET fields = ?, scope_id = ?, version = ?, is_deleted = 0, synced_at = ?, updated_at = ?
	WHERE local_id = ? AND is_synced = 1 AND version < ?
		AND NOT EXISTS (SELECT 1 FROM sync_queue WHERE entity_id = entities.local_id)`
	res, err := r.q().ExecContext(ctx, query, fieldsText(e.Fields), e.ScopeID, e.Version,
		nullInt64(e.SyncedAt), e.UpdatedAt, e.LocalID, e.Version)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "apply server state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "apply server state", err)
	}
	return n > 0, nil
}

// =====================================================
// Sync Queue Operations
// =====================================================

const queueColumns = `id, entity_type, entity_id, action, payload, attempts, status,
	last_attempt_at, last_error, created_at`

func scanQueueItem(row rowScanner) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	var payload string
	var lastAttempt sql.NullInt64
	if err := row.Scan(&item.ID, &item.EntityType, &item.EntityID, &item.Action, &payload,
		&item.Attempts, &item.Status, &lastAttempt, &item.LastError, &item.CreatedAt); err != nil {
		return nil, err
	}
	item.Payload = []byte(payload)
	item.LastAttemptAt = int64Ptr(lastAttempt)
	return &item, nil
}

// EnqueueItem appends an item and assigns its sequence id.
func (r *Repository) EnqueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	if item.Status == "" {
		item.Status = models.QueueStatusPending
	}
	stmt, err := r.PrepareStmt(ctx, `
	INSERT INTO sync_queue (entity_type, entity_id, action, payload, attempts, status, last_error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, item.EntityType, item.EntityID, string(item.Action),
		fieldsText(item.Payload), item.Attempts, string(item.Status), item.LastError, item.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "enqueue item", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "enqueue item id", err)
	}
	item.ID = id
	return nil
}

// GetQueueItem retrieves a queue item by id.
func (r *Repository) GetQueueItem(ctx context.Context, id int64) (*models.SyncQueueItem, error) {
	item, err := scanQueueItem(r.q().QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("queue item", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get queue item", err)
	}
	return item, nil
}

// ListQueueItems returns items in FIFO order.
func (r *Repository) ListQueueItems(ctx context.Context, f QueueFilter) ([]*models.SyncQueueItem, error) {
	where, args := f.builder().Where()
	query := `SELECT ` + queueColumns + ` FROM sync_queue` + where
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list queue items", err)
	}
	defer rows.Close()

	var out []*models.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan queue item", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// DeleteQueueItem removes one item.
func (r *Repository) DeleteQueueItem(ctx context.Context, id int64) error {
	stmt, err := r.PrepareStmt(ctx, `DELETE FROM sync_queue WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete queue item", err)
	}
	return nil
}

// DeleteQueueItemsForEntity removes every item for an entity.
func (r *Repository) DeleteQueueItemsForEntity(ctx context.Context, entityID models.UUID) (int64, error) {
	res, err := r.q().ExecContext(ctx, `DELETE FROM sync_queue WHERE entity_id = ?`, entityID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "delete entity queue items", err)
	}
	return res.RowsAffected()
}

// ReassignQueueItems moves every item of one entity to another, keeping order.
func (r *Repository) ReassignQueueItems(ctx context.Context, from, to models.UUID) (int64, error) {
	res, err := r.q().ExecContext(ctx, `UPDATE sync_queue SET entity_id = ? WHERE entity_id = ?`, to, from)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "reassign queue items", err)
	}
	return res.RowsAffected()
}

// RecordQueueFailure increments attempts and parks the item once attempts reach maxAttempts.
// maxAttempts <= 0 never dead-letters.
func (r *Repository) RecordQueueFailure(ctx context.Context, id int64, msg string, at int64, maxAttempts int) (*models.SyncQueueItem, error) {
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}
	query := `
	UPDATE sync_queue SET
		attempts = attempts + 1,
		last_error = ?,
		last_attempt_at = ?,
		status = CASE WHEN attempts + 1 >= ? THEN 'dead_letter' ELSE status END
	WHERE id = ?`
	res, err := r.q().ExecContext(ctx, query, msg, at, maxAttempts, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "record queue failure", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound("queue item", id)
	}
	return r.GetQueueItem(ctx, id)
}

// CountQueueItems counts items with the given status, or all when empty.
func (r *Repository) CountQueueItems(ctx context.Context, status models.QueueStatus) (int, error) {
	var n int
	var err error
	if status == "" {
		err = r.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n)
	} else {
		err = r.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status = ?`, string(status)).Scan(&n)
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count queue items", err)
	}
	return n, nil
}

// requeueQuery returns items to pending. Create and update items take the
// entity's current fields so a parked snapshot never overwrites a later push.
const requeueQuery = `
	UPDATE sync_queue SET
		status = 'pending',
		attempts = 0,
		payload = CASE WHEN action = 'delete' THEN payload
			ELSE COALESCE((SELECT fields FROM entities WHERE local_id = sync_queue.entity_id), payload) END`

// RequeueItem returns a dead-lettered item to pending with zero attempts.
func (r *Repository) RequeueItem(ctx context.Context, id int64) error {
	res, err := r.q().ExecContext(ctx, requeueQuery+` WHERE id = ? AND status = 'dead_letter'`, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "requeue item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("dead letter", id)
	}
	return nil
}

// RequeueAll returns every dead-lettered item to pending.
func (r *Repository) RequeueAll(ctx context.Context) (int64, error) {
	res, err := r.q().ExecContext(ctx, requeueQuery+` WHERE status = 'dead_letter'`)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "requeue all", err)
	}
	return res.RowsAffected()
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	query := `
	INSERT INTO conflict_log (id, entity_type, entity_id, local_version, server_version,
		local_timestamp, remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q().ExecContext(ctx, query, log.ID, log.EntityType, log.EntityID, log.LocalVersion,
		log.ServerVersion, log.LocalTimestamp, log.RemoteTimestamp, log.Resolution, log.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert conflict log", err)
	}
	return nil
}

// ListConflictLogs returns the newest entries first.
func (r *Repository) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q().QueryContext(ctx, `
	SELECT id, entity_type, entity_id, local_version, server_version,
		local_timestamp, remote_timestamp, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list conflict logs", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.LocalVersion, &c.ServerVersion,
			&c.LocalTimestamp, &c.RemoteTimestamp, &c.Resolution, &c.DetectedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan conflict log", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
