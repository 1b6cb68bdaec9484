package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/caresync/internal/models"
	"github.com/kimhsiao/caresync/internal/sync"
	"github.com/kimhsiao/caresync/internal/sync/breaker"
	"github.com/kimhsiao/caresync/internal/sync/scheduler"
)

// SyncService is the engine surface the sync handlers use. *sync.Engine
// satisfies it.
type SyncService interface {
	sync.SyncEngineInterface
	DeadLetters(ctx context.Context) ([]*models.SyncQueueItem, error)
	Requeue(ctx context.Context, id int64) error
	RequeueAll(ctx context.Context) (int64, error)
	Purge(ctx context.Context, id int64) error
	Conflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error)
	Breakers() []breaker.Snapshot
	ResetBreakers()
}

var _ SyncService = (*sync.Engine)(nil)

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	engine    SyncService
	scheduler *scheduler.Scheduler
}

// NewSyncHandler creates a new SyncHandler. sched may be nil, in which case
// triggers run synchronously.
func NewSyncHandler(engine SyncService, sched *scheduler.Scheduler) *SyncHandler {
	return &SyncHandler{engine: engine, scheduler: sched}
}

// StatusResponse is the body of GET /api/sync/status.
type StatusResponse struct {
	*sync.StatusReport
	Scheduler *scheduler.SchedulerStatus `json:"scheduler,omitempty"`
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Report(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	resp := StatusResponse{StatusReport: report}
	if h.scheduler != nil {
		st := h.scheduler.GetStatus(r.Context())
		resp.Scheduler = &st
	}
	respondJSON(w, http.StatusOK, resp)
}

// TriggerSync handles POST /api/sync/trigger
// ?group= limits the push to one sync routine. Without a group and with a
// scheduler the push runs in the background unless ?wait=true.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	group := r.URL.Query().Get("group")
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	if group != "" {
		result, err := h.engine.SyncGroup(ctx, models.SyncGroup(group))
		if err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
		return
	}

	if h.scheduler != nil && !wait {
		started := h.scheduler.TriggerSync(ctx)
		status := http.StatusAccepted
		if !started {
			status = http.StatusConflict
		}
		respondJSON(w, status, map[string]bool{"started": started})
		return
	}

	var (
		result *sync.SyncResult
		err    error
	)
	if h.scheduler != nil {
		result, err = h.scheduler.SyncNow(ctx)
	} else {
		result, err = h.engine.SyncPending(ctx)
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// PullRequest is the body of POST /api/sync/pull. An empty entity type pulls
// every type for the scope.
type PullRequest struct {
	EntityType string `json:"entity_type"`
	ScopeID    string `json:"scope_id"`
}

// Pull handles POST /api/sync/pull
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "Invalid request body")
		return
	}

	if req.EntityType == "" {
		results, err := h.engine.PullAll(r.Context(), req.ScopeID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
		return
	}

	t, err := models.ParseEntityType(req.EntityType)
	if err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	result, err := h.engine.Pull(r.Context(), sync.Scope{EntityType: t, ScopeID: req.ScopeID})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": []*sync.PullResult{result}})
}

// ListDeadLetters handles GET /api/sync/dead-letters
func (h *SyncHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.DeadLetters(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if items == nil {
		items = []*models.SyncQueueItem{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

// RequeueDeadLetter handles POST /api/sync/dead-letters/{id}/requeue
func (h *SyncHandler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	if err := h.engine.Requeue(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"requeued": id})
}

// RequeueAllDeadLetters handles POST /api/sync/dead-letters/requeue
func (h *SyncHandler) RequeueAllDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.RequeueAll(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"requeued": n})
}

// PurgeDeadLetter handles DELETE /api/sync/dead-letters/{id}
func (h *SyncHandler) PurgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	if err := h.engine.Purge(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListConflicts handles GET /api/sync/conflicts?limit=
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	logs, err := h.engine.Conflicts(r.Context(), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*models.ConflictLog{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"conflicts": logs})
}

// ResetBreakers handles POST /api/sync/breakers/reset
func (h *SyncHandler) ResetBreakers(w http.ResponseWriter, r *http.Request) {
	h.engine.ResetBreakers()
	respondJSON(w, http.StatusOK, map[string]interface{}{"breakers": h.engine.Breakers()})
}

func itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondBadRequest(w, "id must be a positive integer")
		return 0, false
	}
	return id, true
}
