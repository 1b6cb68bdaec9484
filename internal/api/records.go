package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/caresync/internal/cache"
	apperrors "github.com/kimhsiao/caresync/internal/errors"
	"github.com/kimhsiao/caresync/internal/models"
	"github.com/kimhsiao/caresync/internal/records"
)

// maxRecordBody bounds record payloads.
const maxRecordBody = 1 << 20

// RecordHandler handles local record mutations.
type RecordHandler struct {
	svc *records.Service
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(svc *records.Service) *RecordHandler {
	return &RecordHandler{svc: svc}
}

// RecordResponse pairs the sync envelope with the decoded record.
type RecordResponse struct {
	*models.SyncableEntity
	Decoded models.Record `json:"record,omitempty"`
}

func entityType(w http.ResponseWriter, r *http.Request) (models.EntityType, bool) {
	t, err := models.ParseEntityType(chi.URLParam(r, "type"))
	if err != nil {
		respondBadRequest(w, err.Error())
		return models.EntityUnknown, false
	}
	return t, true
}

func decodeRecord(w http.ResponseWriter, r *http.Request, t models.EntityType) (models.Record, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRecordBody))
	if err != nil {
		respondBadRequest(w, "Invalid request body")
		return nil, false
	}
	rec, err := records.Decode(t, body)
	if err != nil {
		respondError(w, r, err)
		return nil, false
	}
	return rec, true
}

// Create handles POST /api/records/{type}
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(w, r)
	if !ok {
		return
	}
	rec, ok := decodeRecord(w, r, t)
	if !ok {
		return
	}
	ent, err := h.svc.Create(r.Context(), rec)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, RecordResponse{SyncableEntity: ent, Decoded: rec})
}

// Update handles PUT /api/records/{type}/{id}
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(w, r)
	if !ok {
		return
	}
	rec, ok := decodeRecord(w, r, t)
	if !ok {
		return
	}
	ent, err := h.svc.Update(r.Context(), models.UUID(chi.URLParam(r, "id")), rec)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, RecordResponse{SyncableEntity: ent, Decoded: rec})
}

// Delete handles DELETE /api/records/{type}/{id}
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), models.UUID(chi.URLParam(r, "id"))); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Get handles GET /api/records/{type}/{id}
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	ent, rec, err := h.svc.Get(r.Context(), models.UUID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, RecordResponse{SyncableEntity: ent, Decoded: rec})
}

// List handles GET /api/records/{type}?scope=
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(w, r)
	if !ok {
		return
	}
	ents, err := h.svc.List(r.Context(), t, r.URL.Query().Get("scope"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if ents == nil {
		ents = []*models.SyncableEntity{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"records": ents, "count": len(ents)})
}

// ReferenceHandler serves cached reference data.
type ReferenceHandler struct {
	cache *cache.Cache
}

// NewReferenceHandler creates a new ReferenceHandler.
func NewReferenceHandler(c *cache.Cache) *ReferenceHandler {
	return &ReferenceHandler{cache: c}
}

// Get handles GET /api/reference/{kind}
func (h *ReferenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry, err := h.cache.Get(r.Context(), chi.URLParam(r, "kind"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if entry.Stale {
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	respondJSON(w, http.StatusOK, entry)
}

// Refresh handles POST /api/reference/{kind}/refresh
func (h *ReferenceHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	entry, err := h.cache.Refresh(r.Context(), chi.URLParam(r, "kind"))
	if err != nil {
		respondJSON(w, http.StatusBadGateway, ErrorResponse{Code: string(apperrors.ErrSyncFailed), Message: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, entry)
}
