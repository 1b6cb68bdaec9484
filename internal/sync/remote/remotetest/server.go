// Package remotetest provides an in-memory record authority speaking the
// remote wire protocol, for tests and the development server.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/caresync/internal/sync/remote"
)

// Server is a versioned, idempotent record store. It is safe for concurrent use.
type Server struct {
	mu          sync.Mutex
	records     map[string]map[string]*remote.Record // collection -> id -> record
	idempotency map[string]string                    // collection/key -> id
	references  map[string]json.RawMessage
	nextID      int
	now         func() int64

	downStatus int
	failNext   int
	failStatus int
	failKeys   map[string]int
	requests   map[string]int

	router chi.Router
	ts     *httptest.Server
}

// New creates an empty authority.
func New() *Server {
	s := &Server{
		records:     make(map[string]map[string]*remote.Record),
		idempotency: make(map[string]string),
		references:  make(map[string]json.RawMessage),
		failKeys:    make(map[string]int),
		requests:    make(map[string]int),
		now:         func() int64 { return time.Now().Unix() },
	}

	r := chi.NewRouter()
	r.Use(s.faultMiddleware)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/reference/{kind}", s.handleReference)
	r.Route("/{collection}", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on a loopback port and returns the base URL.
func (s *Server) Start() string {
	s.ts = httptest.NewServer(s.router)
	return s.ts.URL
}

// URL returns the base URL of a started server.
func (s *Server) URL() string {
	if s.ts == nil {
		return ""
	}
	return s.ts.URL
}

// Close stops a started server.
func (s *Server) Close() {
	if s.ts != nil {
		s.ts.Close()
	}
}

// SetClock replaces the updated_at source.
func (s *Server) SetClock(now func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetDown makes every request, health included, answer 503 while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if down {
		s.downStatus = http.StatusServiceUnavailable
	} else {
		s.downStatus = 0
	}
}

// FailNext makes the next n record requests answer status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failStatus = status
}

// FailKey makes every request whose idempotency key or record id equals key
// answer status. A zero status clears it.
func (s *Server) FailKey(key string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failKeys, key)
		return
	}
	s.failKeys[key] = status
}

// Requests returns how many requests reached method on collection.
func (s *Server) Requests(method, collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+collection]
}

// Seed stores a record as if another client had created it. A zero version
// becomes 1.
func (s *Server) Seed(collection string, rec remote.Record) *remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = s.now()
	}
	cp := rec
	s.collection(collection)[rec.ID] = &cp
	return &cp
}

// ServerUpdate simulates an edit from another device, bumping the version.
func (s *Server) ServerUpdate(collection, id string, fields json.RawMessage) (*remote.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.collection(collection)[id]
	if !ok {
		return nil, fmt.Errorf("record %s/%s not found", collection, id)
	}
	rec.Fields = fields
	rec.Version++
	rec.UpdatedAt = s.now()
	cp := *rec
	return &cp, nil
}

// Record returns a copy of a stored record.
func (s *Server) Record(collection, id string) (*remote.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.collection(collection)[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Count returns the number of records in a collection.
func (s *Server) Count(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[collection])
}

// SetReference publishes a reference-data document.
func (s *Server) SetReference(kind string, doc json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.references[kind] = doc
}

func (s *Server) collection(name string) map[string]*remote.Record {
	c, ok := s.records[name]
	if !ok {
		c = make(map[string]*remote.Record)
		s.records[name] = c
	}
	return c
}

// newID must be called with mu held.
func (s *Server) newID() string {
	s.nextID++
	return fmt.Sprintf("srv-%06d", s.nextID)
}

// faultMiddleware counts requests and injects configured failures.
func (s *Server) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.downStatus != 0 {
			status := s.downStatus
			s.mu.Unlock()
			respondError(w, status, "service unavailable")
			return
		}
		if r.URL.Path == "/health" {
			s.mu.Unlock()
			next.ServeHTTP(w, r)
			return
		}

		s.requests[r.Method+" "+firstSegment(r.URL.Path)]++
		if s.failNext > 0 {
			s.failNext--
			status := s.failStatus
			s.mu.Unlock()
			respondError(w, status, "injected failure")
			return
		}
		for _, key := range []string{r.Header.Get(remote.IdempotencyHeader), lastSegment(r.URL.Path)} {
			if status, ok := s.failKeys[key]; ok && key != "" {
				s.mu.Unlock()
				respondError(w, status, "injected failure for "+key)
				return
			}
		}
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

type createBody struct {
	ScopeID string          `json:"scope_id"`
	Fields  json.RawMessage `json:"fields"`
}

type updateBody struct {
	Version int64           `json:"version"`
	Fields  json.RawMessage `json:"fields"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	var body createBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection(collection)

	key := r.Header.Get(remote.IdempotencyHeader)
	if key != "" {
		if id, ok := s.idempotency[collection+"/"+key]; ok {
			if rec, ok := c[id]; ok {
				respondJSON(w, http.StatusOK, rec)
				return
			}
		}
	}

	rec := &remote.Record{
		ID:        s.newID(),
		Version:   1,
		ScopeID:   body.ScopeID,
		LocalID:   key,
		Fields:    body.Fields,
		UpdatedAt: s.now(),
	}
	c[rec.ID] = rec
	if key != "" {
		s.idempotency[collection+"/"+key] = rec.ID
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	collection, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	var body updateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.collection(collection)[id]
	if !ok {
		respondError(w, http.StatusNotFound, "record not found")
		return
	}
	if rec.Version != body.Version {
		respondJSON(w, http.StatusConflict, rec)
		return
	}
	rec.Fields = body.Fields
	rec.Version++
	rec.UpdatedAt = s.now()
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "version is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection(collection)
	rec, ok := c[id]
	if !ok {
		respondError(w, http.StatusNotFound, "record not found")
		return
	}
	if rec.Version != version {
		respondJSON(w, http.StatusConflict, rec)
		return
	}
	delete(c, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	collection, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.collection(collection)[id]
	if !ok {
		respondError(w, http.StatusNotFound, "record not found")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	scope := r.URL.Query().Get("scope")

	s.mu.Lock()
	items := make([]*remote.Record, 0)
	for _, rec := range s.collection(collection) {
		if scope == "" || rec.ScopeID == scope {
			cp := *rec
			items = append(items, &cp)
		}
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	s.mu.Lock()
	doc, ok := s.references[kind]
	s.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, "reference not found")
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func firstSegment(path string) string {
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			return path[1:i]
		}
	}
	if len(path) > 0 {
		return path[1:]
	}
	return path
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
