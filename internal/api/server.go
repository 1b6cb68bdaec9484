// Package api exposes the local sync status and control HTTP API.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/caresync/internal/cache"
	"github.com/kimhsiao/caresync/internal/logging"
	"github.com/kimhsiao/caresync/internal/metrics"
	"github.com/kimhsiao/caresync/internal/records"
	"github.com/kimhsiao/caresync/internal/sync/scheduler"
)

// Deps are the services behind the routes. Records and Cache may be nil, in
// which case their routes are not mounted.
type Deps struct {
	Engine    SyncService
	Scheduler *scheduler.Scheduler
	Records   *records.Service
	Cache     *cache.Cache
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handleHealth)

		syncHandler := NewSyncHandler(deps.Engine, deps.Scheduler)
		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", syncHandler.GetStatus)
			r.Post("/trigger", syncHandler.TriggerSync)
			r.Post("/pull", syncHandler.Pull)
			r.Get("/conflicts", syncHandler.ListConflicts)
			r.Post("/breakers/reset", syncHandler.ResetBreakers)

			r.Route("/dead-letters", func(r chi.Router) {
				r.Get("/", syncHandler.ListDeadLetters)
				r.Post("/requeue", syncHandler.RequeueAllDeadLetters)
				r.Post("/{id}/requeue", syncHandler.RequeueDeadLetter)
				r.Delete("/{id}", syncHandler.PurgeDeadLetter)
			})
		})

		if deps.Records != nil {
			recordHandler := NewRecordHandler(deps.Records)
			r.Route("/records/{type}", func(r chi.Router) {
				r.Get("/", recordHandler.List)
				r.Post("/", recordHandler.Create)
				r.Get("/{id}", recordHandler.Get)
				r.Put("/{id}", recordHandler.Update)
				r.Delete("/{id}", recordHandler.Delete)
			})
		}

		if deps.Cache != nil {
			refHandler := NewReferenceHandler(deps.Cache)
			r.Get("/reference/{kind}", refHandler.Get)
			r.Post("/reference/{kind}/refresh", refHandler.Refresh)
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

// Server wraps the HTTP server lifecycle.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      6 * time.Minute,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start serves until Stop is called. It returns nil after a graceful stop.
func (s *Server) Start() error {
	logging.Info("API server listening", map[string]interface{}{"addr": s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
