// Package server exposes import, queue and dispatch operations over HTTP.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/homenest/nous/internal/config"
	"github.com/homenest/nous/internal/dispatch"
	"github.com/homenest/nous/internal/ingest"
	"github.com/homenest/nous/internal/monitoring"
	"github.com/homenest/nous/internal/queue"
	"github.com/homenest/nous/internal/store"
)

// Deps are the services the API calls into.
type Deps struct {
	Store      store.Store
	Importer   *ingest.Importer
	Builder    *queue.Builder
	Dispatcher *dispatch.Dispatcher
	Metrics    *monitoring.Metrics

	Server config.ServerConfig
	Import config.ImportConfig
	// WebhookSecret verifies workflow result callbacks. Empty disables
	// verification.
	WebhookSecret string
}

// Server is the HTTP API.
type Server struct {
	deps Deps
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Server.MaxUploadMB <= 0 {
		deps.Server.MaxUploadMB = 20
	}
	return &Server{deps: deps}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.deps.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Minute))

		r.Post("/import/preview", s.handleImportPreview)
		r.Post("/import", s.handleImport)

		r.Route("/queues/{channel}/{number}", func(r chi.Router) {
			r.Get("/", s.handleQueueStatus)
			r.Delete("/", s.handleQueueClear)
			r.Post("/items", s.handleQueueBuild)
			r.Post("/start", s.handleQueueStart)
			r.Post("/pause", s.handleQueuePause)
			r.Post("/resume", s.handleQueueResume)
		})

		r.Post("/calls/sync", s.handleCallSync)
		r.Post("/retries/sweep", s.handleRetrySweep)
	})

	r.Post("/webhooks/email-results", s.handleEmailResults)
	return r
}
