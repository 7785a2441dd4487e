// Package api wires the HTTP routes of the adjudicator.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentoven/adjudicator/internal/api/handlers"
	"github.com/agentoven/adjudicator/internal/api/middleware"
	"github.com/agentoven/adjudicator/internal/config"
	"github.com/agentoven/adjudicator/pkg/models"
)

// NewRouter creates the HTTP router with all API routes. metrics may be nil.
func NewRouter(cfg *config.Config, h *handlers.Handlers, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	auth := middleware.NewAPIKeyAuth(cfg.APIKeys)

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware)
	r.Use(middleware.Logger)

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(cfg))
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Business entities
		r.Route("/claims", func(r chi.Router) {
			r.Post("/", h.CreateClaim)
			r.Post("/process-pending", h.ProcessPending(models.EntityClaim))
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetClaim)
				r.Post("/process", h.ProcessEntity(models.EntityClaim))
				r.Get("/decision", h.GetDecision(models.EntityClaim))
				r.Get("/pii", h.ListPIIDetections(models.EntityClaim))
			})
		})
		r.Route("/tenders", func(r chi.Router) {
			r.Post("/", h.CreateTender)
			r.Post("/process-pending", h.ProcessPending(models.EntityTender))
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetTender)
				r.Post("/process", h.ProcessEntity(models.EntityTender))
				r.Get("/decision", h.GetDecision(models.EntityTender))
				r.Get("/pii", h.ListPIIDetections(models.EntityTender))
			})
		})

		// Conversations
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.DeleteSession)
				r.Put("/instructions", h.SetInstructions)
				r.Post("/messages", h.SendMessage)
				r.Get("/turns", h.ListTurns)
			})
		})

		// Stateless utilities
		r.Post("/intent/classify", h.Classify)
		r.Route("/text", func(r chi.Router) {
			r.Post("/redact", h.Redact)
			r.Post("/decision", h.ExtractDecision)
			r.Post("/sanitize", h.Sanitize)
		})
		r.Route("/capabilities", func(r chi.Router) {
			r.Get("/", h.ListCapabilities)
			r.Post("/manifest", h.Manifest)
		})
	})

	return r
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "adjudicator",
		})
	}
}
