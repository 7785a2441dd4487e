// Package handlers implements the HTTP handlers of the adjudicator: entity
// processing, conversation sessions and the stateless text utilities.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/agentoven/adjudicator/internal/capability"
	"github.com/agentoven/adjudicator/internal/conversation"
	"github.com/agentoven/adjudicator/internal/guardrails"
	"github.com/agentoven/adjudicator/internal/intent"
	"github.com/agentoven/adjudicator/internal/processor"
	"github.com/agentoven/adjudicator/internal/sanitize"
	"github.com/agentoven/adjudicator/internal/sessions"
	"github.com/agentoven/adjudicator/internal/store"
	"github.com/agentoven/adjudicator/internal/upstream"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store         store.Store
	Pipeline      *processor.Pipeline
	Sessions      *sessions.Manager
	Conversations *conversation.Service
	Intents       *intent.Router
	Capabilities  *capability.Registry
	Redactor      *guardrails.Redactor
	Sanitizer     *sanitize.Sanitizer
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, p *processor.Pipeline, mgr *sessions.Manager, conv *conversation.Service, router *intent.Router, caps *capability.Registry) *Handlers {
	return &Handlers{
		Store:         s,
		Pipeline:      p,
		Sessions:      mgr,
		Conversations: conv,
		Intents:       router,
		Capabilities:  caps,
		Redactor:      guardrails.NewRedactor(),
		Sanitizer:     sanitize.New(),
	}
}

// Health reports liveness and store reachability.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		log.Warn().Err(err).Msg("Health check: store unreachable")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "degraded",
			"service": "adjudicator",
			"store":   err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "adjudicator",
	})
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps domain errors onto HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	var upErr *upstream.UpstreamError
	switch {
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyProcessing), errors.Is(err, sessions.ErrLockAcquire):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, processor.ErrUnknownKind):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &upErr):
		respondError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, upstream.ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, err.Error())
	default:
		log.Error().Err(err).Msg("Unhandled request error")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody decodes a JSON body. An empty body is allowed when optional.
func decodeBody(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryLimit(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
