package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/adjudicator/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Session Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string `json:"agent_id"`
		Instructions string `json:"instructions"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AgentID != "" {
		if _, ok := h.Intents.Registry().Get(req.AgentID); !ok {
			respondError(w, http.StatusBadRequest, "unknown agent: "+req.AgentID)
			return
		}
	}

	sess, err := h.Sessions.Start(r.Context(), req.AgentID, req.Instructions)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Sessions.Delete(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "session_id": id})
}

// SetInstructions replaces the session's instruction override; an empty
// text clears it.
func (h *Handlers) SetInstructions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instructions string `json:"instructions"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sess, err := h.Sessions.SetInstructionOverride(r.Context(), chi.URLParam(r, "id"), req.Instructions)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := h.Conversations.Send(r.Context(), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

func (h *Handlers) ListTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turns, err := h.Sessions.History(r.Context(), id, queryLimit(r, 0))
	if err != nil {
		respondErr(w, err)
		return
	}
	if turns == nil {
		turns = []models.ConversationTurn{}
	}
	log.Debug().Str("session_id", id).Int("turns", len(turns)).Msg("Session history served")
	respondJSON(w, http.StatusOK, turns)
}
