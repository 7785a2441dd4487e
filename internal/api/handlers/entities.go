package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/adjudicator/pkg/models"
)

// defaultBatchLimit caps process-pending runs without an explicit limit.
const defaultBatchLimit = 20

// ══════════════════════════════════════════════════════════════
// ── Entity Handlers ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateClaim(w http.ResponseWriter, r *http.Request) {
	var req models.Claim
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ClaimNumber == "" {
		respondError(w, http.StatusBadRequest, "claim_number is required")
		return
	}
	req.Status = models.EntityStatusPending

	if err := h.Store.CreateClaim(r.Context(), &req); err != nil {
		respondErr(w, err)
		return
	}

	log.Info().Str("claim_id", req.ID).Str("claim_number", req.ClaimNumber).Msg("Claim registered")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := h.Store.GetClaim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, claim)
}

func (h *Handlers) CreateTender(w http.ResponseWriter, r *http.Request) {
	var req models.Tender
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Reference == "" {
		respondError(w, http.StatusBadRequest, "reference is required")
		return
	}
	req.Status = models.EntityStatusPending

	if err := h.Store.CreateTender(r.Context(), &req); err != nil {
		respondErr(w, err)
		return
	}

	log.Info().Str("tender_id", req.ID).Str("reference", req.Reference).Msg("Tender registered")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetTender(w http.ResponseWriter, r *http.Request) {
	tender, err := h.Store.GetTender(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tender)
}

// ProcessEntity runs one entity of the given kind through the pipeline.
func (h *Handlers) ProcessEntity(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := h.Pipeline.Process(r.Context(), kind, chi.URLParam(r, "id"))
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, res)
	}
}

// ProcessPending processes the oldest pending entities of the given kind.
func (h *Handlers) ProcessPending(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := h.Pipeline.ProcessPending(r.Context(), kind, queryLimit(r, defaultBatchLimit))
		if err != nil {
			respondErr(w, err)
			return
		}

		summary := map[string]int{"processed": 0, "failed": 0, "skipped": 0}
		for _, it := range items {
			switch {
			case it.Skipped:
				summary["skipped"]++
			case it.Error != "":
				summary["failed"]++
			default:
				summary["processed"]++
			}
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"entity_kind": kind,
			"items":       items,
			"summary":     summary,
		})
	}
}

// GetDecision returns the current decision of an entity.
func (h *Handlers) GetDecision(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := h.Store.GetDecision(r.Context(), kind, chi.URLParam(r, "id"))
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, rec)
	}
}

// ListPIIDetections returns the PII audit trail of an entity. Original
// spans are never returned over the API.
func (h *Handlers) ListPIIDetections(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dets, err := h.Store.ListPIIDetections(r.Context(), kind, chi.URLParam(r, "id"))
		if err != nil {
			respondErr(w, err)
			return
		}
		if dets == nil {
			dets = []models.PIIDetection{}
		}
		for i := range dets {
			dets[i].Original = ""
		}
		respondJSON(w, http.StatusOK, dets)
	}
}
