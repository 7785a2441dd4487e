package handlers

import (
	"net/http"

	"github.com/agentoven/adjudicator/internal/decision"
	"github.com/agentoven/adjudicator/internal/sanitize"
	"github.com/agentoven/adjudicator/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Text Utilities ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type textRequest struct {
	Text string `json:"text"`
}

func (h *Handlers) Classify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
		AgentID string `json:"agent_id"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	respondJSON(w, http.StatusOK, h.Intents.Classify(req.Message, req.AgentID))
}

// Redact masks PII in a text. The response reports each detection without
// its original span.
func (h *Handlers) Redact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text  string `json:"text"`
		Field string `json:"field"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Field == "" {
		req.Field = "text"
	}

	out, dets := h.Redactor.RedactAudited(req.Field, req.Text)
	if dets == nil {
		dets = []models.PIIDetection{}
	}
	for i := range dets {
		dets[i].Original = ""
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"text":       out,
		"detections": dets,
	})
}

func (h *Handlers) ExtractDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text   string `json:"text"`
		Domain string `json:"domain"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	kind, ok := parseDomain(req.Domain)
	if !ok {
		respondError(w, http.StatusBadRequest, "domain must be claim or tender")
		return
	}

	dec, strategy := decision.NewExtractor(decision.DomainFor(kind)).ParseWithStrategy(req.Text)
	respondJSON(w, http.StatusOK, map[string]any{
		"decision": dec,
		"strategy": strategy,
	})
}

func (h *Handlers) Sanitize(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	found := sanitize.FindLiteralInvocations(req.Text)
	if found == nil {
		found = []sanitize.LiteralInvocation{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"text":                h.Sanitizer.Sanitize(req.Text),
		"literal_invocations": found,
	})
}

// Manifest builds the capability manifest for a set of capability names.
func (h *Handlers) Manifest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	manifest := h.Capabilities.BuildManifest(req.Capabilities)
	if manifest == nil {
		manifest = []models.EndpointGroupManifest{}
	}
	respondJSON(w, http.StatusOK, manifest)
}

func (h *Handlers) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Capabilities.Names())
}

func parseDomain(v string) (models.EntityKind, bool) {
	switch v {
	case "", "claim", "claims":
		return models.EntityClaim, true
	case "tender", "tenders":
		return models.EntityTender, true
	}
	return "", false
}
