package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentoven/adjudicator/internal/capability"
	"github.com/agentoven/adjudicator/internal/decision"
	"github.com/agentoven/adjudicator/internal/intent"
	"github.com/agentoven/adjudicator/pkg/contracts"
	"github.com/agentoven/adjudicator/pkg/models"
)

// TurnConfig holds the per-turn limits sent upstream.
type TurnConfig struct {
	Model             string
	MaxToolIterations int
	MaxOutputTokens   int
}

// EntityProcessor is the per-kind half of the pipeline: it knows how to
// fetch an entity, phrase the turn for it, read its recommendation and
// store its decision. One is selected per request.
type EntityProcessor interface {
	Kind() models.EntityKind
	Fetch(ctx context.Context, id string) (map[string]any, error)
	BuildTurn(id string, entity map[string]any) *models.TurnRequest
	Extractor() *decision.Extractor
	MapRecommendation(raw string) models.Recommendation
	Persist(ctx context.Context, rec *models.DecisionRecord, detections []models.PIIDetection) error
}

// Collaborators are the narrow interfaces an EntityProcessor depends on.
type Collaborators struct {
	Fetcher   contracts.EntityContextFetcher
	Persister contracts.DecisionPersister
	Caps      *capability.Registry
	Turn      TurnConfig
}

// base holds what claim and tender processors share.
type base struct {
	kind      models.EntityKind
	deps      Collaborators
	agent     intent.Agent
	extractor *decision.Extractor
}

func newBase(kind models.EntityKind, deps Collaborators, agent intent.Agent) base {
	return base{
		kind:      kind,
		deps:      deps,
		agent:     agent,
		extractor: decision.NewExtractor(decision.DomainFor(kind)),
	}
}

func (b base) Kind() models.EntityKind { return b.kind }

func (b base) Extractor() *decision.Extractor { return b.extractor }

func (b base) MapRecommendation(raw string) models.Recommendation {
	return b.extractor.Domain().Normalize(raw)
}

func (b base) Fetch(ctx context.Context, id string) (map[string]any, error) {
	return b.deps.Fetcher.FetchEntityContext(ctx, b.kind, id)
}

func (b base) Persist(ctx context.Context, rec *models.DecisionRecord, detections []models.PIIDetection) error {
	return b.deps.Persister.SaveDecision(ctx, rec, detections)
}

// turn assembles the request around a kind-specific task line.
func (b base) turn(task string, entity map[string]any) *models.TurnRequest {
	var sb strings.Builder
	sb.WriteString(task)
	if raw, err := json.MarshalIndent(entity, "", "  "); err == nil {
		sb.WriteString("\n\nEntity context:\n")
		sb.Write(raw)
	}

	req := &models.TurnRequest{
		Model:             b.deps.Turn.Model,
		Instructions:      b.agent.Instructions,
		Input:             []models.Message{{Role: "user", Content: sb.String()}},
		MaxToolIterations: b.deps.Turn.MaxToolIterations,
		MaxOutputTokens:   b.deps.Turn.MaxOutputTokens,
	}
	if b.deps.Caps != nil {
		req.Manifest = b.deps.Caps.BuildManifest(b.agent.Capabilities)
	}
	return req
}

// ── Claims ──────────────────────────────────────────────────

// ClaimProcessor adjudicates insurance claims.
type ClaimProcessor struct{ base }

// NewClaimProcessor creates a ClaimProcessor driven by the given agent.
func NewClaimProcessor(deps Collaborators, agent intent.Agent) *ClaimProcessor {
	return &ClaimProcessor{newBase(models.EntityClaim, deps, agent)}
}

func (p *ClaimProcessor) BuildTurn(id string, entity map[string]any) *models.TurnRequest {
	task := fmt.Sprintf("Adjudicate claim %s", orDefault(entity["claim_number"], id))
	if policy := orDefault(entity["policy_number"], ""); policy != "" {
		task += " under policy " + policy
	}
	task += fmt.Sprintf(" (claim id %s). Review every attached document before recommending approve, deny or manual_review.", id)
	return p.turn(task, entity)
}

// ── Tenders ─────────────────────────────────────────────────

// TenderProcessor runs go/no-go analyses on calls for tenders.
type TenderProcessor struct{ base }

// NewTenderProcessor creates a TenderProcessor driven by the given agent.
func NewTenderProcessor(deps Collaborators, agent intent.Agent) *TenderProcessor {
	return &TenderProcessor{newBase(models.EntityTender, deps, agent)}
}

func (p *TenderProcessor) BuildTurn(id string, entity map[string]any) *models.TurnRequest {
	task := fmt.Sprintf("Analyze tender %s", orDefault(entity["reference"], id))
	if title := orDefault(entity["title"], ""); title != "" {
		task += ": " + title
	}
	task += fmt.Sprintf(" (tender id %s). Decide go, no_go or needs_more_info.", id)
	return p.turn(task, entity)
}

func orDefault(v any, fallback string) string {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}
