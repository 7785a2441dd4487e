// Package contracts defines the service interfaces of the adjudicator.
//
// The protocol layer only talks to its collaborators through these narrow
// interfaces: the upstream turn API, the entity context source and the
// decision sink. Concrete implementations are wired in pkg/server.
package contracts

import (
	"context"
	"time"

	"github.com/agentoven/adjudicator/internal/store"
	"github.com/agentoven/adjudicator/pkg/models"
)

// Store is a type alias for the internal Store interface.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Turn Executor ───────────────────────────────────────────

// TurnExecutor performs one request/response exchange with the upstream
// conversation API.
// Implementation: internal/upstream.Client
type TurnExecutor interface {
	// Execute returns upstream.ErrUpstreamUnavailable on transport failure or
	// timeout and *upstream.UpstreamError on a non-success status.
	Execute(ctx context.Context, req *models.TurnRequest) (*models.TurnResult, error)
}

// ── Entity Collaborators ────────────────────────────────────

// EntityContextFetcher returns the structured context of a business entity.
type EntityContextFetcher interface {
	FetchEntityContext(ctx context.Context, kind models.EntityKind, id string) (map[string]any, error)
}

// DecisionPersister stores the decision of a business entity together with
// the PII detections of that run, superseding any previous decision. Either
// both are written or neither is.
type DecisionPersister interface {
	SaveDecision(ctx context.Context, rec *models.DecisionRecord, detections []models.PIIDetection) error
}

// ── Metrics ─────────────────────────────────────────────────

// TurnObserver receives protocol-level events.
// Implementation: internal/metrics.Metrics
type TurnObserver interface {
	ObserveTurn(kind string, usage models.TokenUsage, latency time.Duration, err error)
	ObserveRetry(exhausted bool)
	ObserveDecision(kind models.EntityKind, rec models.Recommendation, strategy string)
	ObservePII(t models.PIIType)
}
