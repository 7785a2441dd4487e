// Package store provides the storage interface and implementations for the
// adjudicator: business entities, decisions, the PII audit trail and
// conversation sessions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentoven/adjudicator/pkg/models"
)

// Store is the primary storage interface.
// All handler code depends on this interface, making it easy to swap
// between in-memory (tests) and SQL (production) implementations.
type Store interface {
	EntityStore
	DecisionStore
	PIIStore
	SessionStore
	RetentionStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// ── Entity Store ────────────────────────────────────────────

// EntityStore manages claims and tenders and their processing status.
type EntityStore interface {
	CreateClaim(ctx context.Context, claim *models.Claim) error
	GetClaim(ctx context.Context, id string) (*models.Claim, error)
	CreateTender(ctx context.Context, tender *models.Tender) error
	GetTender(ctx context.Context, id string) (*models.Tender, error)

	// FetchEntityContext returns the structured context handed to the upstream.
	FetchEntityContext(ctx context.Context, kind models.EntityKind, id string) (map[string]any, error)

	// ClaimForProcessing atomically moves an entity to "processing". It
	// returns ErrAlreadyProcessing when another run holds the entity.
	ClaimForProcessing(ctx context.Context, kind models.EntityKind, id string) error

	// MarkStatus sets the processing status of an entity.
	MarkStatus(ctx context.Context, kind models.EntityKind, id string, status models.EntityStatus) error

	// ListPending returns ids of pending entities, oldest first.
	ListPending(ctx context.Context, kind models.EntityKind, limit int) ([]string, error)
}

// ── Decision Store ──────────────────────────────────────────

// DecisionStore keeps one decision per entity; saving supersedes.
type DecisionStore interface {
	// SaveDecision replaces the entity's decision and appends the run's PII
	// detections, tagged with the new decision id, in one atomic write.
	SaveDecision(ctx context.Context, rec *models.DecisionRecord, detections []models.PIIDetection) error
	GetDecision(ctx context.Context, kind models.EntityKind, entityID string) (*models.DecisionRecord, error)
}

// ── PII Store ───────────────────────────────────────────────

// PIIStore is the append-only PII detection audit trail.
type PIIStore interface {
	RecordPIIDetections(ctx context.Context, detections []models.PIIDetection) error

	// ListPIIDetections returns the detections of the entity's current
	// decision. Rows of superseded runs stay in the trail but are not listed.
	ListPIIDetections(ctx context.Context, kind models.EntityKind, entityID string) ([]models.PIIDetection, error)
}

// ── Session Store ───────────────────────────────────────────

// SessionStore persists conversation sessions and their turn history.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.ConversationSession) error
	GetSession(ctx context.Context, id string) (*models.ConversationSession, error)
	UpdateSession(ctx context.Context, session *models.ConversationSession) error

	// DeleteSession removes the session and its turns.
	DeleteSession(ctx context.Context, id string) error

	// AppendTurn stores a turn, assigning the next sequence number.
	AppendTurn(ctx context.Context, turn *models.ConversationTurn) error

	// RecordTurn updates the session and appends turn to it as one write.
	// When it fails neither change is visible.
	RecordTurn(ctx context.Context, session *models.ConversationSession, turn *models.ConversationTurn) error

	// ListTurns returns turns in sequence order; limit <= 0 returns all.
	ListTurns(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error)
}

// ── Retention Store ─────────────────────────────────────────

// RetentionStore exposes the aged data the retention janitor sweeps.
type RetentionStore interface {
	// ListIdleSessions returns ids of sessions not updated since before,
	// least recently updated first; limit <= 0 returns all.
	ListIdleSessions(ctx context.Context, before time.Time, limit int) ([]string, error)

	// ListPIIOriginals returns detections created before the cutoff that
	// still hold their original span, oldest first.
	ListPIIOriginals(ctx context.Context, before time.Time, limit int) ([]models.PIIDetection, error)

	// ClearPIIOriginals blanks the original span of the given detections and
	// returns how many changed.
	ClearPIIOriginals(ctx context.Context, ids []string) (int64, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrAlreadyProcessing is returned when an entity is already being processed.
var ErrAlreadyProcessing = errors.New("entity is already being processed")

// IsNotFound reports whether err is an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ClaimContext flattens a claim into the map handed to the upstream.
func ClaimContext(c *models.Claim) map[string]any {
	return map[string]any{
		"entity_type":   string(models.EntityClaim),
		"id":            c.ID,
		"claim_number":  c.ClaimNumber,
		"policy_number": c.PolicyNumber,
		"claimant_name": c.ClaimantName,
		"claim_type":    c.ClaimType,
		"description":   c.Description,
		"amount":        c.Amount,
		"incident_date": c.IncidentDate,
		"document_ids":  append([]string{}, c.DocumentIDs...),
		"status":        string(c.Status),
	}
}

// TenderContext flattens a tender into the map handed to the upstream.
func TenderContext(t *models.Tender) map[string]any {
	return map[string]any{
		"entity_type":  string(models.EntityTender),
		"id":           t.ID,
		"reference":    t.Reference,
		"title":        t.Title,
		"buyer":        t.Buyer,
		"description":  t.Description,
		"budget":       t.Budget,
		"deadline":     t.Deadline,
		"document_ids": append([]string{}, t.DocumentIDs...),
		"status":       string(t.Status),
	}
}
