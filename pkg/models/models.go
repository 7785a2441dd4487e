package models

import (
	"strings"
	"time"
)

// ── Business Entities ────────────────────────────────────────

// EntityKind identifies which business workflow an entity belongs to.
type EntityKind string

const (
	EntityClaim  EntityKind = "claim"
	EntityTender EntityKind = "tender"
)

// ParseEntityKind accepts singular and plural forms ("claims", "tender").
func ParseEntityKind(s string) (EntityKind, bool) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s") {
	case "claim":
		return EntityClaim, true
	case "tender":
		return EntityTender, true
	}
	return "", false
}

// EntityStatus tracks the processing lifecycle of a claim or tender.
type EntityStatus string

const (
	EntityStatusPending    EntityStatus = "pending"
	EntityStatusProcessing EntityStatus = "processing"
	EntityStatusCompleted  EntityStatus = "completed"
	EntityStatusFailed     EntityStatus = "failed"
)

// Claim is an insurance claim awaiting adjudication.
type Claim struct {
	ID           string       `json:"id"`
	ClaimNumber  string       `json:"claim_number"`
	PolicyNumber string       `json:"policy_number"`
	ClaimantName string       `json:"claimant_name"`
	ClaimType    string       `json:"claim_type"`
	Description  string       `json:"description"`
	Amount       float64      `json:"amount"`
	IncidentDate string       `json:"incident_date,omitempty"`
	DocumentIDs  []string     `json:"document_ids,omitempty"`
	Status       EntityStatus `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Tender is a call for tenders awaiting a go/no-go analysis.
type Tender struct {
	ID          string       `json:"id"`
	Reference   string       `json:"reference"`
	Title       string       `json:"title"`
	Buyer       string       `json:"buyer"`
	Description string       `json:"description"`
	Budget      float64      `json:"budget"`
	Deadline    string       `json:"deadline,omitempty"`
	DocumentIDs []string     `json:"document_ids,omitempty"`
	Status      EntityStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ── Decisions ────────────────────────────────────────────────

// Recommendation is the business outcome of an adjudication or go/no-go run.
type Recommendation string

const (
	RecommendApprove       Recommendation = "approve"
	RecommendDeny          Recommendation = "deny"
	RecommendManualReview  Recommendation = "manual_review"
	RecommendGo            Recommendation = "go"
	RecommendNoGo          Recommendation = "no_go"
	RecommendNeedsMoreInfo Recommendation = "needs_more_info"
)

// Decision is the canonical structured outcome extracted from a turn.
// Recommendation is never empty and Confidence is always within [0,1].
type Decision struct {
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	Reasoning      string         `json:"reasoning"`
	Evidence       map[string]any `json:"evidence"`
}

// DecisionRecord is a persisted decision for a business entity.
type DecisionRecord struct {
	ID                string     `json:"id"`
	EntityKind        EntityKind `json:"entity_kind"`
	EntityID          string     `json:"entity_id"`
	Decision          Decision   `json:"decision"`
	ReasoningOriginal string     `json:"-"`
	DisplayText       string     `json:"display_text,omitempty"`
	Degraded          bool       `json:"degraded"`
	Usage             TokenUsage `json:"usage"`
	CreatedAt         time.Time  `json:"created_at"`
}

// ── Turn Protocol ────────────────────────────────────────────

// CapabilityDescriptor binds a capability name to the endpoint group hosting it.
type CapabilityDescriptor struct {
	Name     string `json:"name" yaml:"name"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// EndpointGroup is a logical backend hosting one or more capabilities.
type EndpointGroup struct {
	Label string `json:"label" yaml:"label"`
	URL   string `json:"url" yaml:"url"`
}

// EndpointGroupManifest is one manifest entry sent upstream: an endpoint
// group and the subset of its capabilities allowed for the turn.
type EndpointGroupManifest struct {
	ServerLabel string   `json:"server_label"`
	ServerURL   string   `json:"server_url"`
	Type        string   `json:"type"`
	Allowed     []string `json:"allowed"`
}

// Message is one input item of a turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnRequest describes one exchange with the upstream conversation API.
// When ContinuationToken is set the upstream rebuilds prior history itself;
// Input then only carries the new message(s).
type TurnRequest struct {
	Model             string                  `json:"model"`
	Instructions      string                  `json:"instructions,omitempty"`
	Input             []Message               `json:"input"`
	Manifest          []EndpointGroupManifest `json:"manifest,omitempty"`
	ContinuationToken string                  `json:"continuation_token,omitempty"`
	MaxToolIterations int                     `json:"max_tool_iterations"`
	MaxOutputTokens   int                     `json:"max_output_tokens"`
}

// InvocationRecord is one capability call performed upstream during a turn.
// Output and Error are mutually exclusive.
type InvocationRecord struct {
	Name      string `json:"name"`
	Endpoint  string `json:"endpoint"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Text      string `json:"text,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

// Failed reports whether the invocation returned an error.
func (r InvocationRecord) Failed() bool { return r.Error != "" }

// TokenUsage counts tokens consumed by one or more turns.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add returns the sum of two usage counters.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
	}
}

// TurnResult is the canonical result of a turn.
type TurnResult struct {
	ContinuationToken string             `json:"continuation_token,omitempty"`
	Text              string             `json:"text"`
	Invocations       []InvocationRecord `json:"invocations"`
	Usage             TokenUsage         `json:"usage"`
}

// ── Conversation Sessions ────────────────────────────────────

// Session metadata keys persisted alongside the session row.
const (
	MetaLastContinuationToken = "last_continuation_token"
	MetaInstructionOverride   = "custom_instructions_override"
)

// ConversationSession is the long-lived owner of a continuation token.
type ConversationSession struct {
	ID                string         `json:"id"`
	AgentID           string         `json:"agent_id,omitempty"`
	ContinuationToken string         `json:"continuation_token,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// InstructionOverride returns the custom instructions set on the session, if any.
func (s *ConversationSession) InstructionOverride() string {
	if s.Metadata == nil {
		return ""
	}
	v, _ := s.Metadata[MetaInstructionOverride].(string)
	return strings.TrimSpace(v)
}

// ConversationTurn is one persisted user/assistant exchange of a session.
type ConversationTurn struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Sequence    int64      `json:"sequence"`
	AgentID     string     `json:"agent_id,omitempty"`
	Intent      string     `json:"intent"`
	UserMessage string     `json:"user_message"`
	Response    string     `json:"response"`
	Retried     bool       `json:"retried"`
	Usage       TokenUsage `json:"usage"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ── PII ──────────────────────────────────────────────────────

// PIIType classifies a detected personally identifying span.
type PIIType string

const (
	PIIEmail      PIIType = "email"
	PIIPhone      PIIType = "phone"
	PIIDate       PIIType = "date"
	PIINationalID PIIType = "national_id"
	PIICreditCard PIIType = "credit_card"
	PIIName       PIIType = "name"
)

// PIIDetection is an append-only audit record of one redaction.
type PIIDetection struct {
	ID         string     `json:"id"`
	EntityKind EntityKind `json:"entity_kind,omitempty"`
	EntityID   string     `json:"entity_id,omitempty"`
	DecisionID string     `json:"decision_id,omitempty"`
	Field      string     `json:"field"`
	Type       PIIType    `json:"pii_type"`
	Original   string     `json:"original,omitempty"`
	Redacted   string     `json:"redacted"`
	Confidence float64    `json:"confidence"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RedactionMode controls whether unredacted text is kept next to the redacted copy.
type RedactionMode string

const (
	RedactionDualStore  RedactionMode = "dual_store"
	RedactionRedactOnly RedactionMode = "redact_only"
)
