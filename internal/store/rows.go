package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agentoven/adjudicator/pkg/models"
)

type claimRow struct {
	ID           string    `gorm:"primaryKey;size:64"`
	ClaimNumber  string    `gorm:"size:191;index"`
	PolicyNumber string    `gorm:"size:191"`
	ClaimantName string    `gorm:"size:191"`
	ClaimType    string    `gorm:"size:64"`
	Description  string    `gorm:"type:text"`
	Amount       float64   `gorm:"not null;default:0"`
	IncidentDate string    `gorm:"size:32"`
	DocumentIDs  string    `gorm:"type:text"`
	Status       string    `gorm:"size:32;not null;index"`
	CreatedAt    time.Time `gorm:"not null;index"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (claimRow) TableName() string {
	return "claims"
}

func (r claimRow) toRecord() *models.Claim {
	return &models.Claim{
		ID:           r.ID,
		ClaimNumber:  r.ClaimNumber,
		PolicyNumber: r.PolicyNumber,
		ClaimantName: r.ClaimantName,
		ClaimType:    r.ClaimType,
		Description:  r.Description,
		Amount:       r.Amount,
		IncidentDate: r.IncidentDate,
		DocumentIDs:  decodeStrings(r.DocumentIDs),
		Status:       models.EntityStatus(r.Status),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func claimRowFromRecord(c *models.Claim) claimRow {
	return claimRow{
		ID:           c.ID,
		ClaimNumber:  c.ClaimNumber,
		PolicyNumber: c.PolicyNumber,
		ClaimantName: c.ClaimantName,
		ClaimType:    c.ClaimType,
		Description:  c.Description,
		Amount:       c.Amount,
		IncidentDate: c.IncidentDate,
		DocumentIDs:  encodeJSON(c.DocumentIDs),
		Status:       string(c.Status),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

type tenderRow struct {
	ID          string    `gorm:"primaryKey;size:64"`
	Reference   string    `gorm:"size:191;index"`
	Title       string    `gorm:"size:512"`
	Buyer       string    `gorm:"size:191"`
	Description string    `gorm:"type:text"`
	Budget      float64   `gorm:"not null;default:0"`
	Deadline    string    `gorm:"size:32"`
	DocumentIDs string    `gorm:"type:text"`
	Status      string    `gorm:"size:32;not null;index"`
	CreatedAt   time.Time `gorm:"not null;index"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (tenderRow) TableName() string {
	return "tenders"
}

func (r tenderRow) toRecord() *models.Tender {
	return &models.Tender{
		ID:          r.ID,
		Reference:   r.Reference,
		Title:       r.Title,
		Buyer:       r.Buyer,
		Description: r.Description,
		Budget:      r.Budget,
		Deadline:    r.Deadline,
		DocumentIDs: decodeStrings(r.DocumentIDs),
		Status:      models.EntityStatus(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func tenderRowFromRecord(t *models.Tender) tenderRow {
	return tenderRow{
		ID:          t.ID,
		Reference:   t.Reference,
		Title:       t.Title,
		Buyer:       t.Buyer,
		Description: t.Description,
		Budget:      t.Budget,
		Deadline:    t.Deadline,
		DocumentIDs: encodeJSON(t.DocumentIDs),
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

type decisionRow struct {
	ID                string    `gorm:"primaryKey;size:64"`
	EntityKind        string    `gorm:"size:32;not null;uniqueIndex:idx_decisions_entity,priority:1"`
	EntityID          string    `gorm:"size:64;not null;uniqueIndex:idx_decisions_entity,priority:2"`
	Recommendation    string    `gorm:"size:32;not null"`
	Confidence        float64   `gorm:"not null;default:0"`
	Reasoning         string    `gorm:"type:text"`
	ReasoningOriginal string    `gorm:"type:text"`
	EvidenceJSON      string    `gorm:"type:text"`
	DisplayText       string    `gorm:"type:text"`
	Degraded          bool      `gorm:"not null;default:false"`
	InputTokens       int64     `gorm:"not null;default:0"`
	OutputTokens      int64     `gorm:"not null;default:0"`
	TotalTokens       int64     `gorm:"not null;default:0"`
	CreatedAt         time.Time `gorm:"not null"`
}

func (decisionRow) TableName() string {
	return "decisions"
}

func (r decisionRow) toRecord() *models.DecisionRecord {
	evidence := map[string]any{}
	if r.EvidenceJSON != "" {
		_ = json.Unmarshal([]byte(r.EvidenceJSON), &evidence)
	}
	return &models.DecisionRecord{
		ID:         r.ID,
		EntityKind: models.EntityKind(r.EntityKind),
		EntityID:   r.EntityID,
		Decision: models.Decision{
			Recommendation: models.Recommendation(r.Recommendation),
			Confidence:     r.Confidence,
			Reasoning:      r.Reasoning,
			Evidence:       evidence,
		},
		ReasoningOriginal: r.ReasoningOriginal,
		DisplayText:       r.DisplayText,
		Degraded:          r.Degraded,
		Usage: models.TokenUsage{
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			TotalTokens:  r.TotalTokens,
		},
		CreatedAt: r.CreatedAt,
	}
}

func decisionRowFromRecord(rec *models.DecisionRecord) decisionRow {
	return decisionRow{
		ID:                rec.ID,
		EntityKind:        string(rec.EntityKind),
		EntityID:          rec.EntityID,
		Recommendation:    string(rec.Decision.Recommendation),
		Confidence:        rec.Decision.Confidence,
		Reasoning:         rec.Decision.Reasoning,
		ReasoningOriginal: rec.ReasoningOriginal,
		EvidenceJSON:      encodeJSON(rec.Decision.Evidence),
		DisplayText:       rec.DisplayText,
		Degraded:          rec.Degraded,
		InputTokens:       rec.Usage.InputTokens,
		OutputTokens:      rec.Usage.OutputTokens,
		TotalTokens:       rec.Usage.TotalTokens,
		CreatedAt:         rec.CreatedAt,
	}
}

type piiDetectionRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	EntityKind string    `gorm:"size:32;index:idx_pii_entity,priority:1"`
	EntityID   string    `gorm:"size:64;index:idx_pii_entity,priority:2"`
	DecisionID string    `gorm:"size:64;index"`
	Field      string    `gorm:"size:64;not null"`
	PIIType    string    `gorm:"size:32;not null"`
	Original   string    `gorm:"type:text"`
	Redacted   string    `gorm:"type:text;not null"`
	Confidence float64   `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

func (piiDetectionRow) TableName() string {
	return "pii_detections"
}

// piiRowsFromRecords fills in ids and timestamps and converts detections to
// rows tagged with decisionID when it is set.
func piiRowsFromRecords(detections []models.PIIDetection, decisionID string) []piiDetectionRow {
	now := time.Now().UTC()
	rows := make([]piiDetectionRow, 0, len(detections))
	for _, d := range detections {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		if decisionID != "" {
			d.DecisionID = decisionID
		}
		rows = append(rows, piiDetectionRow{
			ID:         d.ID,
			EntityKind: string(d.EntityKind),
			EntityID:   d.EntityID,
			DecisionID: d.DecisionID,
			Field:      d.Field,
			PIIType:    string(d.Type),
			Original:   d.Original,
			Redacted:   d.Redacted,
			Confidence: d.Confidence,
			CreatedAt:  d.CreatedAt,
		})
	}
	return rows
}

func (r piiDetectionRow) toRecord() models.PIIDetection {
	return models.PIIDetection{
		ID:         r.ID,
		EntityKind: models.EntityKind(r.EntityKind),
		EntityID:   r.EntityID,
		DecisionID: r.DecisionID,
		Field:      r.Field,
		Type:       models.PIIType(r.PIIType),
		Original:   r.Original,
		Redacted:   r.Redacted,
		Confidence: r.Confidence,
		CreatedAt:  r.CreatedAt,
	}
}

type sessionRow struct {
	ID                string    `gorm:"primaryKey;size:64"`
	AgentID           string    `gorm:"size:64"`
	ContinuationToken string    `gorm:"size:512"`
	MetadataJSON      string    `gorm:"type:text"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string {
	return "conversation_sessions"
}

func (r sessionRow) toRecord() *models.ConversationSession {
	var meta map[string]any
	if r.MetadataJSON != "" {
		_ = json.Unmarshal([]byte(r.MetadataJSON), &meta)
	}
	return &models.ConversationSession{
		ID:                r.ID,
		AgentID:           r.AgentID,
		ContinuationToken: r.ContinuationToken,
		Metadata:          meta,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func sessionRowFromRecord(s *models.ConversationSession) sessionRow {
	meta := ""
	if len(s.Metadata) > 0 {
		meta = encodeJSON(s.Metadata)
	}
	return sessionRow{
		ID:                s.ID,
		AgentID:           s.AgentID,
		ContinuationToken: s.ContinuationToken,
		MetadataJSON:      meta,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

type turnRow struct {
	ID           string    `gorm:"primaryKey;size:64"`
	SessionID    string    `gorm:"size:64;not null;uniqueIndex:idx_turns_session_sequence,priority:1"`
	Sequence     int64     `gorm:"not null;uniqueIndex:idx_turns_session_sequence,priority:2"`
	AgentID      string    `gorm:"size:64"`
	Intent       string    `gorm:"size:32;not null"`
	UserMessage  string    `gorm:"type:text"`
	Response     string    `gorm:"type:text"`
	Retried      bool      `gorm:"not null;default:false"`
	InputTokens  int64     `gorm:"not null;default:0"`
	OutputTokens int64     `gorm:"not null;default:0"`
	TotalTokens  int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (turnRow) TableName() string {
	return "conversation_turns"
}

func (r turnRow) toRecord() models.ConversationTurn {
	return models.ConversationTurn{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Sequence:    r.Sequence,
		AgentID:     r.AgentID,
		Intent:      r.Intent,
		UserMessage: r.UserMessage,
		Response:    r.Response,
		Retried:     r.Retried,
		Usage: models.TokenUsage{
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			TotalTokens:  r.TotalTokens,
		},
		CreatedAt: r.CreatedAt,
	}
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" || raw == "null" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
