package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	dbpkg "github.com/agentoven/adjudicator/internal/db"
	"github.com/agentoven/adjudicator/pkg/models"
)

// GormStore implements Store on a relational database through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and migrates the schema.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	s := &GormStore{db: gormDB}
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	log.Info().Str("driver", driver).Msg("SQL store configured")
	return s, nil
}

func (s *GormStore) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&claimRow{}, &tenderRow{}, &decisionRow{},
		&piiDetectionRow{}, &sessionRow{}, &turnRow{},
	)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

// ── Entity Store ────────────────────────────────────────────

func (s *GormStore) CreateClaim(ctx context.Context, claim *models.Claim) error {
	now := time.Now().UTC()
	if claim.ID == "" {
		claim.ID = uuid.New().String()
	}
	if claim.Status == "" {
		claim.Status = models.EntityStatusPending
	}
	claim.CreatedAt, claim.UpdatedAt = now, now

	row := claimRowFromRecord(claim)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create claim: %w", err)
	}
	return nil
}

func (s *GormStore) GetClaim(ctx context.Context, id string) (*models.Claim, error) {
	var row claimRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ErrNotFound{Entity: "claim", Key: id}
		}
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) CreateTender(ctx context.Context, tender *models.Tender) error {
	now := time.Now().UTC()
	if tender.ID == "" {
		tender.ID = uuid.New().String()
	}
	if tender.Status == "" {
		tender.Status = models.EntityStatusPending
	}
	tender.CreatedAt, tender.UpdatedAt = now, now

	row := tenderRowFromRecord(tender)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create tender: %w", err)
	}
	return nil
}

func (s *GormStore) GetTender(ctx context.Context, id string) (*models.Tender, error) {
	var row tenderRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ErrNotFound{Entity: "tender", Key: id}
		}
		return nil, fmt.Errorf("get tender: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) FetchEntityContext(ctx context.Context, kind models.EntityKind, id string) (map[string]any, error) {
	switch kind {
	case models.EntityClaim:
		c, err := s.GetClaim(ctx, id)
		if err != nil {
			return nil, err
		}
		return ClaimContext(c), nil
	case models.EntityTender:
		t, err := s.GetTender(ctx, id)
		if err != nil {
			return nil, err
		}
		return TenderContext(t), nil
	}
	return nil, &ErrNotFound{Entity: string(kind), Key: id}
}

// entityModel returns the row model backing an entity kind.
func entityModel(kind models.EntityKind) (any, error) {
	switch kind {
	case models.EntityClaim:
		return &claimRow{}, nil
	case models.EntityTender:
		return &tenderRow{}, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

// ClaimForProcessing moves the entity to "processing" with a guarded
// UPDATE, so exactly one of several concurrent callers wins.
func (s *GormStore) ClaimForProcessing(ctx context.Context, kind models.EntityKind, id string) error {
	model, err := entityModel(kind)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(model).
			Where("id = ? AND status <> ?", id, string(models.EntityStatusProcessing)).
			Updates(map[string]any{
				"status":     string(models.EntityStatusProcessing),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("claim %s for processing: %w", kind, res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}

		var count int64
		if err := tx.Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("claim %s for processing: %w", kind, err)
		}
		if count == 0 {
			return &ErrNotFound{Entity: string(kind), Key: id}
		}
		return ErrAlreadyProcessing
	})
}

func (s *GormStore) MarkStatus(ctx context.Context, kind models.EntityKind, id string, status models.EntityStatus) error {
	model, err := entityModel(kind)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("mark %s status: %w", kind, res.Error)
	}
	if res.RowsAffected == 0 {
		return &ErrNotFound{Entity: string(kind), Key: id}
	}
	return nil
}

func (s *GormStore) ListPending(ctx context.Context, kind models.EntityKind, limit int) ([]string, error) {
	model, err := entityModel(kind)
	if err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Model(model).
		Where("status = ?", string(models.EntityStatusPending)).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var ids []string
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list pending %s: %w", kind, err)
	}
	return ids, nil
}

// ── Decision Store ──────────────────────────────────────────

// SaveDecision replaces any previous decision for the entity and records the
// run's PII detections in the same transaction.
func (s *GormStore) SaveDecision(ctx context.Context, rec *models.DecisionRecord, detections []models.PIIDetection) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	row := decisionRowFromRecord(rec)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("entity_kind = ? AND entity_id = ?", row.EntityKind, row.EntityID).
			Delete(&decisionRow{}).Error; err != nil {
			return fmt.Errorf("supersede decision: %w", err)
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("save decision: %w", err)
		}
		if len(detections) == 0 {
			return nil
		}
		pii := piiRowsFromRecords(detections, rec.ID)
		if err := tx.Create(&pii).Error; err != nil {
			return fmt.Errorf("record pii detections: %w", err)
		}
		for i := range detections {
			detections[i] = pii[i].toRecord()
		}
		return nil
	})
}

func (s *GormStore) GetDecision(ctx context.Context, kind models.EntityKind, entityID string) (*models.DecisionRecord, error) {
	var row decisionRow
	err := s.db.WithContext(ctx).
		Where("entity_kind = ? AND entity_id = ?", string(kind), entityID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ErrNotFound{Entity: "decision", Key: string(kind) + ":" + entityID}
		}
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return row.toRecord(), nil
}

// ── PII Store ───────────────────────────────────────────────

func (s *GormStore) RecordPIIDetections(ctx context.Context, detections []models.PIIDetection) error {
	if len(detections) == 0 {
		return nil
	}
	rows := piiRowsFromRecords(detections, "")
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("record pii detections: %w", err)
	}
	return nil
}

func (s *GormStore) ListPIIDetections(ctx context.Context, kind models.EntityKind, entityID string) ([]models.PIIDetection, error) {
	db := s.db.WithContext(ctx)
	var current []string
	if err := db.Model(&decisionRow{}).
		Where("entity_kind = ? AND entity_id = ?", string(kind), entityID).
		Pluck("id", &current).Error; err != nil {
		return nil, fmt.Errorf("list pii detections: %w", err)
	}

	query := db.Where("entity_kind = ? AND entity_id = ?", string(kind), entityID)
	if len(current) > 0 {
		query = query.Where("decision_id = ?", current[0])
	}
	var rows []piiDetectionRow
	err := query.Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list pii detections: %w", err)
	}
	out := make([]models.PIIDetection, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

// ── Session Store ───────────────────────────────────────────

func (s *GormStore) CreateSession(ctx context.Context, session *models.ConversationSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt, session.UpdatedAt = now, now

	row := sessionRowFromRecord(session)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, id string) (*models.ConversationSession, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ErrNotFound{Entity: "session", Key: id}
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) UpdateSession(ctx context.Context, session *models.ConversationSession) error {
	return updateSession(s.db.WithContext(ctx), session)
}

func updateSession(db *gorm.DB, session *models.ConversationSession) error {
	session.UpdatedAt = time.Now().UTC()
	row := sessionRowFromRecord(session)
	res := db.Model(&sessionRow{}).Where("id = ?", session.ID).Updates(map[string]any{
		"agent_id":           row.AgentID,
		"continuation_token": row.ContinuationToken,
		"metadata_json":      row.MetadataJSON,
		"updated_at":         row.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	return nil
}

func (s *GormStore) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&turnRow{}).Error; err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&sessionRow{})
		if res.Error != nil {
			return fmt.Errorf("delete session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &ErrNotFound{Entity: "session", Key: id}
		}
		return nil
	})
}

func (s *GormStore) AppendTurn(ctx context.Context, turn *models.ConversationTurn) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return appendTurn(tx, turn)
	})
}

// RecordTurn updates the session and appends the turn in one transaction.
func (s *GormStore) RecordTurn(ctx context.Context, session *models.ConversationSession, turn *models.ConversationTurn) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateSession(tx, session); err != nil {
			return err
		}
		turn.SessionID = session.ID
		return appendTurn(tx, turn)
	})
}

func appendTurn(tx *gorm.DB, turn *models.ConversationTurn) error {
	var sessions int64
	if err := tx.Model(&sessionRow{}).Where("id = ?", turn.SessionID).Count(&sessions).Error; err != nil {
		return fmt.Errorf("session lookup: %w", err)
	}
	if sessions == 0 {
		return &ErrNotFound{Entity: "session", Key: turn.SessionID}
	}

	var maxSeq int64
	if err := tx.Model(&turnRow{}).
		Where("session_id = ?", turn.SessionID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&maxSeq).Error; err != nil {
		return fmt.Errorf("sequence lookup: %w", err)
	}

	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	turn.Sequence = maxSeq + 1

	row := turnRow{
		ID:           turn.ID,
		SessionID:    turn.SessionID,
		Sequence:     turn.Sequence,
		AgentID:      turn.AgentID,
		Intent:       turn.Intent,
		UserMessage:  turn.UserMessage,
		Response:     turn.Response,
		Retried:      turn.Retried,
		InputTokens:  turn.Usage.InputTokens,
		OutputTokens: turn.Usage.OutputTokens,
		TotalTokens:  turn.Usage.TotalTokens,
		CreatedAt:    turn.CreatedAt,
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("create turn: %w", err)
	}
	return nil
}

func (s *GormStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error) {
	query := s.db.WithContext(ctx).
		Model(&turnRow{}).
		Where("session_id = ?", sessionID).
		Order("sequence ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []turnRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	out := make([]models.ConversationTurn, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

// ── Retention Store ─────────────────────────────────────────

func (s *GormStore) ListIdleSessions(ctx context.Context, before time.Time, limit int) ([]string, error) {
	query := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("updated_at < ?", before).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var ids []string
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	return ids, nil
}

func (s *GormStore) ListPIIOriginals(ctx context.Context, before time.Time, limit int) ([]models.PIIDetection, error) {
	query := s.db.WithContext(ctx).
		Where("original <> '' AND created_at < ?", before).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []piiDetectionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list pii originals: %w", err)
	}
	out := make([]models.PIIDetection, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) ClearPIIOriginals(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&piiDetectionRow{}).
		Where("id IN ? AND original <> ''", ids).
		Update("original", "")
	if res.Error != nil {
		return 0, fmt.Errorf("clear pii originals: %w", res.Error)
	}
	return res.RowsAffected, nil
}
