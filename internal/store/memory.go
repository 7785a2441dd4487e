package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/adjudicator/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu        sync.RWMutex
	claims    map[string]*models.Claim
	tenders   map[string]*models.Tender
	decisions map[string]*models.DecisionRecord // key: kind:entity_id
	pii       []models.PIIDetection             // append-only
	sessions  map[string]*models.ConversationSession
	turns     map[string][]models.ConversationTurn // key: session id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	log.Info().Msg("Memory store configured")
	return &MemoryStore{
		claims:    make(map[string]*models.Claim),
		tenders:   make(map[string]*models.Tender),
		decisions: make(map[string]*models.DecisionRecord),
		sessions:  make(map[string]*models.ConversationSession),
		turns:     make(map[string][]models.ConversationTurn),
	}
}

func (m *MemoryStore) Ping(_ context.Context) error    { return nil }
func (m *MemoryStore) Close() error                    { return nil }
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func key(kind models.EntityKind, id string) string {
	return string(kind) + ":" + id
}

// ── Entity Store ────────────────────────────────────────────

func (m *MemoryStore) CreateClaim(_ context.Context, claim *models.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if claim.ID == "" {
		claim.ID = uuid.New().String()
	}
	if claim.Status == "" {
		claim.Status = models.EntityStatusPending
	}
	claim.CreatedAt, claim.UpdatedAt = now, now
	c := *claim
	m.claims[claim.ID] = &c
	return nil
}

func (m *MemoryStore) GetClaim(_ context.Context, id string) (*models.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.claims[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "claim", Key: id}
	}
	out := *c
	return &out, nil
}

func (m *MemoryStore) CreateTender(_ context.Context, tender *models.Tender) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if tender.ID == "" {
		tender.ID = uuid.New().String()
	}
	if tender.Status == "" {
		tender.Status = models.EntityStatusPending
	}
	tender.CreatedAt, tender.UpdatedAt = now, now
	t := *tender
	m.tenders[tender.ID] = &t
	return nil
}

func (m *MemoryStore) GetTender(_ context.Context, id string) (*models.Tender, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenders[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tender", Key: id}
	}
	out := *t
	return &out, nil
}

func (m *MemoryStore) FetchEntityContext(ctx context.Context, kind models.EntityKind, id string) (map[string]any, error) {
	switch kind {
	case models.EntityClaim:
		c, err := m.GetClaim(ctx, id)
		if err != nil {
			return nil, err
		}
		return ClaimContext(c), nil
	case models.EntityTender:
		t, err := m.GetTender(ctx, id)
		if err != nil {
			return nil, err
		}
		return TenderContext(t), nil
	}
	return nil, &ErrNotFound{Entity: string(kind), Key: id}
}

// statusRef returns pointers to an entity's status and update time.
// Caller must hold m.mu.
func (m *MemoryStore) statusRef(kind models.EntityKind, id string) (*models.EntityStatus, *time.Time, error) {
	switch kind {
	case models.EntityClaim:
		if c, ok := m.claims[id]; ok {
			return &c.Status, &c.UpdatedAt, nil
		}
	case models.EntityTender:
		if t, ok := m.tenders[id]; ok {
			return &t.Status, &t.UpdatedAt, nil
		}
	}
	return nil, nil, &ErrNotFound{Entity: string(kind), Key: id}
}

func (m *MemoryStore) ClaimForProcessing(_ context.Context, kind models.EntityKind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, updated, err := m.statusRef(kind, id)
	if err != nil {
		return err
	}
	if *status == models.EntityStatusProcessing {
		return ErrAlreadyProcessing
	}
	*status = models.EntityStatusProcessing
	*updated = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkStatus(_ context.Context, kind models.EntityKind, id string, s models.EntityStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, updated, err := m.statusRef(kind, id)
	if err != nil {
		return err
	}
	*status = s
	*updated = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListPending(_ context.Context, kind models.EntityKind, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type pending struct {
		id      string
		created time.Time
	}
	var all []pending
	switch kind {
	case models.EntityClaim:
		for _, c := range m.claims {
			if c.Status == models.EntityStatusPending {
				all = append(all, pending{c.ID, c.CreatedAt})
			}
		}
	case models.EntityTender:
		for _, t := range m.tenders {
			if t.Status == models.EntityStatusPending {
				all = append(all, pending{t.ID, t.CreatedAt})
			}
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].created.Equal(all[j].created) {
			return all[i].id < all[j].id
		}
		return all[i].created.Before(all[j].created)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	ids := make([]string, len(all))
	for i, p := range all {
		ids[i] = p.id
	}
	return ids, nil
}

// ── Decision Store ──────────────────────────────────────────

func (m *MemoryStore) SaveDecision(_ context.Context, rec *models.DecisionRecord, detections []models.PIIDetection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate before touching state so a rejected write leaves nothing behind.
	if err := m.checkPIIIDs(detections); err != nil {
		return fmt.Errorf("record pii detections: %w", err)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	cp.Decision.Evidence = copyMap(rec.Decision.Evidence)
	m.decisions[key(rec.EntityKind, rec.EntityID)] = &cp

	now := time.Now().UTC()
	for i := range detections {
		d := &detections[i]
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.DecisionID = rec.ID
		m.pii = append(m.pii, *d)
	}
	return nil
}

// checkPIIIDs rejects detection ids already in the trail or repeated in the
// batch, mirroring the primary key of the SQL table. Caller holds the lock.
func (m *MemoryStore) checkPIIIDs(detections []models.PIIDetection) error {
	seen := make(map[string]bool, len(detections))
	for _, d := range detections {
		if d.ID == "" {
			continue
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate pii detection id %s", d.ID)
		}
		seen[d.ID] = true
	}
	if len(seen) == 0 {
		return nil
	}
	for _, d := range m.pii {
		if seen[d.ID] {
			return fmt.Errorf("duplicate pii detection id %s", d.ID)
		}
	}
	return nil
}

func (m *MemoryStore) GetDecision(_ context.Context, kind models.EntityKind, entityID string) (*models.DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.decisions[key(kind, entityID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "decision", Key: key(kind, entityID)}
	}
	out := *rec
	out.Decision.Evidence = copyMap(rec.Decision.Evidence)
	return &out, nil
}

// ── PII Store ───────────────────────────────────────────────

func (m *MemoryStore) RecordPIIDetections(_ context.Context, detections []models.PIIDetection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkPIIIDs(detections); err != nil {
		return fmt.Errorf("record pii detections: %w", err)
	}

	now := time.Now().UTC()
	for _, d := range detections {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		m.pii = append(m.pii, d)
	}
	return nil
}

func (m *MemoryStore) ListPIIDetections(_ context.Context, kind models.EntityKind, entityID string) ([]models.PIIDetection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var current string
	if rec, ok := m.decisions[key(kind, entityID)]; ok {
		current = rec.ID
	}
	var out []models.PIIDetection
	for _, d := range m.pii {
		if d.EntityKind != kind || d.EntityID != entityID {
			continue
		}
		if current != "" && d.DecisionID != current {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// ── Session Store ───────────────────────────────────────────

func (m *MemoryStore) CreateSession(_ context.Context, session *models.ConversationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	now := time.Now().UTC()
	session.CreatedAt, session.UpdatedAt = now, now
	m.sessions[session.ID] = copySession(session)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.ConversationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	return copySession(s), nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, session *models.ConversationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; !exists {
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	session.UpdatedAt = time.Now().UTC()
	m.sessions[session.ID] = copySession(session)
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; !exists {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	delete(m.sessions, id)
	delete(m.turns, id)
	return nil
}

func (m *MemoryStore) AppendTurn(_ context.Context, turn *models.ConversationTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTurn(turn); err != nil {
		return err
	}
	m.appendTurn(turn)
	return nil
}

func (m *MemoryStore) RecordTurn(_ context.Context, session *models.ConversationSession, turn *models.ConversationTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn.SessionID = session.ID
	if err := m.checkTurn(turn); err != nil {
		return err
	}
	session.UpdatedAt = time.Now().UTC()
	m.sessions[session.ID] = copySession(session)
	m.appendTurn(turn)
	return nil
}

// checkTurn validates a turn against the session it joins, mirroring the
// SQL foreign and primary keys. Caller holds the lock.
func (m *MemoryStore) checkTurn(turn *models.ConversationTurn) error {
	if _, exists := m.sessions[turn.SessionID]; !exists {
		return &ErrNotFound{Entity: "session", Key: turn.SessionID}
	}
	if turn.ID == "" {
		return nil
	}
	for _, t := range m.turns[turn.SessionID] {
		if t.ID == turn.ID {
			return fmt.Errorf("create turn: duplicate id %s", turn.ID)
		}
	}
	return nil
}

func (m *MemoryStore) appendTurn(turn *models.ConversationTurn) {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	turn.Sequence = int64(len(m.turns[turn.SessionID]) + 1)
	m.turns[turn.SessionID] = append(m.turns[turn.SessionID], *turn)
}

func (m *MemoryStore) ListTurns(_ context.Context, sessionID string, limit int) ([]models.ConversationTurn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	turns := m.turns[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[:limit]
	}
	return append([]models.ConversationTurn{}, turns...), nil
}

// ── Retention Store ─────────────────────────────────────────

func (m *MemoryStore) ListIdleSessions(_ context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var idle []*models.ConversationSession
	for _, s := range m.sessions {
		if s.UpdatedAt.Before(before) {
			idle = append(idle, s)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].UpdatedAt.Before(idle[j].UpdatedAt) })
	if limit > 0 && len(idle) > limit {
		idle = idle[:limit]
	}
	ids := make([]string, len(idle))
	for i, s := range idle {
		ids[i] = s.ID
	}
	return ids, nil
}

func (m *MemoryStore) ListPIIOriginals(_ context.Context, before time.Time, limit int) ([]models.PIIDetection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.PIIDetection
	for _, d := range m.pii {
		if d.Original != "" && d.CreatedAt.Before(before) {
			out = append(out, d)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ClearPIIOriginals(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for i := range m.pii {
		if want[m.pii[i].ID] && m.pii[i].Original != "" {
			m.pii[i].Original = ""
			n++
		}
	}
	return n, nil
}

func copySession(s *models.ConversationSession) *models.ConversationSession {
	out := *s
	out.Metadata = copyMap(s.Metadata)
	return &out
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
