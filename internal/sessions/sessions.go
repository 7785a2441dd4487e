// Package sessions owns conversation sessions: their continuation token,
// their metadata and the per-session critical section that keeps two turns
// of the same session from racing on the token.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/adjudicator/internal/store"
	"github.com/agentoven/adjudicator/pkg/models"
)

// DefaultLockTTL bounds how long a distributed session lock may be held.
const DefaultLockTTL = 2 * time.Minute

// UnlockFunc releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// Locker serializes work on a key across processes.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// Manager is the conversation state manager. Sessions are isolated from each
// other; within a session every read-modify-write of the continuation token
// must happen inside WithSession.
type Manager struct {
	store   store.SessionStore
	locker  Locker
	lockTTL time.Duration

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock is a ref-counted, context-aware mutex for one session.
type sessionLock struct {
	sem  chan struct{}
	refs int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker adds a distributed lock taken after the in-process one.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(m *Manager) {
		m.locker = l
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// NewManager creates a session manager over the given store.
func NewManager(s store.SessionStore, opts ...Option) *Manager {
	m := &Manager{
		store:   s,
		lockTTL: DefaultLockTTL,
		locks:   make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ── Critical section ────────────────────────────────────────

// WithSession runs fn while holding the session's lock.
func (m *Manager) WithSession(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	l := m.acquireRef(sessionID)
	defer m.releaseRef(sessionID, l)

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, "session:"+sessionID, m.lockTTL)
		if err != nil {
			return fmt.Errorf("lock session %s: %w", sessionID, err)
		}
		defer func() {
			// The caller's context may already be done; release regardless.
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to release session lock")
			}
		}()
	}
	return fn(ctx)
}

func (m *Manager) acquireRef(id string) *sessionLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sessionLock{sem: make(chan struct{}, 1)}
		m.locks[id] = l
	}
	l.refs++
	return l
}

func (m *Manager) releaseRef(id string, l *sessionLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, id)
	}
}

// ── Lifecycle ───────────────────────────────────────────────

// Start creates a session, optionally bound to an agent and carrying an
// instruction override.
func (m *Manager) Start(ctx context.Context, agentID, instructionOverride string) (*models.ConversationSession, error) {
	sess := &models.ConversationSession{AgentID: agentID, Metadata: map[string]any{}}
	if o := strings.TrimSpace(instructionOverride); o != "" {
		sess.Metadata[models.MetaInstructionOverride] = o
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	log.Info().Str("session_id", sess.ID).Str("agent_id", agentID).Msg("Session started")
	return sess, nil
}

// Get returns a session.
func (m *Manager) Get(ctx context.Context, id string) (*models.ConversationSession, error) {
	return m.store.GetSession(ctx, id)
}

// Delete removes a session and its turn history.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.WithSession(ctx, id, func(ctx context.Context) error {
		if err := m.store.DeleteSession(ctx, id); err != nil {
			return err
		}
		log.Info().Str("session_id", id).Msg("Session deleted")
		return nil
	})
}

// SetInstructionOverride replaces the session's custom instructions; an
// empty text clears them.
func (m *Manager) SetInstructionOverride(ctx context.Context, id, text string) (*models.ConversationSession, error) {
	var out *models.ConversationSession
	err := m.WithSession(ctx, id, func(ctx context.Context) error {
		sess, err := m.store.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.Metadata == nil {
			sess.Metadata = map[string]any{}
		}
		if t := strings.TrimSpace(text); t != "" {
			sess.Metadata[models.MetaInstructionOverride] = t
		} else {
			delete(sess.Metadata, models.MetaInstructionOverride)
		}
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return err
		}
		out = sess
		return nil
	})
	return out, err
}

// RecordTurn persists the outcome of a turn: the new continuation token
// (kept when the upstream returned none), the bound agent and the turn
// itself, in one store write. sess is only advanced when the write
// succeeds. Callers must hold the session via WithSession.
func (m *Manager) RecordTurn(ctx context.Context, sess *models.ConversationSession, token string, turn *models.ConversationTurn) error {
	if sess == nil {
		return errors.New("record turn: nil session")
	}
	next := *sess
	next.Metadata = maps.Clone(sess.Metadata)
	if next.Metadata == nil {
		next.Metadata = map[string]any{}
	}
	if token != "" {
		next.ContinuationToken = token
	}
	if next.ContinuationToken != "" {
		next.Metadata[models.MetaLastContinuationToken] = next.ContinuationToken
	}
	if turn.AgentID != "" {
		next.AgentID = turn.AgentID
	}

	if err := m.store.RecordTurn(ctx, &next, turn); err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	*sess = next
	return nil
}

// History returns the session's turns in order; limit <= 0 returns all.
func (m *Manager) History(ctx context.Context, id string, limit int) ([]models.ConversationTurn, error) {
	if _, err := m.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListTurns(ctx, id, limit)
}
