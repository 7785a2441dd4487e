package sessions_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/agentoven/adjudicator/internal/sessions"
	"github.com/agentoven/adjudicator/internal/store"
	"github.com/agentoven/adjudicator/pkg/models"
)

func TestManager_StartAndOverride(t *testing.T) {
	m := sessions.NewManager(store.NewMemoryStore())
	ctx := context.Background()

	sess, err := m.Start(ctx, "claims", "  Always answer in French.  ")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sess.InstructionOverride() != "Always answer in French." {
		t.Errorf("InstructionOverride() = %q", sess.InstructionOverride())
	}

	updated, err := m.SetInstructionOverride(ctx, sess.ID, "")
	if err != nil {
		t.Fatalf("SetInstructionOverride() error = %v", err)
	}
	if updated.InstructionOverride() != "" {
		t.Errorf("override not cleared: %q", updated.InstructionOverride())
	}

	if _, err := m.SetInstructionOverride(ctx, "missing", "x"); !store.IsNotFound(err) {
		t.Errorf("SetInstructionOverride(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManager_RecordTurnKeepsToken(t *testing.T) {
	m := sessions.NewManager(store.NewMemoryStore())
	ctx := context.Background()
	sess, err := m.Start(ctx, "", "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err = m.WithSession(ctx, sess.ID, func(ctx context.Context) error {
		return m.RecordTurn(ctx, sess, "tok-1", &models.ConversationTurn{AgentID: "tenders", Intent: "agent_request"})
	})
	if err != nil {
		t.Fatalf("RecordTurn() error = %v", err)
	}
	// A turn without a new token keeps the previous one.
	err = m.WithSession(ctx, sess.ID, func(ctx context.Context) error {
		return m.RecordTurn(ctx, sess, "", &models.ConversationTurn{Intent: "follow_up"})
	})
	if err != nil {
		t.Fatalf("RecordTurn() error = %v", err)
	}

	got, err := m.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ContinuationToken != "tok-1" || got.Metadata[models.MetaLastContinuationToken] != "tok-1" {
		t.Errorf("session token = %q, metadata = %v", got.ContinuationToken, got.Metadata)
	}
	if got.AgentID != "tenders" {
		t.Errorf("AgentID = %q, want tenders", got.AgentID)
	}

	history, err := m.History(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[1].Sequence != 2 || history[1].Intent != "follow_up" {
		t.Errorf("History() = %+v", history)
	}

	if err := m.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := m.History(ctx, sess.ID, 0); !store.IsNotFound(err) {
		t.Errorf("History() after delete error = %v, want ErrNotFound", err)
	}
}

// rejectingStore fails every turn write, as a backend whose append breaks.
type rejectingStore struct {
	*store.MemoryStore
}

func (rejectingStore) RecordTurn(context.Context, *models.ConversationSession, *models.ConversationTurn) error {
	return errors.New("create turn: disk full")
}

func TestManager_RecordTurnFailureKeepsToken(t *testing.T) {
	m := sessions.NewManager(rejectingStore{store.NewMemoryStore()})
	ctx := context.Background()
	sess, err := m.Start(ctx, "claims", "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err = m.WithSession(ctx, sess.ID, func(ctx context.Context) error {
		return m.RecordTurn(ctx, sess, "tok-2", &models.ConversationTurn{AgentID: "tenders"})
	})
	if err == nil {
		t.Fatal("RecordTurn() error = nil, want the store failure")
	}
	if sess.ContinuationToken != "" || sess.AgentID != "claims" {
		t.Errorf("session advanced on failure: token = %q, agent = %q", sess.ContinuationToken, sess.AgentID)
	}
	if _, ok := sess.Metadata[models.MetaLastContinuationToken]; ok {
		t.Errorf("metadata advanced on failure: %v", sess.Metadata)
	}

	got, err := m.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ContinuationToken != "" {
		t.Errorf("stored token = %q, want empty", got.ContinuationToken)
	}
	if history, _ := m.History(ctx, sess.ID, 0); len(history) != 0 {
		t.Errorf("History() = %+v, want none", history)
	}
}

func TestWithSession_Serializes(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := sessions.NewManager(store.NewMemoryStore())
	ctx := context.Background()

	var (
		active  int32
		overlap int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithSession(ctx, "s-1", func(context.Context) error {
				if atomic.AddInt32(&active, 1) > 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if overlap != 0 {
		t.Error("two turns of the same session ran concurrently")
	}
}

func TestWithSession_IndependentSessions(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := sessions.NewManager(store.NewMemoryStore())
	ctx := context.Background()

	release := make(chan struct{})
	held := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- m.WithSession(ctx, "a", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ran := false
	if err := m.WithSession(ctx, "b", func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatalf("WithSession(b) error = %v", err)
	}
	if !ran {
		t.Error("session b was blocked by session a")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("WithSession(a) error = %v", err)
	}
}

func TestWithSession_ContextCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := sessions.NewManager(store.NewMemoryStore())
	release := make(chan struct{})
	held := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = m.WithSession(context.Background(), "s", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WithSession(ctx, "s", func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WithSession() error = %v, want DeadlineExceeded", err)
	}
	close(release)
	<-done
}
