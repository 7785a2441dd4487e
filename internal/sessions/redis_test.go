package sessions_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/adjudicator/internal/sessions"
	"github.com/agentoven/adjudicator/internal/store"
	"github.com/agentoven/adjudicator/pkg/models"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisStore_SessionLifecycle(t *testing.T) {
	_, client := newRedis(t)
	s := sessions.NewRedisStore(client)
	ctx := context.Background()

	sess := &models.ConversationSession{AgentID: "claims"}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.Error(t, s.CreateSession(ctx, sess), "duplicate ids must be rejected")

	sess.ContinuationToken = "tok-9"
	sess.Metadata = map[string]any{models.MetaInstructionOverride: "Be brief."}
	require.NoError(t, s.UpdateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-9", got.ContinuationToken)
	assert.Equal(t, "Be brief.", got.InstructionOverride())

	for i := 0; i < 3; i++ {
		turn := &models.ConversationTurn{SessionID: sess.ID, Intent: "agent_request"}
		require.NoError(t, s.AppendTurn(ctx, turn))
		assert.Equal(t, int64(i+1), turn.Sequence)
	}
	turns, err := s.ListTurns(ctx, sess.ID, 2)
	require.NoError(t, err)
	assert.Len(t, turns, 2)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.True(t, store.IsNotFound(err))
	turns, err = s.ListTurns(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, turns)

	assert.True(t, store.IsNotFound(s.UpdateSession(ctx, sess)))
	assert.True(t, store.IsNotFound(s.AppendTurn(ctx, &models.ConversationTurn{SessionID: sess.ID})))
}

func TestRedisStore_RecordTurn(t *testing.T) {
	mr, client := newRedis(t)
	s := sessions.NewRedisStore(client, sessions.WithTTL(time.Minute))
	ctx := context.Background()

	sess := &models.ConversationSession{AgentID: "claims"}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.AppendTurn(ctx, &models.ConversationTurn{SessionID: sess.ID}))

	sess.ContinuationToken = "tok-3"
	turn := &models.ConversationTurn{Intent: "follow_up"}
	require.NoError(t, s.RecordTurn(ctx, sess, turn))
	assert.Equal(t, sess.ID, turn.SessionID)
	assert.Equal(t, int64(2), turn.Sequence)
	assert.NotEmpty(t, turn.ID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-3", got.ContinuationToken)
	turns, err := s.ListTurns(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "follow_up", turns[1].Intent)
	assert.Greater(t, mr.TTL(sessions.DefaultRedisPrefix+"session:"+sess.ID), time.Duration(0))

	missing := &models.ConversationSession{ID: "missing"}
	assert.True(t, store.IsNotFound(s.RecordTurn(ctx, missing, &models.ConversationTurn{})))
	assert.False(t, mr.Exists(sessions.DefaultRedisPrefix+"turns:missing"))
}

func TestRedisStore_TTL(t *testing.T) {
	mr, client := newRedis(t)
	s := sessions.NewRedisStore(client, sessions.WithTTL(time.Second), sessions.WithPrefix("test:"))
	ctx := context.Background()

	sess := &models.ConversationSession{}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.AppendTurn(ctx, &models.ConversationTurn{SessionID: sess.ID}))
	assert.True(t, mr.Exists("test:session:"+sess.ID))

	mr.FastForward(2 * time.Second)

	_, err := s.GetSession(ctx, sess.ID)
	assert.True(t, store.IsNotFound(err))
	assert.False(t, mr.Exists("test:turns:"+sess.ID))
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	mr, client := newRedis(t)
	locker := sessions.NewRedisLocker(client, "test:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "session:1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:session:1"))

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("test:lock:session:1"))
}

func TestRedisLocker_Contention(t *testing.T) {
	_, client := newRedis(t)
	first := sessions.NewRedisLocker(client, "test:")
	second := sessions.NewRedisLocker(client, "test:")
	ctx := context.Background()

	unlock, err := first.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = second.Lock(short, "shared", 5*time.Second)
	assert.ErrorIs(t, err, sessions.ErrLockAcquire)

	require.NoError(t, unlock(ctx))

	unlock2, err := second.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, unlock2(ctx))
}

func TestRedisLocker_StaleUnlockKeepsNewOwner(t *testing.T) {
	mr, client := newRedis(t)
	locker := sessions.NewRedisLocker(client, "test:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	unlock2, err := locker.Lock(ctx, "k", 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, unlock(ctx))
	assert.True(t, mr.Exists("test:lock:k"), "expired owner must not release the new owner's lock")
	require.NoError(t, unlock2(ctx))
}

func TestManager_WithRedis(t *testing.T) {
	_, client := newRedis(t)
	m := sessions.NewManager(
		sessions.NewRedisStore(client),
		sessions.WithLocker(sessions.NewRedisLocker(client, ""), time.Second),
	)
	ctx := context.Background()

	sess, err := m.Start(ctx, "claims", "")
	require.NoError(t, err)
	err = m.WithSession(ctx, sess.ID, func(ctx context.Context) error {
		return m.RecordTurn(ctx, sess, "tok-1", &models.ConversationTurn{Intent: "agent_request"})
	})
	require.NoError(t, err)

	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.ContinuationToken)
}
