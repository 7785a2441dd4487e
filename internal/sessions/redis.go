package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/agentoven/adjudicator/internal/store"
	"github.com/agentoven/adjudicator/pkg/models"
)

// DefaultRedisPrefix namespaces every key written by RedisStore and RedisLocker.
const DefaultRedisPrefix = "adjudicator:"

// ErrLockAcquire is returned when a distributed lock cannot be acquired.
var ErrLockAcquire = errors.New("failed to acquire distributed lock")

// RedisStore implements store.SessionStore on Redis. A session is one JSON
// value; its turns are a list next to it. Every write refreshes the TTL.
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL expires idle sessions; zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore creates a RedisStore from an existing client.
func NewRedisStore(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *RedisStore) turnsKey(id string) string   { return s.prefix + "turns:" + id }
func (s *RedisStore) seqKey(id string) string     { return s.prefix + "seq:" + id }

func (s *RedisStore) CreateSession(ctx context.Context, session *models.ConversationSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt, session.UpdatedAt = now, now

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.sessionKey(session.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*models.ConversationSession, error) {
	val, err := s.client.Get(ctx, s.sessionKey(id)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, &store.ErrNotFound{Entity: "session", Key: id}
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess models.ConversationSession
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) UpdateSession(ctx context.Context, session *models.ConversationSession) error {
	session.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.sessionKey(session.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if !ok {
		return &store.ErrNotFound{Entity: "session", Key: session.ID}
	}
	s.touch(ctx, session.ID)
	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := s.client.Del(ctx, s.turnsKey(id), s.seqKey(id)).Err(); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	if n == 0 {
		return &store.ErrNotFound{Entity: "session", Key: id}
	}
	return nil
}

func (s *RedisStore) AppendTurn(ctx context.Context, turn *models.ConversationTurn) error {
	exists, err := s.client.Exists(ctx, s.sessionKey(turn.SessionID)).Result()
	if err != nil {
		return fmt.Errorf("session lookup: %w", err)
	}
	if exists == 0 {
		return &store.ErrNotFound{Entity: "session", Key: turn.SessionID}
	}

	seq, err := s.client.Incr(ctx, s.seqKey(turn.SessionID)).Result()
	if err != nil {
		return fmt.Errorf("sequence lookup: %w", err)
	}
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	turn.Sequence = seq

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	if err := s.client.RPush(ctx, s.turnsKey(turn.SessionID), data).Err(); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	s.touch(ctx, turn.SessionID)
	return nil
}

// RecordTurn writes the session, the sequence counter and the turn in one
// MULTI block, watching the session so a concurrent delete aborts it.
func (s *RedisStore) RecordTurn(ctx context.Context, session *models.ConversationSession, turn *models.ConversationTurn) error {
	turn.SessionID = session.ID
	sessKey, seqKey, turnsKey := s.sessionKey(session.ID), s.seqKey(session.ID), s.turnsKey(session.ID)

	err := s.client.Watch(ctx, func(tx *backend.Tx) error {
		exists, err := tx.Exists(ctx, sessKey).Result()
		if err != nil {
			return fmt.Errorf("session lookup: %w", err)
		}
		if exists == 0 {
			return &store.ErrNotFound{Entity: "session", Key: session.ID}
		}
		seq, err := tx.Get(ctx, seqKey).Int64()
		if err != nil && !errors.Is(err, backend.Nil) {
			return fmt.Errorf("sequence lookup: %w", err)
		}

		next := *turn
		if next.ID == "" {
			next.ID = uuid.New().String()
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = time.Now().UTC()
		}
		next.Sequence = seq + 1
		updated := *session
		updated.UpdatedAt = time.Now().UTC()

		sessData, err := json.Marshal(&updated)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		turnData, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, sessKey, sessData, s.ttl)
			pipe.Set(ctx, seqKey, next.Sequence, s.ttl)
			pipe.RPush(ctx, turnsKey, turnData)
			if s.ttl > 0 {
				pipe.Expire(ctx, turnsKey, s.ttl)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("record turn: %w", err)
		}
		*turn = next
		session.UpdatedAt = updated.UpdatedAt
		return nil
	}, sessKey, seqKey)
	if errors.Is(err, backend.TxFailedErr) {
		return fmt.Errorf("record turn: session %s changed concurrently: %w", session.ID, err)
	}
	return err
}

func (s *RedisStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	vals, err := s.client.LRange(ctx, s.turnsKey(sessionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	out := make([]models.ConversationTurn, 0, len(vals))
	for _, v := range vals {
		var t models.ConversationTurn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// touch aligns the TTL of the session's companion keys with the session.
func (s *RedisStore) touch(ctx context.Context, id string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.sessionKey(id), s.ttl)
	pipe.Expire(ctx, s.turnsKey(id), s.ttl)
	pipe.Expire(ctx, s.seqKey(id), s.ttl)
	_, _ = pipe.Exec(ctx)
}

// ── Distributed lock ────────────────────────────────────────

var unlockScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLocker implements Locker with SET NX PX and a value-checked release.
type RedisLocker struct {
	client *backend.Client
	prefix string

	// newBackOff builds the polling schedule used while the lock is held elsewhere.
	newBackOff func() backoff.BackOff
}

// NewRedisLocker creates a RedisLocker; keys are prefix + "lock:" + key.
func NewRedisLocker(client *backend.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		},
	}
}

var errLockHeld = errors.New("lock held")

// Lock polls until the lock is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	val := uuid.New().String()

	op := func() error {
		ok, err := l.client.SetNX(ctx, lockKey, val, ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("redis error acquiring lock: %w", err))
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(l.newBackOff(), ctx)); err != nil {
		if errors.Is(err, errLockHeld) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w", ErrLockAcquire, key, err)
		}
		return nil, err
	}

	return func(ctx context.Context) error {
		return unlockScript.Run(ctx, l.client, []string{lockKey}, val).Err()
	}, nil
}
