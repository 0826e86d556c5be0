package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mnemokit/mnemo/internal/observability"
)

const redisBackend = "redis"

// redisSessionsKey is the sorted-set index of known sessions, scored by
// last-modified time.
const redisSessionsKey = "mnemo:sessions"

// RedisStore keeps each session's history in a Redis list, one element per
// item, plus a sorted-set index for recency ordering. Writes go through
// MULTI/EXEC so a batch lands entirely or not at all.
//
// The caller owns the client; Close does not release it.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store on top of an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	observability.EnsureRegistered()
	return &RedisStore{client: client}
}

func redisSessionKey(sessionID string) string {
	return fmt.Sprintf("mnemo:session:%s", sessionID)
}

// Load returns the session's history in append order. Unknown sessions, an
// unreachable server, and undecodable elements all degrade to an empty
// history.
func (s *RedisStore) Load(ctx context.Context, sessionID string) ([]Item, error) {
	start := time.Now()
	defer func() {
		observability.RecordStoreLoad(redisBackend, time.Since(start))
	}()

	if err := ValidateSessionID(sessionID); err != nil {
		return []Item{}, nil
	}

	values, err := s.client.LRange(ctx, redisSessionKey(sessionID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to read session from Redis, returning empty history")
		return []Item{}, nil
	}

	items := []Item{}
	for _, value := range values {
		if !validItem([]byte(value)) {
			observability.RecordCorruptPayload(redisBackend)
			log.Warn().Str("session_id", sessionID).Msg("Skipping undecodable item payload")
			continue
		}
		items = append(items, Item(value))
	}

	return items, nil
}

// Save replaces the session's history with items in one MULTI/EXEC block.
// Saving an empty history removes the session.
func (s *RedisStore) Save(ctx context.Context, sessionID string, items []Item) error {
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(redisBackend, "save", time.Since(start))
	}()

	fail := func(err error) error {
		observability.RecordStoreError(redisBackend, "save")
		return err
	}

	if err := ValidateSessionID(sessionID); err != nil {
		return fail(err)
	}
	if err := validateItems(items); err != nil {
		return fail(err)
	}

	key := redisSessionKey(sessionID)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(items) == 0 {
		pipe.ZRem(ctx, redisSessionsKey, sessionID)
	} else {
		pipe.RPush(ctx, key, itemValues(items)...)
		pipe.ZAdd(ctx, redisSessionsKey, redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: sessionID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fail(fmt.Errorf("failed to save session in Redis: %w", err))
	}

	return nil
}

// Append extends the session's history with items in one MULTI/EXEC block.
func (s *RedisStore) Append(ctx context.Context, sessionID string, items []Item) error {
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(redisBackend, "append", time.Since(start))
	}()

	fail := func(err error) error {
		observability.RecordStoreError(redisBackend, "append")
		return err
	}

	if err := ValidateSessionID(sessionID); err != nil {
		return fail(err)
	}
	if err := validateItems(items); err != nil {
		return fail(err)
	}
	if len(items) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, redisSessionKey(sessionID), itemValues(items)...)
	pipe.ZAdd(ctx, redisSessionsKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: sessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fail(fmt.Errorf("failed to append to session in Redis: %w", err))
	}

	return nil
}

// Clear removes the session and its index entry. Clearing an absent
// session succeeds.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(redisBackend, "clear", time.Since(start))
	}()

	if err := ValidateSessionID(sessionID); err != nil {
		observability.RecordStoreError(redisBackend, "clear")
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisSessionKey(sessionID))
	pipe.ZRem(ctx, redisSessionsKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		observability.RecordStoreError(redisBackend, "clear")
		return fmt.Errorf("failed to clear session in Redis: %w", err)
	}

	return nil
}

// ListSessions returns all indexed sessions, most recently modified first.
func (s *RedisStore) ListSessions(ctx context.Context) ([]string, error) {
	sessions, err := s.client.ZRevRange(ctx, redisSessionsKey, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to list sessions from Redis: %w", err)
	}
	if sessions == nil {
		sessions = []string{}
	}

	observability.SetActiveSessions(len(sessions))

	return sessions, nil
}

// Exists reports whether the session has at least one persisted item.
func (s *RedisStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return false, err
	}

	n, err := s.client.Exists(ctx, redisSessionKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session in Redis: %w", err)
	}

	return n == 1, nil
}

// Close is a no-op; the injected client belongs to the caller.
func (s *RedisStore) Close() error {
	return nil
}

func itemValues(items []Item) []interface{} {
	values := make([]interface{}, len(items))
	for i, item := range items {
		values[i] = []byte(item)
	}
	return values
}
