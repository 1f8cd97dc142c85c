package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by a shared Redis instance, for deployments
// running more than one SSAP replica. Keys:
//
//	{prefix}:session:{session_id} → Record JSON
//	{prefix}:binding:{sha256(principal:thread)} → {"session_id": ...}
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

type bindingPayload struct {
	SessionID string `json:"session_id"`
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + ":session:" + sessionID
}

func (s *RedisStore) bindingKey(principalID, threadID string) string {
	return s.prefix + ":binding:" + bindingHash(principalID, threadID)
}

func (s *RedisStore) LoadSession(ctx context.Context, sessionID string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, s.sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// A corrupt payload is treated as a miss; the manager will rebuild.
		return nil, nil
	}
	return &rec, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, record *Record, ttl time.Duration) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if err := s.rdb.Set(ctx, s.sessionKey(record.SessionID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadBinding(ctx context.Context, principalID, threadID string) (string, error) {
	raw, err := s.rdb.Get(ctx, s.bindingKey(principalID, threadID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get binding: %w", err)
	}

	var payload bindingPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", nil
	}
	return payload.SessionID, nil
}

func (s *RedisStore) SaveBinding(ctx context.Context, principalID, threadID, sessionID string, ttl time.Duration) error {
	raw, err := json.Marshal(bindingPayload{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("marshal binding: %w", err)
	}
	if err := s.rdb.Set(ctx, s.bindingKey(principalID, threadID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set binding: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, record *Record) error {
	if err := s.rdb.Del(ctx,
		s.sessionKey(record.SessionID),
		s.bindingKey(record.PrincipalID, record.ThreadID),
	).Err(); err != nil {
		return fmt.Errorf("redis del session+binding: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
