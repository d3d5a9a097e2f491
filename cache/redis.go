package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mobileconnect/mcerr"
)

// DefaultRedisKeyPrefix namespaces discovery entries in Redis.
const DefaultRedisKeyPrefix = "mobileconnect:discovery:"

// RedisConfig configures the Redis store.
type RedisConfig struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is prepended to every key.
	// Default: "mobileconnect:discovery:"
	KeyPrefix string

	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

// Redis is a Store shared between processes through Redis.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

type storedEntry struct {
	ExpiresAt time.Time `json:"expires_at"`
	Value     []byte    `json:"value"`
}

// NewRedis creates a Redis-backed store.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Redis{client: cfg.Client, keyPrefix: cfg.KeyPrefix, now: cfg.Now}, nil
}

// Add writes the entry with a native expiry matching ExpiresAt. An entry
// that is already stale replaces any existing value by deleting it.
func (s *Redis) Add(ctx context.Context, key Key, entry *Entry) error {
	if !key.Valid() {
		return mcerr.InvalidArgument("key")
	}
	if entry == nil {
		return mcerr.InvalidArgument("entry")
	}

	redisKey := s.buildKey(key)
	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
		}
		return nil
	}

	payload, err := json.Marshal(storedEntry{ExpiresAt: entry.ExpiresAt, Value: entry.Value})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := s.client.Set(ctx, redisKey, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

// Get reads the entry for key. Entries past their expiry are reported as
// absent; Redis removes them on its own schedule.
func (s *Redis) Get(ctx context.Context, key Key) (*Entry, error) {
	if !key.Valid() {
		return nil, mcerr.InvalidArgument("key")
	}

	redisKey := s.buildKey(key)
	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var stored storedEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	entry := &Entry{ExpiresAt: stored.ExpiresAt, Value: stored.Value}
	if entry.Expired(s.now()) {
		return nil, nil
	}
	return entry, nil
}

// Remove deletes the entry for key.
func (s *Redis) Remove(ctx context.Context, key Key) error {
	redisKey := s.buildKey(key)
	if err := s.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
	}
	return nil
}

// Clear deletes every key under the configured prefix.
func (s *Redis) Clear(ctx context.Context) error {
	pattern := s.keyPrefix + "*"
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close closes the underlying client.
func (s *Redis) Close() error {
	return s.client.Close()
}

func (s *Redis) buildKey(key Key) string {
	return s.keyPrefix + key.String()
}

var _ Store = (*Redis)(nil)
