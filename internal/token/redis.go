package token

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/young1lin/searchmux/internal/models"
	"github.com/young1lin/searchmux/pkg/logger"
)

const redisKeyPrefix = "searchmux:token:"

// RedisStore shares one token cache across instances. Expiry is pushed
// into Redis itself: each entry gets a TTL matching the token's
// ExpiresAt, so expired tokens vanish without a sweeper.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed token store
func NewRedisStore(addr string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	return &RedisStore{client: client, now: time.Now}
}

// NewRedisStoreWithClient wraps an existing client (used by tests)
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Get retrieves a token. A missing key covers both absent and
// TTL-expired entries; expiry is double-checked for clock skew.
func (s *RedisStore) Get(userID, provider string) (models.CachedToken, bool) {
	ctx := context.Background()
	data, err := s.client.Get(ctx, redisKeyPrefix+key(userID, provider)).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("redis token get failed",
				zap.String("provider", provider),
				zap.Error(err))
		}
		return models.CachedToken{}, false
	}

	var t models.CachedToken
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		logger.Warn("redis token unmarshal failed", zap.Error(err))
		return models.CachedToken{}, false
	}
	if t.Expired(s.now()) {
		_ = s.Invalidate(userID, provider)
		return models.CachedToken{}, false
	}
	return t, true
}

// Put stores a token with a TTL derived from its expiry
func (s *RedisStore) Put(t models.CachedToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if !t.ExpiresAt.IsZero() {
		ttl = time.Until(t.ExpiresAt)
		if ttl <= 0 {
			return nil // already expired, nothing to cache
		}
	}

	ctx := context.Background()
	return s.client.Set(ctx, redisKeyPrefix+key(t.UserID, t.Provider), data, ttl).Err()
}

// Invalidate removes a token
func (s *RedisStore) Invalidate(userID, provider string) error {
	ctx := context.Background()
	return s.client.Del(ctx, redisKeyPrefix+key(userID, provider)).Err()
}

// Close closes the client connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
