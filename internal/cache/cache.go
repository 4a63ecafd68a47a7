// Package cache keeps the provider's model list in Redis so repeated
// /v1/models calls do not reach the provider.
package cache

import (
	"context"
	"errors"
	"time"

	"relay-api/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrMiss is returned by a Store when the key does not exist.
var ErrMiss = errors.New("cache miss")

const writeTimeout = 2 * time.Second

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisStore adapts a go-redis client to Store.
type RedisStore struct {
	Client *redis.Client
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.Client.Set(ctx, key, value, ttl).Err()
}

type ModelsCache struct {
	store Store
	log   *zap.SugaredLogger
	key   string
	ttl   time.Duration
}

func NewModelsCache(store Store, log *zap.SugaredLogger) *ModelsCache {
	return &ModelsCache{store: store, log: log, key: shared.ModelsCacheKey, ttl: shared.ModelsCacheTTL}
}

// Get returns the cached model list body, if any.
func (m *ModelsCache) Get(ctx context.Context) ([]byte, bool) {
	cached, err := m.store.Get(ctx, m.key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			m.log.Warnw("Failed to read models cache", "error", err, "cache_key", m.key)
		}
		return nil, false
	}
	if cached == "" {
		return nil, false
	}
	m.log.Debugw("Cache hit for models list", "cache_key", m.key)
	return []byte(cached), true
}

// Put stores body in the background. The caller's request is not delayed by
// the write.
func (m *ModelsCache) Put(body []byte) {
	value := string(body)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := m.store.Set(ctx, m.key, value, m.ttl); err != nil {
			m.log.Warnw("Failed to cache models list", "error", err, "cache_key", m.key)
		}
	}()
}
