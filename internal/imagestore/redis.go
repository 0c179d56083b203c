package imagestore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache abstracts the Redis operations the store needs to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// RedisStore keeps each session's image as PNG bytes under image:<session>,
// which lets several replicas of the service share uploads.
type RedisStore struct {
	cache Cache
	ttl   time.Duration
}

// NewRedisStore returns a store whose entries expire after ttl (0 keeps them).
func NewRedisStore(cache Cache, ttl time.Duration) *RedisStore {
	return &RedisStore{cache: cache, ttl: ttl}
}

func redisKey(sessionID string) string {
	return "image:" + sessionID
}

// Put replaces the session's image.
func (s *RedisStore) Put(ctx context.Context, sessionID string, img *Image) error {
	return s.cache.Set(ctx, redisKey(sessionID), img.PNG, s.ttl)
}

// Get returns the session's image or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Image, error) {
	data, err := s.cache.Get(ctx, redisKey(sessionID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return FromPNG([]byte(data))
}
