package metering

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGoAdapter adapts a go-redis client to RedisWindowClient.
type RedisGoAdapter struct {
	Client redis.UniversalClient
}

// NewRedisGoAdapter wraps client.
func NewRedisGoAdapter(client redis.UniversalClient) *RedisGoAdapter {
	return &RedisGoAdapter{Client: client}
}

// Incr atomically increments a key and returns the new value.
func (a *RedisGoAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return a.Client.Incr(ctx, key).Result()
}

// Decr atomically decrements a key and returns the new value.
func (a *RedisGoAdapter) Decr(ctx context.Context, key string) (int64, error) {
	return a.Client.Decr(ctx, key).Result()
}

// Get returns the value of a key, or "" when it does not exist.
func (a *RedisGoAdapter) Get(ctx context.Context, key string) (string, error) {
	result, err := a.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return result, err
}

// Expire sets a TTL on a key.
func (a *RedisGoAdapter) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return a.Client.Expire(ctx, key, expiration).Err()
}
