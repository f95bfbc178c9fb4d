package metering

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrRedisUnavailable is returned when Redis fails and fallback is disabled.
var ErrRedisUnavailable = errors.New("redis unavailable for rate limiting")

// RedisWindowClient is the subset of Redis commands the window limiter needs.
type RedisWindowClient interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// RedisWindowConfig configures RedisWindowLimiter.
type RedisWindowConfig struct {
	// KeyPrefix is prepended to every counter key.
	KeyPrefix string
	// KeyHashSecret, when set, replaces developer ids in keys with an HMAC-SHA256 digest.
	KeyHashSecret []byte
	// EnableFallback counts in process memory while Redis is failing instead of denying.
	EnableFallback bool
	// RetryInterval is how long to stay on the fallback before trying Redis again.
	RetryInterval time.Duration
}

// DefaultRedisWindowConfig returns default configuration.
func DefaultRedisWindowConfig() RedisWindowConfig {
	return RedisWindowConfig{
		KeyPrefix:      "devkeys:rate:",
		EnableFallback: true,
		RetryInterval:  5 * time.Second,
	}
}

// RedisWindowLimiter shares fixed one-minute buckets across instances through Redis
// INCR. Over-limit increments are undone with DECR so denied calls are not counted.
type RedisWindowLimiter struct {
	client   RedisWindowClient
	config   RedisWindowConfig
	fallback *MemoryWindowLimiter
	logger   *zap.Logger
	now      func() time.Time

	// unix nanos until which Redis is skipped; 0 while healthy.
	downUntil atomic.Int64
}

// NewRedisWindowLimiter creates a Redis-backed window limiter.
func NewRedisWindowLimiter(client RedisWindowClient, config RedisWindowConfig, logger *zap.Logger) *RedisWindowLimiter {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultRedisWindowConfig().KeyPrefix
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRedisWindowConfig().RetryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &RedisWindowLimiter{
		client: client,
		config: config,
		logger: logger,
		now:    time.Now,
	}
	if config.EnableFallback {
		l.fallback = NewMemoryWindowLimiter()
	}
	return l
}

func (r *RedisWindowLimiter) buildKey(developerID string, start time.Time) string {
	keyID := developerID
	if len(r.config.KeyHashSecret) > 0 {
		keyID = hashDeveloperID(developerID, r.config.KeyHashSecret)
	}
	return fmt.Sprintf("%s%s:%d", r.config.KeyPrefix, keyID, start.Unix())
}

// hashDeveloperID returns the first 16 hex characters of HMAC-SHA256(id).
func hashDeveloperID(developerID string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(developerID))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (r *RedisWindowLimiter) available() bool {
	until := r.downUntil.Load()
	return until == 0 || r.now().UnixNano() >= until
}

func (r *RedisWindowLimiter) markUnavailable(err error) {
	if r.downUntil.Swap(r.now().Add(r.config.RetryInterval).UnixNano()) == 0 {
		r.logger.Warn("redis rate window unavailable", zap.Error(err), zap.Bool("fallback", r.fallback != nil))
	}
}

func (r *RedisWindowLimiter) markAvailable() {
	if r.downUntil.Swap(0) != 0 {
		r.logger.Info("redis rate window recovered")
	}
}

// Reserve increments the developer's bucket and undoes the increment when it overflows limit.
func (r *RedisWindowLimiter) Reserve(ctx context.Context, developerID string, limit int) (Reservation, error) {
	start := windowStart(r.now())
	if !r.available() {
		return r.fallbackReserve(ctx, developerID, limit, ErrRedisUnavailable)
	}

	key := r.buildKey(developerID, start)
	count, err := r.client.Incr(ctx, key)
	if err != nil {
		r.markUnavailable(err)
		return r.fallbackReserve(ctx, developerID, limit, err)
	}
	r.markAvailable()

	if count == 1 {
		// Orphaned keys without a TTL only cost memory; the bucket is never reused.
		_ = r.client.Expire(ctx, key, WindowDuration+time.Second)
	}

	res := Reservation{WindowStart: start, ResetAt: start.Add(WindowDuration)}
	if count > int64(limit) {
		_, _ = r.client.Decr(ctx, key)
		return res, nil
	}
	res.Allowed = true
	res.Remaining = limit - int(count)
	return res, nil
}

func (r *RedisWindowLimiter) fallbackReserve(ctx context.Context, developerID string, limit int, cause error) (Reservation, error) {
	if r.fallback == nil {
		return Reservation{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, cause)
	}
	return r.fallback.Reserve(ctx, developerID, limit)
}

// Release decrements the bucket that started at windowStart.
func (r *RedisWindowLimiter) Release(ctx context.Context, developerID string, windowStart time.Time) error {
	if !r.available() {
		if r.fallback != nil {
			return r.fallback.Release(ctx, developerID, windowStart)
		}
		return ErrRedisUnavailable
	}
	if _, err := r.client.Decr(ctx, r.buildKey(developerID, windowStart)); err != nil {
		r.markUnavailable(err)
		return fmt.Errorf("failed to release rate window: %w", err)
	}
	return nil
}

// Remaining reports how many calls are left in the current bucket.
func (r *RedisWindowLimiter) Remaining(ctx context.Context, developerID string, limit int) (int, error) {
	if !r.available() {
		if r.fallback != nil {
			return r.fallback.Remaining(ctx, developerID, limit)
		}
		return 0, ErrRedisUnavailable
	}

	value, err := r.client.Get(ctx, r.buildKey(developerID, windowStart(r.now())))
	if err != nil {
		r.markUnavailable(err)
		if r.fallback != nil {
			return r.fallback.Remaining(ctx, developerID, limit)
		}
		return 0, fmt.Errorf("failed to read rate window: %w", err)
	}
	if value == "" {
		return limit, nil
	}
	count, err := strconv.Atoi(value)
	if err != nil {
		count = 0
	}
	return max(limit-count, 0), nil
}
