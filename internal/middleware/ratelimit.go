package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/sketch-match/internal/logging"
	"github.com/example/sketch-match/internal/resilience"
)

// Decision is the result of a rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RateLimit rejects callers over their quota with 429. A limiter failure lets the
// request through and is logged.
func RateLimit(limiter Limiter, logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("rate_limit")
	return func(c *gin.Context) {
		decision, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			logging.WithOperation(logger, "middleware.rate_limit", GetRequestID(c)).
				Warn("rate limiter unavailable, allowing request", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests, please try again later."})
			return
		}
		c.Next()
	}
}

// LocalLimiter is an in-process token bucket per key holding quota requests and
// refilling over window.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	quota   int
	window  time.Duration
	maxKeys int
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const defaultMaxKeys = 10000

// NewLocalLimiter allows quota requests per window for each key.
func NewLocalLimiter(quota int, window time.Duration) *LocalLimiter {
	if quota < 1 {
		quota = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &LocalLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Every(window / time.Duration(quota)),
		quota:   quota,
		window:  window,
		maxKeys: defaultMaxKeys,
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictIdle(now)
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.quota)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	decision := Decision{Limit: l.quota}
	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		decision.RetryAfter = delay
		return decision, nil
	}
	decision.Allowed = true
	decision.Remaining = int(b.limiter.TokensAt(now))
	return decision, nil
}

// evictIdle drops buckets untouched for a full window; they would be full again anyway.
func (l *LocalLimiter) evictIdle(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.window {
			delete(l.buckets, key)
		}
	}
}

// Counter is the subset of Redis used by the shared limiter.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// RedisCounter is a concrete implementation backed by go-redis.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter constructs a new Redis-backed counter adapter.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr increments key and returns the new value.
func (c *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// Expire sets a TTL on key.
func (c *RedisCounter) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.client.Expire(ctx, key, expiration).Err()
}

// RedisLimiter is a fixed-window counter shared by every replica.
type RedisLimiter struct {
	counter Counter
	quota   int
	window  time.Duration
	prefix  string
	retry   resilience.RetryPolicy
	logger  *zap.Logger
	now     func() time.Time
}

// NewRedisLimiter allows quota requests per window for each key across all replicas.
func NewRedisLimiter(counter Counter, quota int, window time.Duration, logger *zap.Logger) *RedisLimiter {
	if quota < 1 {
		quota = 1
	}
	if window < time.Second {
		window = time.Second
	}
	return &RedisLimiter{
		counter: counter,
		quota:   quota,
		window:  window,
		prefix:  "ratelimit",
		retry:   resilience.RetryPolicy{Attempts: 2, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
		logger:  logger.Named("redis_limiter"),
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	slot := now.UnixNano() / int64(l.window)
	windowKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)
	resetAt := time.Unix(0, (slot+1)*int64(l.window))

	var count int64
	err := resilience.Retry(ctx, l.retry, l.logger, "cache.incr.rate_limit", resilience.IsTransient, func(ctx context.Context) error {
		n, err := l.counter.Incr(ctx, windowKey)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	if count == 1 {
		if err := l.counter.Expire(ctx, windowKey, l.window+time.Second); err != nil {
			logging.WithOperation(l.logger, "cache.expire.rate_limit", logging.RequestIDFromContext(ctx)).
				Warn("failed to set window expiry", zap.Error(err))
		}
	}

	decision := Decision{Limit: l.quota, Remaining: l.quota - int(count)}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if count > int64(l.quota) {
		decision.RetryAfter = resetAt.Sub(now)
		return decision, nil
	}
	decision.Allowed = true
	return decision, nil
}
