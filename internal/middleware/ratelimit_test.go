package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func TestLocalLimiterQuotaPerKey(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	limiter := NewLocalLimiter(2, time.Minute)
	limiter.now = clock.now
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2, d.Limit)
	}

	d, err := limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	other, err := limiter.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are limited independently")

	clock.t = clock.t.Add(30 * time.Second)
	d, err = limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLocalLimiterEvictsIdleKeys(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	limiter := NewLocalLimiter(1, time.Second)
	limiter.now = clock.now
	limiter.maxKeys = 2

	_, _ = limiter.Allow(context.Background(), "a")
	_, _ = limiter.Allow(context.Background(), "b")
	clock.t = clock.t.Add(2 * time.Second)
	_, _ = limiter.Allow(context.Background(), "c")

	assert.Len(t, limiter.buckets, 1)
}

type stubCounter struct {
	counts   map[string]int64
	expires  map[string]time.Duration
	incrErrs []error
	incrs    int
}

func newStubCounter() *stubCounter {
	return &stubCounter{counts: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (s *stubCounter) Incr(ctx context.Context, key string) (int64, error) {
	s.incrs++
	if len(s.incrErrs) > 0 {
		err := s.incrErrs[0]
		s.incrErrs = s.incrErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	s.counts[key]++
	return s.counts[key], nil
}

func (s *stubCounter) Expire(ctx context.Context, key string, expiration time.Duration) error {
	s.expires[key] = expiration
	return nil
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	counter := newStubCounter()
	clock := &fakeClock{t: time.Unix(900, 0)}
	limiter := NewRedisLimiter(counter, 2, 15*time.Minute, zap.NewNop())
	limiter.now = clock.now
	ctx := context.Background()

	first, err := limiter.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)
	assert.Len(t, counter.expires, 1, "expiry is set once per window")

	second, err := limiter.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, 0, second.Remaining)

	clock.t = clock.t.Add(10 * time.Minute)
	third, err := limiter.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Equal(t, 5*time.Minute, third.RetryAfter)

	clock.t = clock.t.Add(5 * time.Minute)
	fourth, err := limiter.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, fourth.Allowed, "a new window starts with a fresh count")
}

func TestRedisLimiterRetriesTransientErrors(t *testing.T) {
	counter := newStubCounter()
	counter.incrErrs = []error{context.DeadlineExceeded}
	limiter := NewRedisLimiter(counter, 5, time.Minute, zap.NewNop())

	d, err := limiter.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, counter.incrs)
}

func TestRedisLimiterSurfacesPermanentErrors(t *testing.T) {
	counter := newStubCounter()
	counter.incrErrs = []error{errors.New("WRONGTYPE")}
	limiter := NewRedisLimiter(counter, 5, time.Minute, zap.NewNop())

	_, err := limiter.Allow(context.Background(), "k")
	assert.Error(t, err)
	assert.Equal(t, 1, counter.incrs)
}

type staticLimiter struct {
	decision Decision
	err      error
}

func (s staticLimiter) Allow(context.Context, string) (Decision, error) {
	return s.decision, s.err
}

func newLimitedRouter(limiter Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit(limiter, zap.NewNop()))
	router.POST("/api/shapes/recognize", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	router := newLimitedRouter(staticLimiter{decision: Decision{Limit: 100, RetryAfter: 1500 * time.Millisecond}})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/shapes/recognize", nil))

	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "2", resp.Header().Get("Retry-After"))
	assert.Equal(t, "100", resp.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", resp.Header().Get("X-RateLimit-Remaining"))
	assert.JSONEq(t, `{"error":"Too many requests, please try again later."}`, resp.Body.String())
}

func TestRateLimitAllows(t *testing.T) {
	router := newLimitedRouter(staticLimiter{decision: Decision{Allowed: true, Limit: 100, Remaining: 99}})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/shapes/recognize", nil))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "99", resp.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitFailsOpen(t *testing.T) {
	router := newLimitedRouter(staticLimiter{err: errors.New("redis down")})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/shapes/recognize", nil))

	assert.Equal(t, http.StatusOK, resp.Code)
}
