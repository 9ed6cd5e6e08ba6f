package catalogue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLeasePoolBoundsConcurrency(t *testing.T) {
	pool := NewLeasePool(2)

	var (
		current atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Do(context.Background(), func(context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int64(0), pool.InUse())
}

func TestLeasePoolReleasesOnError(t *testing.T) {
	pool := NewLeasePool(1)
	boom := errors.New("boom")

	err := pool.Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), pool.InUse())

	require.NoError(t, pool.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestLeasePoolReleasesOnPanic(t *testing.T) {
	pool := NewLeasePool(1)

	func() {
		defer func() { _ = recover() }()
		_ = pool.Do(context.Background(), func(context.Context) error { panic("boom") })
	}()

	assert.Equal(t, int64(0), pool.InUse())
	require.NoError(t, pool.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestLeasePoolWaitHonoursCancellation(t *testing.T) {
	pool := NewLeasePool(1)
	hold := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = pool.Do(context.Background(), func(context.Context) error {
			close(held)
			<-hold
			return nil
		})
	}()
	<-held
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := pool.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
	assert.Equal(t, int64(1), pool.InUse())
}

func TestMatcherReportsLeaseStats(t *testing.T) {
	pool := NewLeasePool(3)
	matcher := NewMatcher(&stubStore{}, pool, MatcherOptions{QueryTimeout: time.Second}, zap.NewNop())
	assert.Equal(t, LeaseStats{Size: 3}, matcher.Leases())

	hold := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = pool.Do(context.Background(), func(context.Context) error {
			close(held)
			<-hold
			return nil
		})
	}()
	<-held
	assert.Equal(t, LeaseStats{Size: 3, InUse: 1}, matcher.Leases())
	close(hold)
}
