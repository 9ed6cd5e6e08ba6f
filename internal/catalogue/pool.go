package catalogue

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// LeasePool bounds how many catalogue queries run at once.
//
// A lease is held only for the duration of the callback and is returned on every
// exit path, including panics and cancellation. Waiting for a lease honours ctx.
type LeasePool struct {
	sem   *semaphore.Weighted
	size  int64
	inUse atomic.Int64
}

// NewLeasePool creates a pool of size leases; size below 1 is treated as 1.
func NewLeasePool(size int) *LeasePool {
	if size < 1 {
		size = 1
	}
	return &LeasePool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Do runs fn while holding one lease.
func (p *LeasePool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire catalogue lease: %w", err)
	}
	p.inUse.Add(1)
	defer func() {
		p.inUse.Add(-1)
		p.sem.Release(1)
	}()
	return fn(ctx)
}

// LeaseStats is a point-in-time view of a LeasePool.
type LeaseStats struct {
	Size  int64 `json:"size"`
	InUse int64 `json:"in_use"`
}

// Stats reports capacity and current usage.
func (p *LeasePool) Stats() LeaseStats {
	return LeaseStats{Size: p.Size(), InUse: p.InUse()}
}

// InUse returns the number of leases currently held.
func (p *LeasePool) InUse() int64 { return p.inUse.Load() }

// Size returns the pool capacity.
func (p *LeasePool) Size() int64 { return p.size }
