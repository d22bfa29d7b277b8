// Package ratelimit implements the process-wide byte-budget token
// bucket. rate.Limiter's continuous refill with a one-second burst
// bucket gives every active download a shared, runtime-adjustable
// throughput ceiling.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Limiter gates byte throughput across every active download. A zero or
// negative limit means unlimited: Acquire returns immediately.
type Limiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	bps     atomic.Int64
}

// New builds a Limiter. limitBps <= 0 means unlimited.
func New(limitBps int64) *Limiter {
	l := &Limiter{}
	l.SetLimit(limitBps)
	return l
}

// Acquire blocks until n bytes of budget are available, or ctx is
// cancelled. Burst requests larger than the bucket size are split since
// rate.Limiter refuses to admit a request bigger than its burst.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	l.mu.RLock()
	lim := l.limiter
	l.mu.RUnlock()

	if lim == nil {
		return nil // unlimited
	}

	burst := lim.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := lim.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// SetLimit adjusts the throughput ceiling at runtime. limitBps <= 0
// disables limiting entirely. Bucket size tracks limitBps (1s burst).
func (l *Limiter) SetLimit(limitBps int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.bps.Store(limitBps)
	if limitBps <= 0 {
		l.limiter = nil
		return
	}
	if l.limiter == nil {
		l.limiter = rate.NewLimiter(rate.Limit(limitBps), int(limitBps))
		return
	}
	l.limiter.SetLimit(rate.Limit(limitBps))
	l.limiter.SetBurst(int(limitBps))
}

// CurrentLimit returns the configured limit in bytes/sec, 0 meaning unlimited.
func (l *Limiter) CurrentLimit() int64 {
	return l.bps.Load()
}
