package source

import (
	"context"
	"errors"
	"sync"
)

// ErrLimiterClosed is returned by Acquire after Close.
var ErrLimiterClosed = errors.New("limiter closed")

// Limiter bounds the number of messages processed concurrently across all
// partitions.
type Limiter struct {
	capacity int64

	mu     sync.Mutex
	tokens int64
	cond   *sync.Cond
	closed bool
}

func NewLimiter(capacity int64) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	l := &Limiter{capacity: capacity, tokens: capacity}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire takes one slot, blocking until one is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for l.tokens == 0 && !l.closed && ctx.Err() == nil {
		l.cond.Wait()
	}
	if l.closed {
		return ErrLimiterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.tokens--
	return nil
}

func (l *Limiter) Release(n int64) {
	l.mu.Lock()
	l.tokens += n
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

// InUse reports how many slots are taken.
func (l *Limiter) InUse() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity - l.tokens
}

func (l *Limiter) Capacity() int64 { return l.capacity }

func (l *Limiter) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
}
