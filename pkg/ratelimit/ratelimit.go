// Package ratelimit implements a fixed-window request limiter with in-memory
// and Redis counters and an HTTP middleware.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidLimit    = errors.New("invalid limit")
	ErrInvalidInterval = errors.New("invalid interval")
	ErrKeyRequired     = errors.New("key is required")
	ErrStoreRequired   = errors.New("store is required")
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long to wait before retrying, or 0 when allowed.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed {
		return 0
	}
	return max(r.ResetAt.Sub(now), 0)
}

// Store counts hits per key within a window.
type Store interface {
	// Increment adds one hit to key and returns the count in the current
	// window and the time left until the window resets. The window starts
	// on the first hit.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	// Reset drops the counter of key.
	Reset(ctx context.Context, key string) error
}

// Limiter allows at most limit hits per key and window.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

// New creates a Limiter.
func New(store Store, limit int, window time.Duration) (*Limiter, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if window <= 0 {
		return nil, ErrInvalidInterval
	}
	return &Limiter{store: store, limit: limit, window: window, now: time.Now}, nil
}

// Allow records a hit for key.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	if key == "" {
		return Result{}, ErrKeyRequired
	}
	count, ttl, err := l.store.Increment(ctx, key, l.window)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: max(l.limit-int(count), 0),
		ResetAt:   l.now().Add(ttl),
	}, nil
}

// Reset clears the counter for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}
