package budget

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mailpulse/mailpulse/errors"
)

// ErrRateLimited marks a call rejected by the sliding window
var ErrRateLimited = errors.New("rate limit exceeded")

// WindowStore keeps the call timestamps of each key's sliding window.
// MemoryStore serves a single process; RedisStore shares windows between
// processes using the same database.
type WindowStore interface {
	// Reserve records a call at now if fewer than limit calls fall inside
	// (now-window, now]. It returns whether the call was recorded and the
	// number of calls in the window afterwards.
	Reserve(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (allowed bool, count int, err error)
	// Count returns the calls inside (now-window, now]
	Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
	// Reset forgets all calls for key
	Reset(ctx context.Context, key string) error
}

// Limiter enforces max calls per key per minute using a sliding window
type Limiter struct {
	store             WindowStore
	maxCallsPerMinute atomic.Int64 // <= 0 disables limiting
	window            time.Duration
	retryInterval     time.Duration
	timeNow           func() time.Time // Injectable for testing
}

// NewLimiter creates a rate limiter with real time
func NewLimiter(maxCallsPerMinute int, store WindowStore) *Limiter {
	return NewLimiterWithClock(maxCallsPerMinute, store, time.Now)
}

// NewLimiterWithClock creates a rate limiter with injectable clock (for testing)
func NewLimiterWithClock(maxCallsPerMinute int, store WindowStore, timeNow func() time.Time) *Limiter {
	l := &Limiter{
		store:         store,
		window:        60 * time.Second,
		retryInterval: 100 * time.Millisecond,
		timeNow:       timeNow,
	}
	l.maxCallsPerMinute.Store(int64(maxCallsPerMinute))
	return l
}

// SetLimit changes the per-minute limit; calls already in the window still count
func (r *Limiter) SetLimit(maxCallsPerMinute int) {
	r.maxCallsPerMinute.Store(int64(maxCallsPerMinute))
}

// Limit returns the per-minute limit, 0 or less when unlimited
func (r *Limiter) Limit() int {
	return int(r.maxCallsPerMinute.Load())
}

// Allow records a call for key if it fits under the limit.
// Returns an error marked ErrRateLimited if the limit is reached.
func (r *Limiter) Allow(ctx context.Context, key string) error {
	limit := r.Limit()
	if limit <= 0 {
		return nil
	}

	allowed, count, err := r.store.Reserve(ctx, key, r.timeNow(), r.window, limit)
	if err != nil {
		return errors.Wrapf(err, "failed to reserve send for %s", key)
	}
	if !allowed {
		err := errors.Newf("rate limit exceeded: %d calls per minute (limit: %d)", count, limit)
		err = errors.WithDetail(err, fmt.Sprintf("Key: %s", key))
		err = errors.WithDetail(err, fmt.Sprintf("Current calls in window: %d", count))
		err = errors.WithDetail(err, "Remaining capacity: 0")
		return errors.Mark(err, ErrRateLimited)
	}
	return nil
}

// Wait blocks until a call for key is allowed.
// Returns the context error if ctx ends first, or a store error.
func (r *Limiter) Wait(ctx context.Context, key string) error {
	for {
		err := r.Allow(ctx, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRateLimited) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryInterval):
		}
	}
}

// Reset clears the window for key
func (r *Limiter) Reset(ctx context.Context, key string) error {
	return r.store.Reset(ctx, key)
}

// Stats returns the calls in key's current window and the remaining capacity.
// remaining is -1 when limiting is disabled.
func (r *Limiter) Stats(ctx context.Context, key string) (callsInWindow int, remaining int, err error) {
	callsInWindow, err = r.store.Count(ctx, key, r.timeNow(), r.window)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to count sends for %s", key)
	}

	limit := r.Limit()
	if limit <= 0 {
		return callsInWindow, -1, nil
	}
	return callsInWindow, max(limit-callsInWindow, 0), nil
}
