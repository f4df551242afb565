package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpulse/mailpulse/errors"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

const owner = "owner-1"

func newTestLimiter(limit int) (*Limiter, *mockClock) {
	clock := newMockClock(time.Now())
	return NewLimiterWithClock(limit, NewMemoryStore(), clock.Now), clock
}

// Given: Limiter configured for 10 calls/minute
// When: Making 5 calls within 1 minute
// Then: All calls should be allowed
func TestLimiter_UnderLimit(t *testing.T) {
	limiter, clock := newTestLimiter(10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := limiter.Allow(ctx, owner); err != nil {
			t.Errorf("Call %d: expected no error, got %v", i+1, err)
		}
		clock.Advance(1 * time.Second)
	}
}

// Given: Limiter configured for 10 calls/minute
// When: Making 15 calls within 1 minute
// Then: First 10 allowed, last 5 rejected
func TestLimiter_OverLimit(t *testing.T) {
	limiter, clock := newTestLimiter(10)
	ctx := context.Background()

	successCount := 0
	failureCount := 0
	for i := 0; i < 15; i++ {
		if err := limiter.Allow(ctx, owner); err == nil {
			successCount++
		} else {
			assert.True(t, errors.Is(err, ErrRateLimited))
			failureCount++
		}
		clock.Advance(10 * time.Millisecond)
	}

	assert.Equal(t, 10, successCount)
	assert.Equal(t, 5, failureCount)
}

// Owners have separate windows
func TestLimiter_KeysAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(2)
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "a"))
	require.NoError(t, limiter.Allow(ctx, "a"))
	assert.Error(t, limiter.Allow(ctx, "a"))
	assert.NoError(t, limiter.Allow(ctx, "b"))
}

// Given: Sliding window limiter with 10 calls/minute limit
// When: Making 10 calls instantly, then waiting 60s, then 10 more
// Then: First batch allowed, second batch allowed after window expires
func TestLimiter_SlidingWindow(t *testing.T) {
	limiter, clock := newTestLimiter(10)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Allow(ctx, owner), "burst call %d", i+1)
	}
	assert.Error(t, limiter.Allow(ctx, owner), "at capacity")

	// Still within the 60s window
	clock.Advance(30 * time.Second)
	assert.Error(t, limiter.Allow(ctx, owner))

	// Exactly 60s after the burst the burst has expired
	clock.Advance(30 * time.Second)
	for i := 0; i < 10; i++ {
		assert.NoError(t, limiter.Allow(ctx, owner), "post-window call %d", i+1)
	}
}

// Given: Limiter configured for 100 calls/minute
// When: 10 goroutines each making 20 calls (200 total)
// Then: Exactly 100 should succeed
func TestLimiter_Concurrent(t *testing.T) {
	limiter := NewLimiter(100, NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan bool, 200)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				results <- limiter.Allow(ctx, owner) == nil
			}
		}()
	}
	wg.Wait()
	close(results)

	successCount := 0
	for success := range results {
		if success {
			successCount++
		}
	}
	assert.Equal(t, 100, successCount)
}

func TestLimiter_Unlimited(t *testing.T) {
	limiter, _ := newTestLimiter(0)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		require.NoError(t, limiter.Allow(ctx, owner))
	}
	calls, remaining, err := limiter.Stats(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, calls, "unlimited calls are not recorded")
	assert.Equal(t, -1, remaining)
}

func TestLimiter_SetLimit(t *testing.T) {
	limiter, _ := newTestLimiter(1)
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, owner))
	assert.Error(t, limiter.Allow(ctx, owner))

	limiter.SetLimit(3)
	assert.Equal(t, 3, limiter.Limit())
	assert.NoError(t, limiter.Allow(ctx, owner))
}

func TestLimiter_ResetAndStats(t *testing.T) {
	limiter, _ := newTestLimiter(10)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, limiter.Allow(ctx, owner))
	}
	calls, remaining, err := limiter.Stats(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 6, remaining)

	require.NoError(t, limiter.Reset(ctx, owner))
	calls, remaining, err = limiter.Stats(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Equal(t, 10, remaining)
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	limiter, _ := newTestLimiter(1)
	require.NoError(t, limiter.Allow(context.Background(), owner))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := limiter.Wait(ctx, owner)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLimiter_WaitUntilWindowOpens(t *testing.T) {
	limiter, clock := newTestLimiter(1)
	require.NoError(t, limiter.Allow(context.Background(), owner))

	go func() {
		time.Sleep(50 * time.Millisecond)
		clock.Advance(time.Minute)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, limiter.Wait(ctx, owner))
}

type failingStore struct{ MemoryStore }

func (*failingStore) Reserve(context.Context, string, time.Time, time.Duration, int) (bool, int, error) {
	return false, 0, errors.New("connection refused")
}

func TestLimiter_StoreErrorsAreNotRetried(t *testing.T) {
	limiter := NewLimiter(5, &failingStore{})
	err := limiter.Wait(context.Background(), owner)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRateLimited))
	assert.Contains(t, err.Error(), "connection refused")
}
