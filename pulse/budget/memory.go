package budget

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sliding windows in process memory
type MemoryStore struct {
	mu    sync.Mutex
	calls map[string][]time.Time
}

// NewMemoryStore creates an empty in-memory window store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string][]time.Time)}
}

func (m *MemoryStore) Reserve(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := m.removeExpiredCalls(key, now, window)
	if len(calls) >= limit {
		return false, len(calls), nil
	}
	m.calls[key] = append(calls, now)
	return true, len(calls) + 1, nil
}

func (m *MemoryStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.removeExpiredCalls(key, now, window)), nil
}

func (m *MemoryStore) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, key)
	return nil
}

// removeExpiredCalls drops timestamps at or before now-window.
// Must be called with lock held.
func (m *MemoryStore) removeExpiredCalls(key string, now time.Time, window time.Duration) []time.Time {
	calls := m.calls[key]
	cutoff := now.Add(-window)

	// Timestamps are appended in order, so expired ones are a prefix
	expired := 0
	for _, callTime := range calls {
		if !callTime.After(cutoff) {
			expired++
		} else {
			break
		}
	}

	calls = calls[expired:]
	if len(calls) == 0 {
		delete(m.calls, key)
		return nil
	}
	m.calls[key] = calls
	return calls
}
