package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count     int
	expiresAt time.Time
}

// MemoryStore keeps counters in process memory
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// WithClock replaces the time source
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// Hit checks and increments the window of key
func (m *MemoryStore) Hit(_ context.Context, key string, limit int, ttl time.Duration) (int, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, exists := m.windows[key]
	if !exists || !now.Before(w.expiresAt) {
		w = &window{expiresAt: now.Add(ttl)}
		m.windows[key] = w
	}

	if w.count >= limit {
		return w.count, w.expiresAt, false, nil
	}
	w.count++
	return w.count, w.expiresAt, true, nil
}

// GC drops expired windows
func (m *MemoryStore) GC() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, w := range m.windows {
		if !now.Before(w.expiresAt) {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// StartGC collects expired windows every interval until ctx is done
func (m *MemoryStore) StartGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.GC()
			}
		}
	}()
}
