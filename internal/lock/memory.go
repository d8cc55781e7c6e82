package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"stockguard/internal/obs"
)

type memEntry struct {
	token      string
	acquiredAt time.Time
	ttl        time.Duration
}

func (e memEntry) live(now time.Time) bool {
	return now.Sub(e.acquiredAt) < e.ttl
}

// MemoryLocker is a single-process lock table. It is only correct when one
// server instance owns all checkouts; use RedisLocker otherwise.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memEntry

	metrics *obs.Metrics

	// Now is injected for tests; nil means time.Now.
	Now func() time.Time
}

func NewMemoryLocker(metrics *obs.Metrics) *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]memEntry),
		metrics: metrics,
	}
}

func (m *MemoryLocker) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(key, ttl); err != nil {
		return Lease{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.entries[key]; ok {
		if cur.live(now) {
			m.metrics.LockAcquire("held")
			return Lease{}, false, nil
		}
		// lazily drop the expired entry
		delete(m.entries, key)
	}

	e := memEntry{token: uuid.NewString(), acquiredAt: now, ttl: ttl}
	m.entries[key] = e
	m.metrics.LockAcquire("success")
	return Lease{Key: key, Token: e.token, AcquiredAt: now, TTL: ttl}, true, nil
}

func (m *MemoryLocker) Release(_ context.Context, lease Lease) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entries[lease.Key]
	if !ok || cur.token != lease.Token {
		m.metrics.LockRelease("not_owner")
		return false, nil
	}
	delete(m.entries, lease.Key)
	m.metrics.LockRelease("success")
	return true, nil
}

// Sweep removes expired entries and reports how many it removed.
func (m *MemoryLocker) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleared := 0
	for k, e := range m.entries {
		if !e.live(now) {
			delete(m.entries, k)
			cleared++
		}
	}
	return cleared, nil
}

// Held counts live entries.
func (m *MemoryLocker) Held(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if e.live(now) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryLocker) Name() string { return "lock" }
