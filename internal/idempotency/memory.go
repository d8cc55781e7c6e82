package idempotency

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryStore is process-local. Expired entries are dropped lazily on read
// and in bulk by Sweep.
type MemoryStore struct {
	mu         sync.Mutex
	items      map[string]memEntry
	retention  time.Duration
	pendingTTL time.Duration

	Now func() time.Time
}

func NewMemoryStore(retention, pendingTTL time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	return &MemoryStore{
		items:      make(map[string]memEntry),
		retention:  retention,
		pendingTTL: pendingTTL,
	}
}

func (s *MemoryStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *MemoryStore) Lookup(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.items, key)
		return nil, nil
	}
	rec := e.rec
	rec.Body = append([]byte(nil), e.rec.Body...)
	return &rec, nil
}

func (s *MemoryStore) Begin(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.items[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.items[key] = memEntry{
		rec:       Record{Key: key, Status: StatusPending, RecordedAt: now},
		expiresAt: now.Add(s.pendingTTL),
	}
	return true, nil
}

func (s *MemoryStore) Record(_ context.Context, key string, httpStatus int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cacheable(httpStatus) {
		delete(s.items, key)
		return nil
	}
	now := s.now()
	s.items[key] = memEntry{
		rec: Record{
			Key:        key,
			Status:     StatusCompleted,
			HTTPStatus: httpStatus,
			Body:       append([]byte(nil), body...),
			RecordedAt: now,
		},
		expiresAt: now.Add(s.retention),
	}
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[key]; ok && e.rec.Status == StatusPending {
		delete(s.items, key)
	}
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	for k, e := range s.items {
		if !now.Before(e.expiresAt) {
			delete(s.items, k)
			cleared++
		}
	}
	return cleared, nil
}

func (s *MemoryStore) Name() string { return "idempotency" }
