package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "stockguard:idem:"

// RedisStore shares idempotency records between server instances. Records are
// JSON values whose lifetime is enforced by redis key expiry.
type RedisStore struct {
	client     redis.Cmdable
	prefix     string
	retention  time.Duration
	pendingTTL time.Duration

	Now func() time.Time
}

func NewRedisStore(client redis.Cmdable, prefix string, retention, pendingTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		retention:  retention,
		pendingTTL: pendingTTL,
	}
}

func (s *RedisStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) Begin(ctx context.Context, key string) (bool, error) {
	b, err := json.Marshal(Record{Key: key, Status: StatusPending, RecordedAt: s.now().UTC()})
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, s.prefix+key, b, s.pendingTTL).Result()
}

func (s *RedisStore) Record(ctx context.Context, key string, httpStatus int, body []byte) error {
	if !cacheable(httpStatus) {
		return s.client.Del(ctx, s.prefix+key).Err()
	}
	b, err := json.Marshal(Record{
		Key:        key,
		Status:     StatusCompleted,
		HTTPStatus: httpStatus,
		Body:       body,
		RecordedAt: s.now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, b, s.retention).Err()
}

// Abandon only removes a pending marker; a completed record stays.
func (s *RedisStore) Abandon(ctx context.Context, key string) error {
	rec, err := s.Lookup(ctx, key)
	if err != nil || rec == nil || rec.Status != StatusPending {
		return err
	}
	return s.client.Del(ctx, s.prefix+key).Err()
}
