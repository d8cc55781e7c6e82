package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"stockguard/internal/obs"
)

const DefaultRedisPrefix = "stockguard:lock:"

// releaseScript deletes the key only while it still carries the caller's token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker is the multi-instance backend: SET NX with a TTL acquires,
// a compare-and-delete script releases. Expiry is enforced by redis itself.
type RedisLocker struct {
	client  redis.Cmdable
	prefix  string
	metrics *obs.Metrics

	Now      func() time.Time
	NewToken func() string
}

func NewRedisLocker(client redis.Cmdable, prefix string, metrics *obs.Metrics) *RedisLocker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLocker{client: client, prefix: prefix, metrics: metrics}
}

func (r *RedisLocker) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *RedisLocker) token() string {
	if r.NewToken != nil {
		return r.NewToken()
	}
	return uuid.NewString()
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(key, ttl); err != nil {
		return Lease{}, false, err
	}
	token := r.token()
	now := r.now()

	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		r.metrics.LockAcquire("error")
		return Lease{}, false, err
	}
	if !ok {
		r.metrics.LockAcquire("held")
		return Lease{}, false, nil
	}
	r.metrics.LockAcquire("success")
	return Lease{Key: key, Token: token, AcquiredAt: now, TTL: ttl}, true, nil
}

func (r *RedisLocker) Release(ctx context.Context, lease Lease) (bool, error) {
	n, err := r.client.Eval(ctx, releaseScript, []string{r.prefix + lease.Key}, lease.Token).Int64()
	if err != nil {
		r.metrics.LockRelease("error")
		return false, err
	}
	if n != 1 {
		r.metrics.LockRelease("not_owner")
		return false, nil
	}
	r.metrics.LockRelease("success")
	return true, nil
}
