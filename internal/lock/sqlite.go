package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"stockguard/internal/obs"
	"stockguard/internal/storage"
)

// SQLiteLocker keeps the lock table in the shared sqlite file, so several
// processes on one host see the same locks.
type SQLiteLocker struct {
	db      *sql.DB
	logger  *obs.Logger
	metrics *obs.Metrics

	Now func() time.Time
}

func NewSQLiteLocker(db *sql.DB, logger *obs.Logger, metrics *obs.Metrics) *SQLiteLocker {
	return &SQLiteLocker{
		db:      db,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *SQLiteLocker) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Acquire is a single upsert: the row is written only when absent or when the
// stored lease has expired, so sqlite's write lock is the one point of
// synchronization.
func (s *SQLiteLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(key, ttl); err != nil {
		return Lease{}, false, err
	}
	start := time.Now()
	defer func() { s.metrics.ObserveMS("lock_acquire", time.Since(start).Milliseconds()) }()

	now := s.now()
	nowNs := now.UnixNano()
	token := uuid.NewString()

	res, err := s.db.ExecContext(ctx, `
INSERT INTO locks(lock_key, owner_token, acquired_at_ns, expires_at_ns)
VALUES(?, ?, ?, ?)
ON CONFLICT(lock_key) DO UPDATE SET
  owner_token = excluded.owner_token,
  acquired_at_ns = excluded.acquired_at_ns,
  expires_at_ns = excluded.expires_at_ns
WHERE locks.expires_at_ns <= excluded.acquired_at_ns;
`, key, token, nowNs, now.Add(ttl).UnixNano())
	if err != nil {
		if storage.IsBusy(err) {
			// treated like a held lock; the caller's poll loop retries
			s.metrics.DBBusy("lock_acquire")
			s.metrics.LockAcquire("busy")
			return Lease{}, false, nil
		}
		s.metrics.LockAcquire("error")
		s.logger.Error(map[string]interface{}{
			"op":    "lock_acquire",
			"key":   key,
			"error": err.Error(),
		})
		return Lease{}, false, err
	}

	aff, _ := res.RowsAffected()
	if aff != 1 {
		s.metrics.LockAcquire("held")
		return Lease{}, false, nil
	}
	s.metrics.LockAcquire("success")
	return Lease{Key: key, Token: token, AcquiredAt: now, TTL: ttl}, true, nil
}

func (s *SQLiteLocker) Release(ctx context.Context, lease Lease) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM locks WHERE lock_key = ? AND owner_token = ?;
`, lease.Key, lease.Token)
	if err != nil {
		if storage.IsBusy(err) {
			s.metrics.DBBusy("lock_release")
		}
		s.metrics.LockRelease("error")
		return false, err
	}
	aff, _ := res.RowsAffected()
	if aff != 1 {
		s.metrics.LockRelease("not_owner")
		return false, nil
	}
	s.metrics.LockRelease("success")
	return true, nil
}

func (s *SQLiteLocker) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at_ns <= ?;`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteLocker) Held(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locks WHERE expires_at_ns > ?;`, now.UnixNano()).Scan(&n)
	return n, err
}

func (s *SQLiteLocker) Name() string { return "lock" }
