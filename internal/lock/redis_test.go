package lock

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

func TestRedisAcquire(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLocker(db, "", nil)
	l.NewToken = func() string { return "tok-1" }
	ctx := context.Background()

	mock.ExpectSetNX(DefaultRedisPrefix+"order:sku:A", "tok-1", 15*time.Second).SetVal(true)

	lease, ok, err := l.Acquire(ctx, "order:sku:A", 15*time.Second)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !ok {
		t.Fatalf("expected acquired")
	}
	if lease.Token != "tok-1" || lease.Key != "order:sku:A" {
		t.Fatalf("unexpected lease %+v", lease)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisAcquireHeld(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLocker(db, "", nil)
	l.NewToken = func() string { return "tok-2" }

	mock.ExpectSetNX(DefaultRedisPrefix+"k", "tok-2", 5*time.Second).SetVal(false)

	_, ok, err := l.Acquire(context.Background(), "k", 5*time.Second)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ok {
		t.Fatalf("expected not acquired")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisReleaseChecksOwner(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLocker(db, "", nil)
	ctx := context.Background()

	mock.ExpectEval(releaseScript, []string{DefaultRedisPrefix + "k"}, "mine").SetVal(int64(1))
	mock.ExpectEval(releaseScript, []string{DefaultRedisPrefix + "k"}, "stale").SetVal(int64(0))

	ok, err := l.Release(ctx, Lease{Key: "k", Token: "mine"})
	if err != nil || !ok {
		t.Fatalf("owner release ok=%v err=%v", ok, err)
	}
	ok, err = l.Release(ctx, Lease{Key: "k", Token: "stale"})
	if err != nil {
		t.Fatalf("stale release err: %v", err)
	}
	if ok {
		t.Fatalf("stale release must not succeed")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
