package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

var fixedNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestRedisBegin(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, "", time.Hour, time.Minute)
	s.Now = func() time.Time { return fixedNow }

	pending := mustJSON(t, Record{Key: "k1", Status: StatusPending, RecordedAt: fixedNow})
	mock.ExpectSetNX(DefaultRedisPrefix+"k1", pending, time.Minute).SetVal(true)
	mock.ExpectSetNX(DefaultRedisPrefix+"k1", pending, time.Minute).SetVal(false)

	ok, err := s.Begin(context.Background(), "k1")
	if err != nil || !ok {
		t.Fatalf("first Begin ok=%v err=%v", ok, err)
	}
	ok, err = s.Begin(context.Background(), "k1")
	if err != nil || ok {
		t.Fatalf("second Begin ok=%v err=%v", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisRecordAndLookup(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, "", time.Hour, time.Minute)
	s.Now = func() time.Time { return fixedNow }
	ctx := context.Background()

	body := []byte(`{"order_id":"o-1"}`)
	completed := mustJSON(t, Record{Key: "k1", Status: StatusCompleted, HTTPStatus: 201, Body: body, RecordedAt: fixedNow})

	mock.ExpectSet(DefaultRedisPrefix+"k1", completed, time.Hour).SetVal("OK")
	mock.ExpectGet(DefaultRedisPrefix + "k1").SetVal(string(completed))
	mock.ExpectGet(DefaultRedisPrefix + "missing").RedisNil()

	if err := s.Record(ctx, "k1", 201, body); err != nil {
		t.Fatalf("record: %v", err)
	}
	rec, err := s.Lookup(ctx, "k1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec == nil || rec.Status != StatusCompleted || string(rec.Body) != string(body) {
		t.Fatalf("unexpected record %+v", rec)
	}
	rec, err = s.Lookup(ctx, "missing")
	if err != nil || rec != nil {
		t.Fatalf("expected nil record for missing key, rec=%v err=%v", rec, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisFailureDropsKey(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, "", time.Hour, time.Minute)

	mock.ExpectDel(DefaultRedisPrefix + "k1").SetVal(1)

	if err := s.Record(context.Background(), "k1", 409, []byte(`{}`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisAbandonPending(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, "", time.Hour, time.Minute)
	ctx := context.Background()

	pending := mustJSON(t, Record{Key: "k1", Status: StatusPending, RecordedAt: fixedNow})
	mock.ExpectGet(DefaultRedisPrefix + "k1").SetVal(string(pending))
	mock.ExpectDel(DefaultRedisPrefix + "k1").SetVal(1)

	if err := s.Abandon(ctx, "k1"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
