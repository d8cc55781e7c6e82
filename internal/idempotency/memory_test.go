package idempotency_test

import (
	"context"
	"testing"
	"time"

	"stockguard/internal/idempotency"
)

func TestMemoryLifecycle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := idempotency.NewMemoryStore(24*time.Hour, time.Minute)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	rec, err := s.Lookup(ctx, "k1")
	if err != nil || rec != nil {
		t.Fatalf("expected empty lookup, rec=%v err=%v", rec, err)
	}

	ok, _ := s.Begin(ctx, "k1")
	if !ok {
		t.Fatalf("first Begin should win")
	}
	ok, _ = s.Begin(ctx, "k1")
	if ok {
		t.Fatalf("second Begin must lose while pending")
	}

	rec, _ = s.Lookup(ctx, "k1")
	if rec == nil || rec.Status != idempotency.StatusPending {
		t.Fatalf("expected pending record, got %+v", rec)
	}

	if err := s.Record(ctx, "k1", 201, []byte(`{"order_id":"o-1"}`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	rec, _ = s.Lookup(ctx, "k1")
	if rec == nil || rec.Status != idempotency.StatusCompleted || rec.HTTPStatus != 201 {
		t.Fatalf("expected completed record, got %+v", rec)
	}
	if string(rec.Body) != `{"order_id":"o-1"}` {
		t.Fatalf("body not cached verbatim: %s", rec.Body)
	}

	// Abandon never removes a completed record
	_ = s.Abandon(ctx, "k1")
	if rec, _ := s.Lookup(ctx, "k1"); rec == nil {
		t.Fatalf("completed record must survive Abandon")
	}

	// retention window
	now = now.Add(24*time.Hour + time.Second)
	if rec, _ := s.Lookup(ctx, "k1"); rec != nil {
		t.Fatalf("record should expire after retention, got %+v", rec)
	}
}

func TestMemoryFailuresAreNotCached(t *testing.T) {
	s := idempotency.NewMemoryStore(0, 0)
	ctx := context.Background()

	_, _ = s.Begin(ctx, "k")
	if err := s.Record(ctx, "k", 409, []byte(`{"error":"insufficient stock"}`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec, _ := s.Lookup(ctx, "k"); rec != nil {
		t.Fatalf("non-2xx outcome must not be cached, got %+v", rec)
	}

	_, _ = s.Begin(ctx, "k2")
	_ = s.Abandon(ctx, "k2")
	if ok, _ := s.Begin(ctx, "k2"); !ok {
		t.Fatalf("key should be reusable after Abandon")
	}
}

func TestMemoryPendingExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := idempotency.NewMemoryStore(time.Hour, 30*time.Second)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = s.Begin(ctx, "crashed")
	now = now.Add(31 * time.Second)
	if ok, _ := s.Begin(ctx, "crashed"); !ok {
		t.Fatalf("pending marker from a crashed owner should expire")
	}
}

func TestMemorySweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := idempotency.NewMemoryStore(time.Hour, time.Minute)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.Record(ctx, "a", 201, nil)
	_ = s.Record(ctx, "b", 200, nil)
	_, _ = s.Begin(ctx, "c")

	cleared, err := s.Sweep(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected only the pending marker swept, got %d", cleared)
	}
	cleared, _ = s.Sweep(ctx, now.Add(2*time.Hour))
	if cleared != 2 {
		t.Fatalf("expected 2 completed records swept, got %d", cleared)
	}
}
