package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stockguard/internal/errs"
	"stockguard/internal/retry"
)

func newExec(attempts int) *retry.Executor {
	return retry.NewExecutor(retry.Options{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, nil, nil)
}

func TestRunRetriesConflictsThenSucceeds(t *testing.T) {
	ex := newExec(5)
	var seen []int

	err := ex.Run(context.Background(), "test", func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return errs.ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success got %v", err)
	}
	if len(seen) != 3 || seen[0] != 0 || seen[2] != 2 {
		t.Fatalf("unexpected attempts %v", seen)
	}
}

func TestRunDoesNotRetryFatal(t *testing.T) {
	ex := newExec(5)
	calls := 0

	err := ex.Run(context.Background(), "test", func(context.Context, int) error {
		calls++
		return errs.ErrInsufficientStock
	})
	if !errors.Is(err, errs.ErrInsufficientStock) {
		t.Fatalf("expected domain error to propagate as-is, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("fatal errors must not be retried, calls=%d", calls)
	}
}

func TestRunExhaustion(t *testing.T) {
	ex := newExec(3)
	calls := 0

	err := ex.Run(context.Background(), "test", func(context.Context, int) error {
		calls++
		return errs.Wrap(errs.KindVersionConflict, "users.debit", errors.New("version moved"))
	})
	if !errors.Is(err, errs.ErrContentionExhausted) {
		t.Fatalf("expected ErrContentionExhausted got %v", err)
	}
	if errs.KindOf(err) != errs.KindContentionExhausted {
		t.Fatalf("outer kind must be contention exhausted, got %s", errs.KindOf(err))
	}
	if errs.IsConflict(err) {
		t.Fatalf("an exhausted error must not look retryable to an outer executor")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts got %d", calls)
	}
}

func TestRunHonoursContext(t *testing.T) {
	ex := retry.NewExecutor(retry.Options{MaxAttempts: 10, BaseDelay: time.Second}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := ex.Run(ctx, "test", func(context.Context, int) error { return errs.ErrVersionConflict })
	if !errs.IsBusy(err) {
		t.Fatalf("expected busy on cancellation got %v", err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := retry.NewBackoff(10*time.Millisecond, 50*time.Millisecond, 0)
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for i, w := range want {
		if got := b.Delay(i); got != w {
			t.Fatalf("attempt %d: got %v want %v", i, got, w)
		}
	}

	j := retry.NewBackoff(10*time.Millisecond, 0, 0.5)
	for i := 0; i < 50; i++ {
		d := j.Delay(1)
		if d < 20*time.Millisecond || d > 30*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}

func TestZeroOptionsKeepJitter(t *testing.T) {
	ex := retry.NewExecutor(retry.Options{}, nil, nil)
	if got := ex.Options().Jitter; got != retry.DefaultJitter {
		t.Fatalf("zero options should default jitter to %v, got %v", retry.DefaultJitter, got)
	}
	if got := ex.Options().MaxAttempts; got != 3 {
		t.Fatalf("default attempts %d", got)
	}

	off := retry.NewExecutor(retry.Options{Jitter: -1}, nil, nil)
	if got := off.Options().Jitter; got != 0 {
		t.Fatalf("negative jitter should disable it, got %v", got)
	}
}
