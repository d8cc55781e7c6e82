package uow_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stockguard/internal/errs"
	"stockguard/internal/testutil"
	"stockguard/internal/uow"
)

func TestExecuteCommits(t *testing.T) {
	db := testutil.OpenDB(t)
	testutil.PutUser(t, db, "u1", "10.00")
	testutil.PutUser(t, db, "u2", "0.00")
	r := uow.NewRunner(db.DB, uow.Options{}, nil, nil)

	err := r.Execute(context.Background(), uow.Options{}, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = '4.00' WHERE id = 'u1';`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE users SET balance = '6.00' WHERE id = 'u2';`)
		return err
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !testutil.Balance(t, db, "u1").Equal(testutil.Money("4")) || !testutil.Balance(t, db, "u2").Equal(testutil.Money("6")) {
		t.Fatalf("both writes should be committed")
	}
}

func TestExecuteRollsBackOnFatal(t *testing.T) {
	db := testutil.OpenDB(t)
	testutil.PutUser(t, db, "u1", "10.00")
	r := uow.NewRunner(db.DB, uow.Options{}, nil, nil)

	var calls int32
	err := r.Execute(context.Background(), uow.Options{MaxRetries: 5}, func(ctx context.Context, tx *sql.Tx) error {
		atomic.AddInt32(&calls, 1)
		if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = '0.00' WHERE id = 'u1';`); err != nil {
			return err
		}
		return errs.E(errs.KindInsufficientBalance, "test", "not enough")
	})
	if !errors.Is(err, errs.ErrInsufficientBalance) {
		t.Fatalf("expected domain error to propagate, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("fatal errors must not be retried, calls=%d", calls)
	}
	if !testutil.Balance(t, db, "u1").Equal(testutil.Money("10")) {
		t.Fatalf("provisional write leaked: %s", testutil.Balance(t, db, "u1"))
	}
}

func TestExecuteRestartsOnTransient(t *testing.T) {
	db := testutil.OpenDB(t)
	testutil.PutUser(t, db, "u1", "0.00")
	r := uow.NewRunner(db.DB, uow.Options{}, nil, nil)

	var calls int32
	err := r.Execute(context.Background(), uow.Options{MaxRetries: 3}, func(ctx context.Context, tx *sql.Tx) error {
		n := atomic.AddInt32(&calls, 1)
		// every attempt writes; only the last one may survive
		if _, err := tx.ExecContext(ctx, `
INSERT INTO transactions(id, user_id, kind, amount, created_at_ns) VALUES (?, 'u1', 'upload', '1', 0);
`, n); err != nil {
			return err
		}
		if n < 3 {
			return errs.E(errs.KindDuplicateRequest, "test", "raced")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts got %d", calls)
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM transactions;`); n != 1 {
		t.Fatalf("failed attempts must leave no rows, got %d", n)
	}
}

func TestExecuteGivesUpAfterMaxRetries(t *testing.T) {
	db := testutil.OpenDB(t)
	r := uow.NewRunner(db.DB, uow.Options{}, nil, nil)

	var calls int32
	err := r.Execute(context.Background(), uow.Options{MaxRetries: 2}, func(ctx context.Context, tx *sql.Tx) error {
		atomic.AddInt32(&calls, 1)
		return errs.E(errs.KindDuplicateRequest, "test", "raced")
	})
	if !errors.Is(err, errs.ErrBusy) {
		t.Fatalf("expected busy after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 1 attempt + 2 retries, got %d", calls)
	}
}

func TestExecuteNoRestarts(t *testing.T) {
	db := testutil.OpenDB(t)
	transient := func(ctx context.Context, tx *sql.Tx) error {
		return errs.E(errs.KindDuplicateRequest, "test", "raced")
	}

	var calls int32
	r := uow.NewRunner(db.DB, uow.Options{}, nil, nil)
	err := r.Execute(context.Background(), uow.Options{MaxRetries: uow.NoRestarts}, func(ctx context.Context, tx *sql.Tx) error {
		atomic.AddInt32(&calls, 1)
		return transient(ctx, tx)
	})
	if !errors.Is(err, errs.ErrBusy) || calls != 1 {
		t.Fatalf("NoRestarts should run once, calls=%d err=%v", calls, err)
	}

	// a runner whose default is NoRestarts keeps it when opts leave MaxRetries zero
	calls = 0
	once := uow.NewRunner(db.DB, uow.Options{MaxRetries: uow.NoRestarts}, nil, nil)
	_ = once.Execute(context.Background(), uow.Options{}, func(ctx context.Context, tx *sql.Tx) error {
		atomic.AddInt32(&calls, 1)
		return transient(ctx, tx)
	})
	if calls != 1 {
		t.Fatalf("runner default NoRestarts ignored, calls=%d", calls)
	}

	// zero means the default of three restarts
	calls = 0
	_ = r.Execute(context.Background(), uow.Options{}, func(ctx context.Context, tx *sql.Tx) error {
		atomic.AddInt32(&calls, 1)
		return transient(ctx, tx)
	})
	if calls != 4 {
		t.Fatalf("default should allow 3 restarts, calls=%d", calls)
	}
}

func TestExecuteVersionConflictIsNotRetried(t *testing.T) {
	db := testutil.OpenDB(t)
	r := uow.NewRunner(db.DB, uow.Options{}, nil, nil)

	var calls int32
	err := r.Execute(context.Background(), uow.Options{}, func(ctx context.Context, tx *sql.Tx) error {
		atomic.AddInt32(&calls, 1)
		return errs.E(errs.KindVersionConflict, "test", "stale")
	})
	if !errs.IsConflict(err) || calls != 1 {
		t.Fatalf("conflict should surface after one attempt, calls=%d err=%v", calls, err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	db := testutil.OpenDB(t)
	r := uow.NewRunner(db.DB, uow.Options{}, nil, nil)

	start := time.Now()
	err := r.Execute(context.Background(), uow.Options{Timeout: 100 * time.Millisecond}, func(ctx context.Context, tx *sql.Tx) error {
		<-ctx.Done()
		return ctx.Err()
	})
	elapsed := time.Since(start)

	if !errors.Is(err, errs.ErrBusy) {
		t.Fatalf("expected busy on timeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("timeout not honoured: %s", elapsed)
	}
}

// Concurrent read-modify-write transactions serialise on the sqlite write
// lock; none of the increments may be lost.
func TestExecuteSerialisesWriters(t *testing.T) {
	db := testutil.OpenDB(t)
	testutil.PutUser(t, db, "u1", "0")
	r := uow.NewRunner(db.DB, uow.Options{MaxRetries: 10, Timeout: 20 * time.Second}, nil, nil)

	const workers = 12
	var wg sync.WaitGroup
	var failed int64
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			err := r.Execute(context.Background(), uow.Options{}, func(ctx context.Context, tx *sql.Tx) error {
				var v int
				if err := tx.QueryRowContext(ctx, `SELECT version FROM users WHERE id = 'u1';`).Scan(&v); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx, `UPDATE users SET version = ? WHERE id = 'u1';`, v+1)
				return err
			})
			if err != nil {
				atomic.AddInt64(&failed, 1)
				t.Errorf("execute: %v", err)
			}
		}()
	}
	wg.Wait()

	var v int
	if err := db.QueryRowContext(context.Background(), `SELECT version FROM users WHERE id = 'u1';`).Scan(&v); err != nil {
		t.Fatal(err)
	}
	// rows start at version 1
	if int64(v-1) != workers-failed {
		t.Fatalf("lost update: version=%d committed=%d", v, workers-failed)
	}
}
