// Package uow runs a group of writes in one sqlite transaction, restarting
// the whole group from the top on transient failures.
package uow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"stockguard/internal/errs"
	"stockguard/internal/obs"
	"stockguard/internal/retry"
	"stockguard/internal/storage"
)

// NoRestarts as Options.MaxRetries runs the body once; zero means "use the
// default".
const NoRestarts = -1

type Options struct {
	// MaxRetries is the number of restarts after the first attempt.
	MaxRetries int
	// Timeout bounds every attempt plus the waits between them.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = NoRestarts
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return o
}

// Func is the body of one attempt. It must do all of its writes through tx.
type Func func(ctx context.Context, tx *sql.Tx) error

type Runner struct {
	db       *sql.DB
	defaults Options
	backoff  *retry.Backoff
	logger   *obs.Logger
	metrics  *obs.Metrics

	// Transient decides which failures restart the attempt. Defaults to
	// IsTransient.
	Transient func(error) bool
}

func NewRunner(db *sql.DB, defaults Options, logger *obs.Logger, metrics *obs.Metrics) *Runner {
	return &Runner{
		db:        db,
		defaults:  defaults.withDefaults(),
		backoff:   retry.NewBackoff(10*time.Millisecond, 250*time.Millisecond, 0.5),
		logger:    logger,
		metrics:   metrics,
		Transient: IsTransient,
	}
}

// IsTransient reports sqlite write contention and duplicate-request races.
// A version conflict is not transient here: it belongs to the caller's
// optimistic retry loop.
func IsTransient(err error) bool {
	return storage.IsBusy(err) || errs.KindOf(err) == errs.KindDuplicateRequest
}

// Execute commits everything fn wrote or nothing. Zero fields in opts fall
// back to the runner's defaults.
func (r *Runner) Execute(ctx context.Context, opts Options, fn Func) error {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = r.defaults.MaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = r.defaults.Timeout
	}
	opts = opts.withDefaults()

	start := time.Now()
	defer func() { r.metrics.ObserveMS("uow_execute", time.Since(start).Milliseconds()) }()

	tctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	restarts := opts.MaxRetries
	if restarts < 0 {
		restarts = 0
	}

	var last error
	for attempt := 0; attempt <= restarts; attempt++ {
		err := r.attempt(tctx, fn)
		if err == nil {
			r.metrics.UoW("committed")
			return nil
		}
		if errs.KindOf(err) == errs.KindAbortFailure {
			r.metrics.UoW("abort_failure")
			r.logger.Error(map[string]interface{}{
				"op":    "uow_rollback",
				"error": err.Error(),
			})
			return err
		}
		if tctx.Err() != nil {
			r.metrics.UoW("timeout")
			return errs.Wrap(errs.KindBusy, "uow.execute", tctx.Err())
		}
		if !r.Transient(err) {
			r.metrics.UoW("aborted")
			return err
		}

		last = err
		if attempt == restarts {
			break
		}
		r.metrics.UoW("retry")
		if storage.IsBusy(err) {
			r.metrics.DBBusy("uow_execute")
		}
		delay := r.backoff.Delay(attempt)
		r.logger.Warn(map[string]interface{}{
			"op":       "uow_retry",
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-tctx.Done():
			timer.Stop()
			r.metrics.UoW("timeout")
			return errs.Wrap(errs.KindBusy, "uow.execute", tctx.Err())
		case <-timer.C:
		}
	}

	r.metrics.UoW("exhausted")
	return errs.Wrap(errs.KindBusy, "uow.execute", last)
}

func (r *Runner) attempt(ctx context.Context, fn Func) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return &errs.Error{Kind: errs.KindAbortFailure, Op: "uow.rollback", Err: errors.Join(err, rbErr)}
		}
		return err
	}
	return tx.Commit()
}
