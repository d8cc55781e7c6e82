// Package retry re-runs operations that lost an optimistic version race.
// It knows nothing about stock or balances: the wrapped operation classifies
// its own failures by returning an errs.KindVersionConflict error or not.
package retry

import (
	"context"
	"time"

	"stockguard/internal/errs"
	"stockguard/internal/obs"
)

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the random extra delay as a fraction of the backoff step.
	// Zero means DefaultJitter; a negative value disables jitter.
	Jitter float64
}

const DefaultJitter = 0.5

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 20 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = time.Second
	}
	switch {
	case o.Jitter == 0:
		o.Jitter = DefaultJitter
	case o.Jitter < 0:
		o.Jitter = 0
	}
	return o
}

// Op is one attempt. attempt starts at 0.
type Op func(ctx context.Context, attempt int) error

type Executor struct {
	opts    Options
	backoff *Backoff
	logger  *obs.Logger
	metrics *obs.Metrics

	// Retryable decides which failures are conflicts. Defaults to errs.IsConflict.
	Retryable func(error) bool
}

func NewExecutor(opts Options, logger *obs.Logger, metrics *obs.Metrics) *Executor {
	opts = opts.withDefaults()
	return &Executor{
		opts:      opts,
		backoff:   NewBackoff(opts.BaseDelay, opts.MaxDelay, opts.Jitter),
		logger:    logger,
		metrics:   metrics,
		Retryable: errs.IsConflict,
	}
}

// Options returns the effective settings after defaults.
func (e *Executor) Options() Options { return e.opts }

// Run invokes op until it succeeds, fails with a non-conflict error, or
// MaxAttempts conflicts in a row have been seen. The last case yields
// errs.ErrContentionExhausted wrapping the final conflict.
func (e *Executor) Run(ctx context.Context, name string, op Op) error {
	var last error
	for attempt := 0; attempt < e.opts.MaxAttempts; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if !e.Retryable(err) {
			return err
		}
		last = err

		if attempt == e.opts.MaxAttempts-1 {
			break
		}
		e.metrics.Retry("retry")
		delay := e.backoff.Delay(attempt)
		e.logger.Warn(map[string]interface{}{
			"op":       "optimistic_retry",
			"name":     name,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.Wrap(errs.KindBusy, name, ctx.Err())
		case <-timer.C:
		}
	}

	e.metrics.Retry("exhausted")
	e.logger.Error(map[string]interface{}{
		"op":       "optimistic_retry",
		"name":     name,
		"attempts": e.opts.MaxAttempts,
		"error":    "contention exhausted",
	})
	return &errs.Error{Kind: errs.KindContentionExhausted, Op: name, Err: last}
}
