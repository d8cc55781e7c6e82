// Package sweep periodically purges expired entries from the lock and
// idempotency tables.
package sweep

import (
	"context"
	"time"

	"stockguard/internal/obs"
)

// Target is a table with self-expiring entries.
type Target interface {
	Name() string
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// heldCounter is implemented by lock tables; the live count feeds the
// locks_held gauge.
type heldCounter interface {
	Held(ctx context.Context, now time.Time) (int, error)
}

type Monitor struct {
	targets  []Target
	logger   *obs.Logger
	metrics  *obs.Metrics
	interval time.Duration

	Now func() time.Time
}

func NewMonitor(logger *obs.Logger, metrics *obs.Metrics, interval time.Duration, targets ...Target) *Monitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Monitor{
		targets:  targets,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
	}
}

func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	// Run once immediately
	m.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.SweepOnce(ctx)
		}
	}
}

// SweepOnce clears every target and returns the total number of entries removed.
func (m *Monitor) SweepOnce(ctx context.Context) int {
	start := time.Now()
	now := start
	if m.Now != nil {
		now = m.Now()
	}

	total := 0
	for _, target := range m.targets {
		fields := map[string]interface{}{
			"op":     "expire_sweep",
			"target": target.Name(),
		}

		if hc, ok := target.(heldCounter); ok {
			held, err := hc.Held(ctx, now)
			if err == nil {
				m.metrics.SetLocksHeld(held)
				fields["held"] = held
			} else {
				fields["count_err"] = err.Error()
			}
		}

		cleared, err := target.Sweep(ctx, now)
		if err != nil {
			fields["clear_err"] = err.Error()
		}
		m.metrics.Expired(target.Name(), cleared)
		total += cleared

		// Only log if something interesting happened or errors
		if cleared > 0 || err != nil || fields["count_err"] != nil {
			fields["cleared"] = cleared
			fields["latency_ms"] = time.Since(start).Milliseconds()
			m.logger.Info(fields)
		}
	}
	return total
}
