package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics is nil-safe: every helper is a no-op on a nil receiver.
type Metrics struct {
	LockAcquireTotal *prometheus.CounterVec // result=success|held|timeout|error
	LockReleaseTotal *prometheus.CounterVec // result=success|not_owner|error

	IdempotencyTotal *prometheus.CounterVec // result=hit|miss|in_progress|recorded|abandoned

	StockOpTotal *prometheus.CounterVec // op=reserve|confirm|release|increase, result=success|insufficient|conflict|error
	UoWTotal     *prometheus.CounterVec // result=commit|abort|retry|timeout
	RetryTotal   *prometheus.CounterVec // result=retry|exhausted
	OrderTotal   *prometheus.CounterVec // op=create|cancel|upload, result=...

	OpLatencyMS *prometheus.HistogramVec // op=...

	DBBusyTotal  *prometheus.CounterVec // op=...
	LocksHeld    prometheus.Gauge
	ExpiredTotal *prometheus.CounterVec // kind=lock|idempotency
}

// NewMetrics builds the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LockAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockguard_lock_acquire_total",
				Help: "Advisory lock acquire attempts by result",
			},
			[]string{"result"},
		),
		LockReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockguard_lock_release_total",
				Help: "Advisory lock releases by result",
			},
			[]string{"result"},
		),
		IdempotencyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockguard_idempotency_total",
				Help: "Idempotency cache outcomes",
			},
			[]string{"result"},
		),
		StockOpTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockguard_stock_op_total",
				Help: "Stock reserve/confirm/release/increase by result",
			},
			[]string{"op", "result"},
		),
		UoWTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockguard_uow_total",
				Help: "Unit-of-work outcomes",
			},
			[]string{"result"},
		),
		RetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockguard_optimistic_retry_total",
				Help: "Optimistic retry executor events",
			},
			[]string{"result"},
		),
		OrderTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockguard_order_total",
				Help: "Checkout operations by result",
			},
			[]string{"op", "result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stockguard_op_latency_ms",
				Help:    "Latency of core operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms .. ~8s
			},
			[]string{"op"},
		),
		DBBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockguard_db_busy_total",
				Help: "Total sqlite busy/locked errors",
			},
			[]string{"op"},
		),
		LocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockguard_locks_held",
			Help: "Number of live advisory locks seen by the last sweep",
		}),
		ExpiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockguard_expired_total",
				Help: "Entries removed by the expiration monitor",
			},
			[]string{"kind"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.LockAcquireTotal,
			m.LockReleaseTotal,
			m.IdempotencyTotal,
			m.StockOpTotal,
			m.UoWTotal,
			m.RetryTotal,
			m.OrderTotal,
			m.OpLatencyMS,
			m.DBBusyTotal,
			m.LocksHeld,
			m.ExpiredTotal,
		)
	}

	return m
}

func (m *Metrics) LockAcquire(result string) {
	if m == nil {
		return
	}
	m.LockAcquireTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) LockRelease(result string) {
	if m == nil {
		return
	}
	m.LockReleaseTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Idempotency(result string) {
	if m == nil {
		return
	}
	m.IdempotencyTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) StockOp(op, result string) {
	if m == nil {
		return
	}
	m.StockOpTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) UoW(result string) {
	if m == nil {
		return
	}
	m.UoWTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Retry(result string) {
	if m == nil {
		return
	}
	m.RetryTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Order(op, result string) {
	if m == nil {
		return
	}
	m.OrderTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveMS(op string, ms int64) {
	if m == nil {
		return
	}
	m.OpLatencyMS.WithLabelValues(op).Observe(float64(ms))
}

func (m *Metrics) DBBusy(op string) {
	if m == nil {
		return
	}
	m.DBBusyTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) SetLocksHeld(n int) {
	if m == nil {
		return
	}
	m.LocksHeld.Set(float64(n))
}

func (m *Metrics) Expired(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpiredTotal.WithLabelValues(kind).Add(float64(n))
}
