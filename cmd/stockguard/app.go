package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"stockguard/internal/checkout"
	"stockguard/internal/config"
	"stockguard/internal/idempotency"
	"stockguard/internal/lock"
	"stockguard/internal/obs"
	"stockguard/internal/retry"
	"stockguard/internal/storage"
	"stockguard/internal/sweep"
	"stockguard/internal/uow"
)

const redisPrefix = "stockguard:"

// app holds everything a command needs, built from one Config.
type app struct {
	cfg      *config.Config
	db       *storage.DB
	redis    *redis.Client
	registry *prometheus.Registry
	logger   *obs.Logger
	metrics  *obs.Metrics
	svc      *checkout.Service
	monitor  *sweep.Monitor
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := storage.Open(ctx, storage.Config{
		Path:         cfg.DBPath,
		BusyTimeout:  cfg.DBBusyTimeout,
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	a := &app{
		cfg:      cfg,
		db:       db,
		registry: prometheus.NewRegistry(),
		logger:   obs.NewLogger(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = obs.NewMetrics(a.registry)

	if cfg.UsesRedis() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
	}

	// Lockers and stores that keep their own expiry state get swept here;
	// redis expires keys itself.
	var targets []sweep.Target

	var locks lock.Locker
	switch cfg.LockBackend {
	case config.BackendSQLite:
		l := lock.NewSQLiteLocker(db.DB, a.logger, a.metrics)
		locks, targets = l, append(targets, l)
	case config.BackendRedis:
		locks = lock.NewRedisLocker(a.redis, redisPrefix+"lock:", a.metrics)
	default:
		l := lock.NewMemoryLocker(a.metrics)
		locks, targets = l, append(targets, l)
	}

	var idem idempotency.Store
	switch cfg.IdempotencyBackend {
	case config.BackendRedis:
		idem = idempotency.NewRedisStore(a.redis, redisPrefix+"idem:", cfg.IdempotencyRetention, cfg.IdempotencyPendingTTL)
	default:
		s := idempotency.NewMemoryStore(cfg.IdempotencyRetention, cfg.IdempotencyPendingTTL)
		idem, targets = s, append(targets, s)
	}

	rate, err := cfg.Commission()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.svc = checkout.NewService(db.DB, locks, idem, checkout.Config{
		LockTTL:     cfg.LockTTL,
		LockMaxWait: cfg.LockMaxWait,
		LockPoll:    cfg.LockPoll,
		Retry: retry.Options{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Jitter:      cfg.RetryJitter,
		},
		UoW: uow.Options{
			MaxRetries: cfg.UoWMaxRetries,
			Timeout:    cfg.UoWTimeout,
		},
		CommissionRate: rate,
	}, a.logger, a.metrics)

	a.monitor = sweep.NewMonitor(a.logger, a.metrics, cfg.SweepInterval, targets...)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
}
