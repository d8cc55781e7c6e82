package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"stockguard/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STOCKGUARD_CONFIG", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.LockBackend != config.BackendMemory {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.IdempotencyRetention != 24*time.Hour {
		t.Fatalf("retention default: %s", cfg.IdempotencyRetention)
	}
	if cfg.UsesRedis() {
		t.Fatalf("defaults must not need redis")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stockguard.yaml")
	yaml := []byte("lock_backend: sqlite\nlock_max_wait: 750ms\nretry_max_attempts: 7\ncommission_rate: \"0.05\"\n")
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STOCKGUARD_CONFIG", path)
	t.Setenv("STOCKGUARD_RETRY_MAX_ATTEMPTS", "9")
	t.Setenv("STOCKGUARD_IDEMPOTENCY_BACKEND", "redis")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LockBackend != config.BackendSQLite || cfg.LockMaxWait != 750*time.Millisecond {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.RetryMaxAttempts != 9 {
		t.Fatalf("env must override file, got %d", cfg.RetryMaxAttempts)
	}
	if !cfg.UsesRedis() {
		t.Fatalf("redis idempotency backend should need redis")
	}
	rate, _ := cfg.Commission()
	if rate.String() != "0.05" {
		t.Fatalf("commission %s", rate)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("STOCKGUARD_CONFIG", "")

	t.Setenv("STOCKGUARD_LOCK_BACKEND", "zookeeper")
	if _, err := config.Load(); err == nil {
		t.Fatalf("unknown lock backend must fail")
	}

	t.Setenv("STOCKGUARD_LOCK_BACKEND", "memory")
	t.Setenv("STOCKGUARD_COMMISSION_RATE", "1.5")
	if _, err := config.Load(); err == nil {
		t.Fatalf("commission above 1 must fail")
	}
}
