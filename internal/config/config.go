// Package config loads service settings from defaults, an optional YAML file
// named by STOCKGUARD_CONFIG, and STOCKGUARD_* environment variables, in
// increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const EnvPrefix = "STOCKGUARD"

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`

	DBPath         string        `mapstructure:"db_path"`
	DBBusyTimeout  time.Duration `mapstructure:"db_busy_timeout"`
	DBMaxOpenConns int           `mapstructure:"db_max_open_conns"`

	LockBackend        string `mapstructure:"lock_backend"`
	IdempotencyBackend string `mapstructure:"idempotency_backend"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	LockMaxWait time.Duration `mapstructure:"lock_max_wait"`
	LockPoll    time.Duration `mapstructure:"lock_poll"`

	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	RetryJitter      float64       `mapstructure:"retry_jitter"` // negative disables

	UoWMaxRetries int           `mapstructure:"uow_max_retries"` // -1 disables restarts
	UoWTimeout    time.Duration `mapstructure:"uow_timeout"`

	IdempotencyRetention  time.Duration `mapstructure:"idempotency_retention"`
	IdempotencyPendingTTL time.Duration `mapstructure:"idempotency_pending_ttl"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`

	CommissionRate string `mapstructure:"commission_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("db_path", "./stockguard.db")
	v.SetDefault("db_busy_timeout", 5*time.Second)
	v.SetDefault("db_max_open_conns", 10)
	v.SetDefault("lock_backend", BackendMemory)
	v.SetDefault("idempotency_backend", BackendMemory)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("lock_ttl", 15*time.Second)
	v.SetDefault("lock_max_wait", 3*time.Second)
	v.SetDefault("lock_poll", 25*time.Millisecond)
	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("retry_base_delay", 20*time.Millisecond)
	v.SetDefault("retry_max_delay", time.Second)
	v.SetDefault("retry_jitter", 0.5)
	v.SetDefault("uow_max_retries", 3)
	v.SetDefault("uow_timeout", 5*time.Second)
	v.SetDefault("idempotency_retention", 24*time.Hour)
	v.SetDefault("idempotency_pending_ttl", time.Minute)
	v.SetDefault("sweep_interval", time.Second)
	v.SetDefault("commission_rate", "0.10")
}

// Load returns the merged configuration.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.LockBackend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("lock_backend must be memory, sqlite or redis, got %q", c.LockBackend)
	}
	switch c.IdempotencyBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("idempotency_backend must be memory or redis, got %q", c.IdempotencyBackend)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	rate, err := c.Commission()
	if err != nil {
		return err
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("commission_rate must be within [0, 1], got %s", rate)
	}
	return nil
}

func (c *Config) Commission() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.CommissionRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("commission_rate %q: %w", c.CommissionRate, err)
	}
	return rate, nil
}

// UsesRedis reports whether any backend needs a redis client.
func (c *Config) UsesRedis() bool {
	return c.LockBackend == BackendRedis || c.IdempotencyBackend == BackendRedis
}
