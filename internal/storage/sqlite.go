// Package storage owns the sqlite database behind stock, balances, orders and
// the sqlite lock backend.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx, so repository code
// can run inside or outside a unit-of-work.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Config struct {
	Path            string
	BusyTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 || c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	return c
}

// dsn sets the connection options every pooled connection must share.
// _txlock=immediate takes the write lock at BEGIN, so two read-then-write
// transactions queue on busy_timeout instead of deadlocking on lock upgrade.
func (c Config) dsn() string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.FormatInt(c.BusyTimeout.Milliseconds(), 10))
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "ON")
	q.Set("_txlock", "immediate")
	return "file:" + c.Path + "?" + q.Encode()
}

// Open connects, checks the journal mode and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Path, err)
	}

	wdb := &DB{DB: db}
	if err := wdb.checkWAL(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := wdb.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return wdb, nil
}

// checkWAL fails when the file could not switch to WAL (e.g. a network
// filesystem); without it readers block the single writer.
func (d *DB) checkWAL(ctx context.Context) error {
	var mode string
	if err := d.QueryRowContext(ctx, `PRAGMA journal_mode;`).Scan(&mode); err != nil {
		return fmt.Errorf("read journal_mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("journal_mode is %q, want wal", mode)
	}
	if _, err := d.ExecContext(ctx, `PRAGMA temp_store=MEMORY;`); err != nil {
		return fmt.Errorf("temp_store: %w", err)
	}
	return nil
}
