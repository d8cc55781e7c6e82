package storage

import (
	"context"
	"database/sql"
	"fmt"
)

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	latest := len(migrations)

	cur, err := currentVersion(ctx, d.DB)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= latest; v++ {
		if err := apply(ctx, d.DB, v); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func apply(ctx context.Context, db *sql.DB, version int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, ok := migrations[version]
	if !ok {
		return fmt.Errorf("unknown migration version: %d", version)
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("migration v%d failed: %w", version, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, strftime('%s','now')*1000000000);`, version); err != nil {
		return err
	}
	return tx.Commit()
}
var migrations = map[int]string{
	1: `
CREATE TABLE IF NOT EXISTS locks (
  lock_key TEXT PRIMARY KEY,
  owner_token TEXT NOT NULL,
  acquired_at_ns INTEGER NOT NULL,
  expires_at_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_locks_expiry ON locks(expires_at_ns);
`,
	2: `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  balance TEXT NOT NULL DEFAULT '0',
  version INTEGER NOT NULL DEFAULT 1,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS skus (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  price TEXT NOT NULL,
  available INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
  reserved INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
  sold INTEGER NOT NULL DEFAULT 0 CHECK (sold >= 0),
  version INTEGER NOT NULL DEFAULT 1,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
  id TEXT PRIMARY KEY,
  sku_id TEXT NOT NULL REFERENCES skus(id),
  seller_id TEXT NOT NULL REFERENCES users(id),
  secret TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'available',
  order_id TEXT,
  created_at_ns INTEGER NOT NULL,
  UNIQUE (sku_id, secret)
);

CREATE INDEX IF NOT EXISTS idx_credentials_pick ON credentials(sku_id, status, created_at_ns);
CREATE INDEX IF NOT EXISTS idx_credentials_order ON credentials(order_id);

CREATE TABLE IF NOT EXISTS promos (
  code TEXT PRIMARY KEY,
  discount_percent TEXT NOT NULL,
  remaining_uses INTEGER NOT NULL CHECK (remaining_uses >= 0),
  active INTEGER NOT NULL DEFAULT 1,
  expires_at_ns INTEGER NOT NULL DEFAULT 0,
  version INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  buyer_id TEXT NOT NULL REFERENCES users(id),
  subtotal TEXT NOT NULL,
  discount TEXT NOT NULL,
  total TEXT NOT NULL,
  status TEXT NOT NULL,
  promo_code TEXT,
  idempotency_key TEXT UNIQUE,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS order_items (
  order_id TEXT NOT NULL REFERENCES orders(id),
  sku_id TEXT NOT NULL REFERENCES skus(id),
  quantity INTEGER NOT NULL CHECK (quantity > 0),
  unit_price TEXT NOT NULL,
  PRIMARY KEY (order_id, sku_id)
);

CREATE TABLE IF NOT EXISTS transactions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  order_id TEXT,
  kind TEXT NOT NULL,
  amount TEXT NOT NULL,
  created_at_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_order ON transactions(order_id);
`,
}

// SchemaVersion returns the highest applied migration.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	return currentVersion(ctx, d.DB)
}
