// Package testutil opens throwaway sqlite databases for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockguard/internal/storage"
)

// OpenDB creates a migrated database in t.TempDir(); it is closed on cleanup.
func OpenDB(t *testing.T) *storage.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "stockguard_test.db")
	db, err := storage.Open(context.Background(), storage.Config{
		Path:         dbPath,
		BusyTimeout:  10 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func Money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func PutUser(t *testing.T, db *storage.DB, id, balance string) {
	t.Helper()
	if err := storage.PutUser(context.Background(), db, storage.UserRow{ID: id, Balance: Money(balance)}); err != nil {
		t.Fatalf("put user %s: %v", id, err)
	}
}

func PutSKU(t *testing.T, db *storage.DB, id, price string, available int) {
	t.Helper()
	err := storage.PutSKU(context.Background(), db, storage.SKURow{ID: id, Name: "SKU " + id, Price: Money(price), Available: available})
	if err != nil {
		t.Fatalf("put sku %s: %v", id, err)
	}
}

func PutPromo(t *testing.T, db *storage.DB, code, pct string, uses int) {
	t.Helper()
	err := storage.PutPromo(context.Background(), db, storage.PromoRow{Code: code, DiscountPercent: Money(pct), RemainingUses: uses, Active: true})
	if err != nil {
		t.Fatalf("put promo %s: %v", code, err)
	}
}

// Balance reads a user's balance.
func Balance(t *testing.T, db *storage.DB, id string) decimal.Decimal {
	t.Helper()
	var s string
	if err := db.QueryRowContext(context.Background(), `SELECT balance FROM users WHERE id = ?;`, id).Scan(&s); err != nil {
		t.Fatalf("balance %s: %v", id, err)
	}
	return Money(s)
}

// Count runs a COUNT(*) style query.
func Count(t *testing.T, db *storage.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}
