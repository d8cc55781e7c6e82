package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Catalogue rows written by the seed command and by tests. Stock counters and
// balances are only ever changed by the checkout core after creation.

type UserRow struct {
	ID      string
	Balance decimal.Decimal
}

type SKURow struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Available int
}

type PromoRow struct {
	Code            string
	DiscountPercent decimal.Decimal
	RemainingUses   int
	Active          bool
	ExpiresAt       time.Time // zero means never
}

func PutUser(ctx context.Context, q Querier, u UserRow) error {
	now := time.Now().UnixNano()
	_, err := q.ExecContext(ctx, `
INSERT INTO users(id, balance, version, created_at_ns, updated_at_ns)
VALUES(?, ?, 1, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  balance = excluded.balance,
  version = users.version + 1,
  updated_at_ns = excluded.updated_at_ns;
`, u.ID, u.Balance.String(), now, now)
	return err
}

func PutSKU(ctx context.Context, q Querier, s SKURow) error {
	now := time.Now().UnixNano()
	_, err := q.ExecContext(ctx, `
INSERT INTO skus(id, name, price, available, reserved, sold, version, created_at_ns, updated_at_ns)
VALUES(?, ?, ?, ?, 0, 0, 1, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  price = excluded.price,
  version = skus.version + 1,
  updated_at_ns = excluded.updated_at_ns;
`, s.ID, s.Name, s.Price.String(), s.Available, now, now)
	return err
}

func PutPromo(ctx context.Context, q Querier, p PromoRow) error {
	var exp int64
	if !p.ExpiresAt.IsZero() {
		exp = p.ExpiresAt.UnixNano()
	}
	active := 0
	if p.Active {
		active = 1
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO promos(code, discount_percent, remaining_uses, active, expires_at_ns, version)
VALUES(?, ?, ?, ?, ?, 1)
ON CONFLICT(code) DO UPDATE SET
  discount_percent = excluded.discount_percent,
  remaining_uses = excluded.remaining_uses,
  active = excluded.active,
  expires_at_ns = excluded.expires_at_ns,
  version = promos.version + 1;
`, p.Code, p.DiscountPercent.String(), p.RemainingUses, active, exp)
	return err
}
