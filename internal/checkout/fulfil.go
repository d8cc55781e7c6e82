package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"stockguard/internal/errs"
	"stockguard/internal/stock"
	"stockguard/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// fulfil runs Debiting through Completed inside the unit-of-work. Every write
// goes through tx; any error rolls all of them back.
func (s *Service) fulfil(ctx context.Context, tx *sql.Tx, req OrderRequest, held []stock.Reservation, state *State) (OrderResult, error) {
	const op = "checkout.fulfil"
	now := s.now()

	if req.IdempotencyKey != "" {
		existing, found, err := loadOrderByKey(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return OrderResult{}, err
		}
		if found {
			existing.Replayed = true
			return existing, nil
		}
	}

	// Debiting
	*state = StateDebiting
	prices, subtotal, err := loadPrices(ctx, tx, req.Items)
	if err != nil {
		return OrderResult{}, err
	}

	var promo *promoRow
	discount := decimal.Zero
	if req.PromoCode != "" {
		promo, err = loadPromo(ctx, tx, req.PromoCode, now.UnixNano())
		if err != nil {
			return OrderResult{}, err
		}
		discount = subtotal.Mul(promo.percent).Div(hundred).Round(2)
	}
	total := subtotal.Sub(discount)

	buyer, err := loadAccount(ctx, tx, req.BuyerID)
	if err != nil {
		return OrderResult{}, err
	}
	if buyer.balance.LessThan(total) {
		return OrderResult{}, errs.E(errs.KindInsufficientBalance, op,
			fmt.Sprintf("balance %s is below order total %s", buyer.balance.StringFixed(2), total.StringFixed(2)))
	}
	if err := adjustBalance(ctx, tx, buyer, total.Neg(), now.UnixNano()); err != nil {
		return OrderResult{}, err
	}

	orderID := s.newID()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO orders(id, buyer_id, subtotal, discount, total, status, promo_code, idempotency_key, created_at_ns, updated_at_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, orderID, req.BuyerID, subtotal.String(), discount.String(), total.String(), OrderProcessing,
		nullable(req.PromoCode), nullable(req.IdempotencyKey), now.UnixNano(), now.UnixNano()); err != nil {
		if storage.IsUniqueViolation(err, "idempotency_key") {
			// Another instance committed this key first; the restarted attempt finds its order.
			return OrderResult{}, errs.Wrap(errs.KindDuplicateRequest, op, err)
		}
		return OrderResult{}, err
	}
	for _, it := range req.Items {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO order_items(order_id, sku_id, quantity, unit_price) VALUES(?, ?, ?, ?);
`, orderID, it.SKUID, it.Quantity, prices[it.SKUID].String()); err != nil {
			return OrderResult{}, err
		}
	}

	// AssigningCredentials
	*state = StateAssigningCredentials
	creds := make([]Credential, 0)
	listValue := map[string]decimal.Decimal{}
	for _, it := range req.Items {
		picked, err := assignCredentials(ctx, tx, orderID, it)
		if err != nil {
			return OrderResult{}, err
		}
		for _, p := range picked {
			creds = append(creds, p.Credential)
			listValue[p.sellerID] = listValue[p.sellerID].Add(prices[it.SKUID])
		}
	}

	sellers := make([]string, 0, len(listValue))
	for id := range listValue {
		sellers = append(sellers, id)
	}
	sort.Strings(sellers)
	keep := decimal.NewFromInt(1).Sub(s.cfg.CommissionRate)
	for _, sellerID := range sellers {
		payout := decimal.Zero
		if subtotal.IsPositive() {
			payout = total.Mul(listValue[sellerID]).Div(subtotal).Mul(keep).Round(2)
		}
		if !payout.IsPositive() {
			continue
		}
		seller, err := loadAccount(ctx, tx, sellerID)
		if err != nil {
			return OrderResult{}, err
		}
		if err := adjustBalance(ctx, tx, seller, payout, now.UnixNano()); err != nil {
			return OrderResult{}, err
		}
		if err := s.insertTransaction(ctx, tx, sellerID, orderID, TxPayout, payout, now.UnixNano()); err != nil {
			return OrderResult{}, err
		}
	}

	// Confirming
	*state = StateConfirming
	if _, err := s.stock.WithQuerier(tx).Confirm(ctx, held); err != nil {
		return OrderResult{}, err
	}
	if promo != nil {
		if err := consumePromo(ctx, tx, promo); err != nil {
			return OrderResult{}, err
		}
	}

	// Completed
	if _, err := tx.ExecContext(ctx, `
UPDATE orders SET status = ?, updated_at_ns = ? WHERE id = ? AND status = ?;
`, OrderCompleted, now.UnixNano(), orderID, OrderProcessing); err != nil {
		return OrderResult{}, err
	}
	if err := s.insertTransaction(ctx, tx, req.BuyerID, orderID, TxPurchase, total.Neg(), now.UnixNano()); err != nil {
		return OrderResult{}, err
	}

	return OrderResult{
		OrderID:     orderID,
		BuyerID:     req.BuyerID,
		Status:      OrderCompleted,
		Subtotal:    subtotal,
		Discount:    discount,
		Total:       total,
		PromoCode:   req.PromoCode,
		Credentials: creds,
		CreatedAt:   now.UTC(),
	}, nil
}

func loadPrices(ctx context.Context, q storage.Querier, items []Item) (map[string]decimal.Decimal, decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(items))
	subtotal := decimal.Zero
	for _, it := range items {
		var raw string
		err := q.QueryRowContext(ctx, `SELECT price FROM skus WHERE id = ?;`, it.SKUID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, decimal.Zero, errs.E(errs.KindNotFound, "checkout.price", fmt.Sprintf("sku %q not found", it.SKUID))
		}
		if err != nil {
			return nil, decimal.Zero, err
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("sku %s price %q: %w", it.SKUID, raw, err)
		}
		prices[it.SKUID] = price
		subtotal = subtotal.Add(price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return prices, subtotal, nil
}

type promoRow struct {
	code    string
	percent decimal.Decimal
	version int64
}

func loadPromo(ctx context.Context, q storage.Querier, code string, nowNS int64) (*promoRow, error) {
	const op = "checkout.promo"
	var (
		raw       string
		remaining int
		active    bool
		expiresNS int64
		p         = promoRow{code: code}
	)
	err := q.QueryRowContext(ctx, `
SELECT discount_percent, remaining_uses, active, expires_at_ns, version
FROM promos WHERE code = ?;
`, code).Scan(&raw, &remaining, &active, &expiresNS, &p.version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.KindInvalidPromo, op, fmt.Sprintf("promo %q does not exist", code))
	}
	if err != nil {
		return nil, err
	}
	switch {
	case !active:
		return nil, errs.E(errs.KindInvalidPromo, op, fmt.Sprintf("promo %q is inactive", code))
	case expiresNS > 0 && expiresNS <= nowNS:
		return nil, errs.E(errs.KindInvalidPromo, op, fmt.Sprintf("promo %q has expired", code))
	case remaining <= 0:
		return nil, errs.E(errs.KindInvalidPromo, op, fmt.Sprintf("promo %q has no uses left", code))
	}
	p.percent, err = decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("promo %s percent %q: %w", code, raw, err)
	}
	if p.percent.IsNegative() || p.percent.GreaterThan(hundred) {
		return nil, errs.E(errs.KindInvalidPromo, op, fmt.Sprintf("promo %q has an out of range discount", code))
	}
	return &p, nil
}

// consumePromo is the nested optimistic check: a promo read at version v is
// only decremented if nobody else touched it since.
func consumePromo(ctx context.Context, q storage.Querier, p *promoRow) error {
	res, err := q.ExecContext(ctx, `
UPDATE promos
SET remaining_uses = remaining_uses - 1,
    version = version + 1
WHERE code = ?
  AND version = ?
  AND remaining_uses > 0;
`, p.code, p.version)
	if err != nil {
		return err
	}
	if aff, _ := res.RowsAffected(); aff != 1 {
		return errs.E(errs.KindVersionConflict, "checkout.promo", "promo "+p.code+" changed concurrently")
	}
	return nil
}

func restorePromo(ctx context.Context, q storage.Querier, code string) error {
	_, err := q.ExecContext(ctx, `
UPDATE promos SET remaining_uses = remaining_uses + 1, version = version + 1 WHERE code = ?;
`, code)
	return err
}

type account struct {
	id      string
	balance decimal.Decimal
	version int64
}

func loadAccount(ctx context.Context, q storage.Querier, id string) (account, error) {
	a := account{id: id}
	var raw string
	err := q.QueryRowContext(ctx, `SELECT balance, version FROM users WHERE id = ?;`, id).Scan(&raw, &a.version)
	if errors.Is(err, sql.ErrNoRows) {
		return account{}, errs.E(errs.KindNotFound, "checkout.account", fmt.Sprintf("user %q not found", id))
	}
	if err != nil {
		return account{}, err
	}
	a.balance, err = decimal.NewFromString(raw)
	if err != nil {
		return account{}, fmt.Errorf("user %s balance %q: %w", id, raw, err)
	}
	return a, nil
}

// adjustBalance applies delta to a balance read at a.version.
func adjustBalance(ctx context.Context, q storage.Querier, a account, delta decimal.Decimal, nowNS int64) error {
	res, err := q.ExecContext(ctx, `
UPDATE users
SET balance = ?,
    version = version + 1,
    updated_at_ns = ?
WHERE id = ?
  AND version = ?;
`, a.balance.Add(delta).String(), nowNS, a.id, a.version)
	if err != nil {
		return err
	}
	if aff, _ := res.RowsAffected(); aff != 1 {
		return errs.E(errs.KindVersionConflict, "checkout.balance", "user "+a.id+" changed concurrently")
	}
	return nil
}

type pickedCredential struct {
	Credential
	sellerID string
}

func assignCredentials(ctx context.Context, q storage.Querier, orderID string, it Item) ([]pickedCredential, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, seller_id, secret
FROM credentials
WHERE sku_id = ? AND status = 'available'
ORDER BY created_at_ns, id
LIMIT ?;
`, it.SKUID, it.Quantity)
	if err != nil {
		return nil, err
	}
	picked := make([]pickedCredential, 0, it.Quantity)
	for rows.Next() {
		p := pickedCredential{Credential: Credential{SKUID: it.SKUID}}
		if err := rows.Scan(&p.ID, &p.sellerID, &p.Secret); err != nil {
			_ = rows.Close()
			return nil, err
		}
		picked = append(picked, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(picked) < it.Quantity {
		return nil, errs.E(errs.KindInsufficientStock, "checkout.assign",
			fmt.Sprintf("sku %s: %d credentials on hand for %d units", it.SKUID, len(picked), it.Quantity))
	}

	for _, p := range picked {
		res, err := q.ExecContext(ctx, `
UPDATE credentials SET status = 'sold', order_id = ? WHERE id = ? AND status = 'available';
`, orderID, p.ID)
		if err != nil {
			return nil, err
		}
		if aff, _ := res.RowsAffected(); aff != 1 {
			return nil, errs.E(errs.KindVersionConflict, "checkout.assign", "credential "+p.ID+" was taken concurrently")
		}
	}
	return picked, nil
}

func (s *Service) insertTransaction(ctx context.Context, q storage.Querier, userID, orderID, kind string, amount decimal.Decimal, nowNS int64) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO transactions(id, user_id, order_id, kind, amount, created_at_ns) VALUES(?, ?, ?, ?, ?, ?);
`, s.newID(), userID, nullable(orderID), kind, amount.String(), nowNS)
	return err
}

// loadOrderByKey returns the committed order created under an idempotency key.
func loadOrderByKey(ctx context.Context, q storage.Querier, key string) (OrderResult, bool, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM orders WHERE idempotency_key = ?;`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return OrderResult{}, false, nil
	}
	if err != nil {
		return OrderResult{}, false, err
	}
	res, err := loadOrder(ctx, q, id)
	if err != nil {
		return OrderResult{}, false, err
	}
	return res, true, nil
}

func loadOrder(ctx context.Context, q storage.Querier, id string) (OrderResult, error) {
	var (
		res                       = OrderResult{OrderID: id}
		subtotal, discount, total string
		promo                     sql.NullString
		createdNS                 int64
	)
	err := q.QueryRowContext(ctx, `
SELECT buyer_id, status, subtotal, discount, total, promo_code, created_at_ns
FROM orders WHERE id = ?;
`, id).Scan(&res.BuyerID, &res.Status, &subtotal, &discount, &total, &promo, &createdNS)
	if errors.Is(err, sql.ErrNoRows) {
		return OrderResult{}, errs.E(errs.KindNotFound, "checkout.order", fmt.Sprintf("order %q not found", id))
	}
	if err != nil {
		return OrderResult{}, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{{&res.Subtotal, subtotal}, {&res.Discount, discount}, {&res.Total, total}} {
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return OrderResult{}, fmt.Errorf("order %s amount %q: %w", id, f.raw, err)
		}
	}
	res.PromoCode = promo.String
	res.CreatedAt = timeFromNS(createdNS)

	rows, err := q.QueryContext(ctx, `
SELECT id, sku_id, secret FROM credentials WHERE order_id = ? ORDER BY sku_id, created_at_ns, id;
`, id)
	if err != nil {
		return OrderResult{}, err
	}
	defer rows.Close()
	res.Credentials = make([]Credential, 0)
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.SKUID, &c.Secret); err != nil {
			return OrderResult{}, err
		}
		res.Credentials = append(res.Credentials, c)
	}
	return res, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func timeFromNS(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
