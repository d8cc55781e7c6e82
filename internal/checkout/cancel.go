package checkout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stockguard/internal/errs"
	"stockguard/internal/stock"
	"stockguard/internal/storage"
	"stockguard/internal/uow"
)

// CancelOrder reverses a completed order: credentials return to the pool, the
// sold units return to available, the buyer is refunded, seller payouts are
// clawed back and the promo use is restored.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (res CancelResult, err error) {
	start := time.Now()
	defer func() {
		latency := time.Since(start).Milliseconds()
		s.metrics.ObserveMS("cancel_order", latency)
		fields := map[string]interface{}{
			"op":         "cancel_order",
			"order_id":   orderID,
			"latency_ms": latency,
		}
		if err != nil {
			s.metrics.Order("cancel", errs.KindOf(err).String())
			fields["error"] = err.Error()
			s.logger.Warn(fields)
			return
		}
		s.metrics.Order("cancel", "success")
		fields["refund"] = res.RefundAmount.String()
		s.logger.Info(fields)
	}()

	if orderID == "" {
		return CancelResult{}, errs.E(errs.KindInvalid, "checkout.cancel_order", "order id is required")
	}
	order, err := loadOrder(ctx, s.db, orderID)
	if err != nil {
		return CancelResult{}, err
	}
	items, err := loadOrderItems(ctx, s.db, orderID)
	if err != nil {
		return CancelResult{}, err
	}
	skuIDs := make([]string, len(items))
	for i, it := range items {
		skuIDs[i] = it.SKUID
	}

	set, err := s.acquire(ctx, order.BuyerID, skuIDs)
	if err != nil {
		return CancelResult{}, err
	}
	defer s.releaseLocks(ctx, set)

	err = s.retry.Run(ctx, "checkout.cancel_order", func(ctx context.Context, attempt int) error {
		return s.uow.Execute(ctx, uow.Options{}, func(ctx context.Context, tx *sql.Tx) error {
			refund, err := s.reverse(ctx, tx, orderID)
			if err != nil {
				return err
			}
			res = CancelResult{OrderID: orderID, RefundAmount: refund}
			return nil
		})
	})
	if err != nil {
		return CancelResult{}, err
	}
	return res, nil
}

func (s *Service) reverse(ctx context.Context, tx *sql.Tx, orderID string) (decimal.Decimal, error) {
	const op = "checkout.cancel_order"
	nowNS := s.now().UnixNano()

	order, err := loadOrder(ctx, tx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	if order.Status != OrderCompleted {
		return decimal.Zero, errs.E(errs.KindInvalid, op, fmt.Sprintf("order %s is %s", orderID, order.Status))
	}

	items, err := loadOrderItems(ctx, tx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE credentials SET status = 'available', order_id = NULL WHERE order_id = ? AND status = 'sold';
`, orderID); err != nil {
		return decimal.Zero, err
	}
	sold := make([]stock.Reservation, len(items))
	for i, it := range items {
		sold[i] = stock.Reservation{SKUID: it.SKUID, Quantity: it.Quantity, State: stock.StateConfirmed}
	}
	if _, err := s.stock.WithQuerier(tx).Release(ctx, sold); err != nil {
		return decimal.Zero, err
	}

	buyer, err := loadAccount(ctx, tx, order.BuyerID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := adjustBalance(ctx, tx, buyer, order.Total, nowNS); err != nil {
		return decimal.Zero, err
	}

	payouts, err := loadPayouts(ctx, tx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range payouts {
		seller, err := loadAccount(ctx, tx, p.userID)
		if err != nil {
			return decimal.Zero, err
		}
		if seller.balance.LessThan(p.amount) {
			return decimal.Zero, errs.E(errs.KindInsufficientBalance, op,
				fmt.Sprintf("seller %s cannot cover payout reversal of %s", p.userID, p.amount.StringFixed(2)))
		}
		if err := adjustBalance(ctx, tx, seller, p.amount.Neg(), nowNS); err != nil {
			return decimal.Zero, err
		}
		if err := s.insertTransaction(ctx, tx, p.userID, orderID, TxPayoutReversal, p.amount.Neg(), nowNS); err != nil {
			return decimal.Zero, err
		}
	}

	if order.PromoCode != "" {
		if err := restorePromo(ctx, tx, order.PromoCode); err != nil {
			return decimal.Zero, err
		}
	}

	upd, err := tx.ExecContext(ctx, `
UPDATE orders SET status = ?, updated_at_ns = ? WHERE id = ? AND status = ?;
`, OrderCancelled, nowNS, orderID, OrderCompleted)
	if err != nil {
		return decimal.Zero, err
	}
	if aff, _ := upd.RowsAffected(); aff != 1 {
		return decimal.Zero, errs.E(errs.KindVersionConflict, op, "order "+orderID+" changed concurrently")
	}
	if err := s.insertTransaction(ctx, tx, order.BuyerID, orderID, TxRefund, order.Total, nowNS); err != nil {
		return decimal.Zero, err
	}
	return order.Total, nil
}

func loadOrderItems(ctx context.Context, q storage.Querier, orderID string) ([]Item, error) {
	rows, err := q.QueryContext(ctx, `
SELECT sku_id, quantity FROM order_items WHERE order_id = ? ORDER BY sku_id;
`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.SKUID, &it.Quantity); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

type payout struct {
	userID string
	amount decimal.Decimal
}

func loadPayouts(ctx context.Context, q storage.Querier, orderID string) ([]payout, error) {
	rows, err := q.QueryContext(ctx, `
SELECT user_id, amount FROM transactions WHERE order_id = ? AND kind = ? ORDER BY user_id;
`, orderID, TxPayout)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []payout
	for rows.Next() {
		var (
			p   payout
			raw string
		)
		if err := rows.Scan(&p.userID, &raw); err != nil {
			return nil, err
		}
		if p.amount, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("payout amount %q: %w", raw, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
