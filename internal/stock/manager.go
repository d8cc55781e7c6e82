// Package stock owns the per-SKU available/reserved/sold counters.
//
// Stock moves only through Reserve, Confirm, Release and Increase. Each
// movement is a single conditional UPDATE, so available and reserved can
// never go negative and available+reserved+sold only changes by Increase.
package stock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stockguard/internal/errs"
	"stockguard/internal/obs"
	"stockguard/internal/storage"
)

type Item struct {
	SKUID    string
	Quantity int
}

type State string

const (
	StateReserved  State = "reserved"
	StateConfirmed State = "confirmed"
	StateReleased  State = "released"
)

type Reservation struct {
	SKUID    string
	Quantity int
	State    State
}

// Record is a snapshot of one SKU's counters.
type Record struct {
	SKUID     string
	Available int
	Reserved  int
	Sold      int
	Version   int64
}

func (r Record) Total() int { return r.Available + r.Reserved + r.Sold }

type Manager struct {
	q       storage.Querier
	logger  *obs.Logger
	metrics *obs.Metrics

	Now func() time.Time
}

func NewManager(q storage.Querier, logger *obs.Logger, metrics *obs.Metrics) *Manager {
	return &Manager{q: q, logger: logger, metrics: metrics}
}

// WithQuerier returns a copy bound to q, typically the *sql.Tx of a unit-of-work.
func (m *Manager) WithQuerier(q storage.Querier) *Manager {
	c := *m
	c.q = q
	return &c
}

func (m *Manager) now() int64 {
	if m.Now != nil {
		return m.Now().UnixNano()
	}
	return time.Now().UnixNano()
}

func (m *Manager) Get(ctx context.Context, skuID string) (Record, error) {
	rec := Record{SKUID: skuID}
	err := m.q.QueryRowContext(ctx, `
SELECT available, reserved, sold, version FROM skus WHERE id = ?;
`, skuID).Scan(&rec.Available, &rec.Reserved, &rec.Sold, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, errs.E(errs.KindNotFound, "stock.get", fmt.Sprintf("sku %q not found", skuID))
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Reserve holds qty of every item or nothing: when any item fails, the holds
// already taken in this call are given back before the error is returned.
func (m *Manager) Reserve(ctx context.Context, items []Item) ([]Reservation, error) {
	start := time.Now()
	defer func() { m.metrics.ObserveMS("stock_reserve", time.Since(start).Milliseconds()) }()

	out := make([]Reservation, 0, len(items))
	for _, it := range items {
		if err := m.reserveOne(ctx, it); err != nil {
			m.metrics.StockOp("reserve", resultOf(err))
			if len(out) > 0 {
				if _, rbErr := m.Release(context.WithoutCancel(ctx), out); rbErr != nil {
					m.logger.Error(map[string]interface{}{
						"op":    "stock_reserve_rollback",
						"sku":   it.SKUID,
						"error": rbErr.Error(),
					})
					return nil, &errs.Error{
						Kind: errs.KindAbortFailure,
						Op:   "stock.reserve",
						Err:  errors.Join(err, rbErr),
					}
				}
			}
			return nil, err
		}
		out = append(out, Reservation{SKUID: it.SKUID, Quantity: it.Quantity, State: StateReserved})
	}
	m.metrics.StockOp("reserve", "success")
	return out, nil
}

func (m *Manager) reserveOne(ctx context.Context, it Item) error {
	if it.SKUID == "" || it.Quantity <= 0 {
		return errs.E(errs.KindInvalid, "stock.reserve", "sku and positive quantity required")
	}
	rec, err := m.Get(ctx, it.SKUID)
	if err != nil {
		return err
	}
	if rec.Available < it.Quantity {
		return errs.E(errs.KindInsufficientStock, "stock.reserve",
			fmt.Sprintf("sku %s: requested %d, available %d", it.SKUID, it.Quantity, rec.Available))
	}

	res, err := m.q.ExecContext(ctx, `
UPDATE skus
SET available = available - ?,
    reserved = reserved + ?,
    version = version + 1,
    updated_at_ns = ?
WHERE id = ?
  AND version = ?
  AND available >= ?;
`, it.Quantity, it.Quantity, m.now(), it.SKUID, rec.Version, it.Quantity)
	if err != nil {
		return m.classify("stock_reserve", err)
	}
	if aff, _ := res.RowsAffected(); aff != 1 {
		return errs.E(errs.KindVersionConflict, "stock.reserve", "sku "+it.SKUID+" changed concurrently")
	}
	return nil
}

// Confirm turns held reservations into sales. It returns confirmed copies and
// leaves the input untouched, so a caller whose transaction later rolls back
// still holds the reserved originals to release.
func (m *Manager) Confirm(ctx context.Context, res []Reservation) ([]Reservation, error) {
	out := make([]Reservation, len(res))
	for i, r := range res {
		if r.State != StateReserved {
			return nil, errs.E(errs.KindInvalid, "stock.confirm", fmt.Sprintf("sku %s: reservation is %s", r.SKUID, r.State))
		}
		result, err := m.q.ExecContext(ctx, `
UPDATE skus
SET reserved = reserved - ?,
    sold = sold + ?,
    version = version + 1,
    updated_at_ns = ?
WHERE id = ?
  AND reserved >= ?;
`, r.Quantity, r.Quantity, m.now(), r.SKUID, r.Quantity)
		if err != nil {
			m.metrics.StockOp("confirm", "error")
			return nil, m.classify("stock_confirm", err)
		}
		if aff, _ := result.RowsAffected(); aff != 1 {
			m.metrics.StockOp("confirm", "missing")
			return nil, fmt.Errorf("stock.confirm: sku %s has fewer than %d reserved", r.SKUID, r.Quantity)
		}
		r.State = StateConfirmed
		out[i] = r
	}
	m.metrics.StockOp("confirm", "success")
	return out, nil
}

// Release gives stock back to available. Held reservations come out of
// reserved, confirmed ones out of sold (order cancellation). It attempts every
// entry and returns the first error.
func (m *Manager) Release(ctx context.Context, res []Reservation) ([]Reservation, error) {
	out := make([]Reservation, len(res))
	var first error
	for i, r := range res {
		out[i] = r
		var q string
		switch r.State {
		case StateReserved:
			q = `
UPDATE skus
SET available = available + ?,
    reserved = reserved - ?,
    version = version + 1,
    updated_at_ns = ?
WHERE id = ?
  AND reserved >= ?;
`
		case StateConfirmed:
			q = `
UPDATE skus
SET available = available + ?,
    sold = sold - ?,
    version = version + 1,
    updated_at_ns = ?
WHERE id = ?
  AND sold >= ?;
`
		default:
			continue
		}

		result, err := m.q.ExecContext(ctx, q, r.Quantity, r.Quantity, m.now(), r.SKUID, r.Quantity)
		if err != nil {
			if first == nil {
				first = m.classify("stock_release", err)
			}
			continue
		}
		if aff, _ := result.RowsAffected(); aff != 1 {
			if first == nil {
				first = fmt.Errorf("stock.release: sku %s cannot give back %d %s units", r.SKUID, r.Quantity, r.State)
			}
			continue
		}
		out[i].State = StateReleased
	}
	if first != nil {
		m.metrics.StockOp("release", "error")
		return out, first
	}
	m.metrics.StockOp("release", "success")
	return out, nil
}

// Increase adds freshly uploaded units to available.
func (m *Manager) Increase(ctx context.Context, skuID string, qty int) error {
	if qty <= 0 {
		return errs.E(errs.KindInvalid, "stock.increase", "quantity must be > 0")
	}
	res, err := m.q.ExecContext(ctx, `
UPDATE skus
SET available = available + ?,
    version = version + 1,
    updated_at_ns = ?
WHERE id = ?;
`, qty, m.now(), skuID)
	if err != nil {
		m.metrics.StockOp("increase", "error")
		return m.classify("stock_increase", err)
	}
	if aff, _ := res.RowsAffected(); aff != 1 {
		m.metrics.StockOp("increase", "not_found")
		return errs.E(errs.KindNotFound, "stock.increase", fmt.Sprintf("sku %q not found", skuID))
	}
	m.metrics.StockOp("increase", "success")
	return nil
}

// ReclaimReserved returns every reserved unit to available and reports how
// many moved. Reserve commits before the order's unit-of-work starts, so a
// crash in between leaves holds nobody will confirm or release. Only call it
// while no instance is serving orders against the same database.
func (m *Manager) ReclaimReserved(ctx context.Context) (int, error) {
	var held sql.NullInt64
	if err := m.q.QueryRowContext(ctx, `SELECT SUM(reserved) FROM skus WHERE reserved > 0;`).Scan(&held); err != nil {
		return 0, m.classify("stock_reclaim", err)
	}
	if !held.Valid || held.Int64 == 0 {
		return 0, nil
	}
	if _, err := m.q.ExecContext(ctx, `
UPDATE skus
SET available = available + reserved,
    reserved = 0,
    version = version + 1,
    updated_at_ns = ?
WHERE reserved > 0;
`, m.now()); err != nil {
		m.metrics.StockOp("reclaim", "error")
		return 0, m.classify("stock_reclaim", err)
	}
	m.metrics.StockOp("reclaim", "success")
	m.logger.Warn(map[string]interface{}{
		"op":       "stock_reclaim",
		"reserved": held.Int64,
	})
	return int(held.Int64), nil
}

func (m *Manager) classify(op string, err error) error {
	if storage.IsBusy(err) {
		m.metrics.DBBusy(op)
	}
	return err
}

func resultOf(err error) string {
	switch errs.KindOf(err) {
	case errs.KindInsufficientStock:
		return "insufficient"
	case errs.KindVersionConflict:
		return "conflict"
	case errs.KindNotFound:
		return "not_found"
	}
	return "error"
}
