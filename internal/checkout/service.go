// Package checkout is the order fulfilment critical section. It composes the
// lock manager, the idempotency store, the optimistic retry executor, the
// stock manager and the unit-of-work into createOrder, cancelOrder and
// uploadInventory.
//
// Locks only reduce wasted work under contention. Every write that guards an
// invariant is a version-checked conditional update, so correctness holds even
// when a lease expires mid-operation or another instance ignores it.
package checkout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"stockguard/internal/errs"
	"stockguard/internal/idempotency"
	"stockguard/internal/lock"
	"stockguard/internal/obs"
	"stockguard/internal/retry"
	"stockguard/internal/stock"
	"stockguard/internal/uow"
)

type Config struct {
	LockTTL      time.Duration
	LockMaxWait  time.Duration
	LockPoll     time.Duration
	Retry        retry.Options
	UoW          uow.Options
	// CommissionRate is the platform's share of every payout, e.g. 0.10.
	CommissionRate decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 15 * time.Second
	}
	if c.LockMaxWait <= 0 {
		c.LockMaxWait = 3 * time.Second
	}
	if c.LockPoll <= 0 {
		c.LockPoll = 25 * time.Millisecond
	}
	if c.CommissionRate.IsNegative() || c.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		c.CommissionRate = decimal.Zero
	}
	return c
}

type Service struct {
	db      *sql.DB
	locks   lock.Locker
	idem    idempotency.Store
	stock   *stock.Manager
	retry   *retry.Executor
	uow     *uow.Runner
	cfg     Config
	logger  *obs.Logger
	metrics *obs.Metrics

	inflight singleflight.Group

	Now   func() time.Time
	NewID func() string
}

func NewService(db *sql.DB, locks lock.Locker, idem idempotency.Store, cfg Config, logger *obs.Logger, metrics *obs.Metrics) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		db:      db,
		locks:   locks,
		idem:    idem,
		stock:   stock.NewManager(db, logger, metrics),
		retry:   retry.NewExecutor(cfg.Retry, logger, metrics),
		uow:     uow.NewRunner(db, cfg.UoW, logger, metrics),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Stock exposes the stock manager for read-side callers.
func (s *Service) Stock() *stock.Manager { return s.stock }

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// CreateOrder runs one checkout. With an idempotency key, repeats of a
// completed request return the original result, and concurrent repeats in this
// process share one execution.
func (s *Service) CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	items, err := normalizeItems(req.Items)
	if err != nil {
		return OrderResult{}, err
	}
	if req.BuyerID == "" {
		return OrderResult{}, errs.E(errs.KindInvalid, "checkout.create_order", "buyer_id is required")
	}
	req.Items = items

	if req.IdempotencyKey == "" {
		return s.createOrder(ctx, req)
	}

	// The shared execution must not die with whichever caller started it. It
	// is bounded by the lock wait and unit-of-work timeouts instead; each
	// caller stops waiting when its own ctx ends.
	ch := s.inflight.DoChan(req.IdempotencyKey, func() (interface{}, error) {
		return s.createIdempotent(context.WithoutCancel(ctx), req)
	})
	var out singleflight.Result
	select {
	case <-ctx.Done():
		return OrderResult{}, errs.Wrap(errs.KindBusy, "checkout.create_order", ctx.Err())
	case out = <-ch:
	}
	if out.Err != nil {
		return OrderResult{}, out.Err
	}
	res := out.Val.(OrderResult)
	if out.Shared {
		s.metrics.Idempotency("shared")
		res.Credentials = append([]Credential(nil), res.Credentials...)
	}
	if res.BuyerID != req.BuyerID {
		return OrderResult{}, errs.E(errs.KindInvalid, "checkout.create_order", "idempotency key was used by another buyer")
	}
	return res, nil
}

func (s *Service) createIdempotent(ctx context.Context, req OrderRequest) (OrderResult, error) {
	key := req.IdempotencyKey

	rec, err := s.idem.Lookup(ctx, key)
	if err != nil {
		s.metrics.Idempotency("error")
		return OrderResult{}, fmt.Errorf("idempotency lookup: %w", err)
	}
	if rec != nil {
		if rec.Status == idempotency.StatusPending {
			s.metrics.Idempotency("in_progress")
			return OrderResult{}, errs.E(errs.KindInProgress, "checkout.create_order", "")
		}
		var res OrderResult
		if err := json.Unmarshal(rec.Body, &res); err != nil {
			return OrderResult{}, fmt.Errorf("decode cached response: %w", err)
		}
		res.Replayed = true
		s.metrics.Idempotency("hit")
		return res, nil
	}
	s.metrics.Idempotency("miss")

	ok, err := s.idem.Begin(ctx, key)
	if err != nil {
		return OrderResult{}, fmt.Errorf("idempotency begin: %w", err)
	}
	if !ok {
		s.metrics.Idempotency("in_progress")
		return OrderResult{}, errs.E(errs.KindInProgress, "checkout.create_order", "")
	}

	// A committed order whose response never reached the store is answered
	// from the orders table.
	if existing, found, err := loadOrderByKey(ctx, s.db, key); err != nil {
		s.abandon(ctx, key)
		return OrderResult{}, err
	} else if found {
		existing.Replayed = true
		s.metrics.Idempotency("hit")
		s.record(ctx, key, existing)
		return existing, nil
	}

	res, err := s.createOrder(ctx, req)
	if err != nil {
		s.abandon(ctx, key)
		return OrderResult{}, err
	}
	s.record(ctx, key, res)
	return res, nil
}

// record stores the response for key. If that fails the pending marker is
// dropped, so a repeat takes the orders-table path instead of waiting out the
// pending TTL.
func (s *Service) record(ctx context.Context, key string, res OrderResult) {
	body, err := json.Marshal(res)
	if err == nil {
		err = s.idem.Record(context.WithoutCancel(ctx), key, 201, body)
	}
	if err == nil {
		return
	}
	s.logger.Warn(map[string]interface{}{
		"op":              "idempotency_record",
		"idempotency_key": key,
		"order_id":        res.OrderID,
		"error":           err.Error(),
	})
	s.abandon(ctx, key)
}

func (s *Service) abandon(ctx context.Context, key string) {
	if err := s.idem.Abandon(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn(map[string]interface{}{
			"op":              "idempotency_abandon",
			"idempotency_key": key,
			"error":           err.Error(),
		})
	}
}

func (s *Service) createOrder(ctx context.Context, req OrderRequest) (res OrderResult, err error) {
	start := time.Now()
	state := StateIdle
	skuIDs := make([]string, len(req.Items))
	for i, it := range req.Items {
		skuIDs[i] = it.SKUID
	}

	defer func() {
		latency := time.Since(start).Milliseconds()
		s.metrics.ObserveMS("create_order", latency)
		fields := map[string]interface{}{
			"op":         "create_order",
			"buyer_id":   req.BuyerID,
			"skus":       lock.SKUSetLabel(skuIDs),
			"latency_ms": latency,
		}
		if err != nil {
			s.metrics.Order("create", errs.KindOf(err).String())
			fields["state"] = string(StateFailed)
			fields["failed_in"] = string(state)
			fields["error"] = err.Error()
			if errs.IsDomain(err) || errs.IsBusy(err) {
				s.logger.Warn(fields)
			} else {
				s.logger.Error(fields)
			}
			return
		}
		s.metrics.Order("create", "success")
		fields["state"] = string(StateCompleted)
		fields["order_id"] = res.OrderID
		fields["total"] = res.Total.String()
		fields["replayed"] = res.Replayed
		s.logger.Info(fields)
	}()

	set, err := s.acquire(ctx, req.BuyerID, skuIDs)
	if err != nil {
		return OrderResult{}, err
	}
	defer s.releaseLocks(ctx, set)
	state = StateLocksAcquired

	err = s.retry.Run(ctx, "checkout.create_order", func(ctx context.Context, attempt int) error {
		state = StateReserving
		out, err := s.attemptOrder(ctx, req, &state)
		if err != nil {
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		return OrderResult{}, err
	}
	return res, nil
}

// attemptOrder is one pass from Reserving to Completed. The executor restarts
// it from the top on a version conflict.
func (s *Service) attemptOrder(ctx context.Context, req OrderRequest, state *State) (OrderResult, error) {
	items := make([]stock.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = stock.Item{SKUID: it.SKUID, Quantity: it.Quantity}
	}

	held, err := s.stock.Reserve(ctx, items)
	if err != nil {
		return OrderResult{}, err
	}

	var out OrderResult
	err = s.uow.Execute(ctx, uow.Options{}, func(ctx context.Context, tx *sql.Tx) error {
		r, err := s.fulfil(ctx, tx, req, held, state)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err == nil && !out.Replayed {
		return out, nil
	}

	// Either the unit-of-work aborted or the order already existed. In both
	// cases nothing confirmed our hold, so it goes back to available.
	if _, relErr := s.stock.Release(context.WithoutCancel(ctx), held); relErr != nil {
		s.logger.Error(map[string]interface{}{
			"op":       "release_reservation",
			"buyer_id": req.BuyerID,
			"error":    relErr.Error(),
		})
		if err == nil {
			return out, nil
		}
		return OrderResult{}, &errs.Error{Kind: errs.KindAbortFailure, Op: "checkout.create_order", Err: errors.Join(err, relErr)}
	}
	if err != nil {
		return OrderResult{}, err
	}
	return out, nil
}

func (s *Service) acquire(ctx context.Context, buyerID string, skuIDs []string) (*lock.Set, error) {
	keys := make([]string, 0, len(skuIDs)+1)
	if buyerID != "" {
		keys = append(keys, lock.BuyerKey(buyerID))
	}
	for _, id := range skuIDs {
		keys = append(keys, lock.SKUKey(id))
	}
	return lock.AcquireAll(ctx, s.locks, keys, s.cfg.LockTTL, s.cfg.LockMaxWait, s.cfg.LockPoll)
}

func (s *Service) releaseLocks(ctx context.Context, set *lock.Set) {
	if err := set.Release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn(map[string]interface{}{
			"op":    "lock_release",
			"error": err.Error(),
		})
	}
}

// normalizeItems merges repeated SKUs and orders items by SKU id so every
// request touches rows in the same order.
func normalizeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, errs.E(errs.KindInvalid, "checkout", "at least one item is required")
	}
	qty := make(map[string]int, len(items))
	for _, it := range items {
		if it.SKUID == "" || it.Quantity <= 0 {
			return nil, errs.E(errs.KindInvalid, "checkout", "every item needs a sku_id and a positive quantity")
		}
		qty[it.SKUID] += it.Quantity
	}
	out := make([]Item, 0, len(qty))
	for id, q := range qty {
		out = append(out, Item{SKUID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKUID < out[j].SKUID })
	return out, nil
}
