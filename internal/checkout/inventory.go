package checkout

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stockguard/internal/errs"
	"stockguard/internal/storage"
	"stockguard/internal/uow"
)

// UploadInventory adds a seller's credentials to a SKU. The rows and the stock
// increase commit together.
func (s *Service) UploadInventory(ctx context.Context, req UploadRequest) (res UploadResult, err error) {
	const op = "checkout.upload_inventory"
	start := time.Now()
	defer func() {
		latency := time.Since(start).Milliseconds()
		s.metrics.ObserveMS("upload_inventory", latency)
		fields := map[string]interface{}{
			"op":         "upload_inventory",
			"seller_id":  req.SellerID,
			"sku":        req.SKUID,
			"latency_ms": latency,
		}
		if err != nil {
			s.metrics.Order("upload", errs.KindOf(err).String())
			fields["error"] = err.Error()
			s.logger.Warn(fields)
			return
		}
		s.metrics.Order("upload", "success")
		fields["uploaded"] = res.UploadedCount
		s.logger.Info(fields)
	}()

	if req.SellerID == "" || req.SKUID == "" {
		return UploadResult{}, errs.E(errs.KindInvalid, op, "seller_id and sku_id are required")
	}
	if len(req.Secrets) == 0 {
		return UploadResult{}, errs.E(errs.KindInvalid, op, "no credentials to upload")
	}
	seen := make(map[string]struct{}, len(req.Secrets))
	for i, secret := range req.Secrets {
		if strings.TrimSpace(secret) == "" {
			return UploadResult{}, errs.E(errs.KindInvalid, op, fmt.Sprintf("credential %d is empty", i))
		}
		if _, dup := seen[secret]; dup {
			return UploadResult{}, errs.E(errs.KindInvalid, op, fmt.Sprintf("credential %d is repeated in the upload", i))
		}
		seen[secret] = struct{}{}
	}

	err = s.uow.Execute(ctx, uow.Options{}, func(ctx context.Context, tx *sql.Tx) error {
		nowNS := s.now().UnixNano()
		if _, err := loadAccount(ctx, tx, req.SellerID); err != nil {
			return err
		}
		stk := s.stock.WithQuerier(tx)
		if _, err := stk.Get(ctx, req.SKUID); err != nil {
			return err
		}
		for i, secret := range req.Secrets {
			// created_at_ns keeps upload order for first-in first-out assignment
			_, err := tx.ExecContext(ctx, `
INSERT INTO credentials(id, sku_id, seller_id, secret, status, created_at_ns)
VALUES(?, ?, ?, ?, 'available', ?);
`, s.newID(), req.SKUID, req.SellerID, secret, nowNS+int64(i))
			if storage.IsUniqueViolation(err, "secret") {
				return errs.E(errs.KindInvalid, op, fmt.Sprintf("credential %d was already uploaded for sku %s", i, req.SKUID))
			}
			if err != nil {
				return err
			}
		}
		if err := stk.Increase(ctx, req.SKUID, len(req.Secrets)); err != nil {
			return err
		}
		return s.insertTransaction(ctx, tx, req.SellerID, "", TxUpload, decimal.Zero, nowNS)
	})
	if err != nil {
		return UploadResult{}, err
	}
	return UploadResult{SKUID: req.SKUID, UploadedCount: len(req.Secrets)}, nil
}
