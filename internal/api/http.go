package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"stockguard/internal/checkout"
	"stockguard/internal/errs"
	"stockguard/internal/obs"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
	HeaderRequestID      = "X-Request-ID"
)

type Server struct {
	svc    *checkout.Service
	logger *obs.Logger
	mux    *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func NewServer(svc *checkout.Service, logger *obs.Logger) *Server {
	s := &Server{svc: svc, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// simple path parsing to avoid extra router deps
	s.mux.HandleFunc("/v1/orders", s.handleCreateOrder)
	s.mux.HandleFunc("/v1/orders/", s.handleOrder)
	s.mux.HandleFunc("/v1/skus/", s.handleSKU)
}

// --- Handlers ---

type createOrderReq struct {
	BuyerID   string          `json:"buyer_id"`
	Items     []checkout.Item `json:"items"`
	PromoCode string          `json:"promo_code,omitempty"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req createOrderReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.svc.CreateOrder(r.Context(), checkout.OrderRequest{
		BuyerID:        req.BuyerID,
		Items:          req.Items,
		PromoCode:      req.PromoCode,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
	})
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	// Expected: /v1/orders/{id}/cancel
	parts := splitPath(r.URL.Path, "/v1/orders/")
	if len(parts) != 2 || parts[1] != "cancel" {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	res, err := s.svc.CancelOrder(r.Context(), parts[0])
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type uploadReq struct {
	SellerID string   `json:"seller_id"`
	Secrets  []string `json:"secrets"`
}

type stockResp struct {
	SKUID     string `json:"sku_id"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Sold      int    `json:"sold"`
	Version   int64  `json:"version"`
}

func (s *Server) handleSKU(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// /v1/skus/{sku}/inventory  POST
	// /v1/skus/{sku}/stock      GET
	parts := splitPath(r.URL.Path, "/v1/skus/")
	if len(parts) != 2 {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}
	skuID, action := parts[0], parts[1]

	switch action {
	case "inventory":
		if r.Method != http.MethodPost {
			writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req uploadReq
		if err := readJSON(r, &req); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err := s.svc.UploadInventory(r.Context(), checkout.UploadRequest{
			SellerID: req.SellerID,
			SKUID:    skuID,
			Secrets:  req.Secrets,
		})
		if err != nil {
			s.writeDomainErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)

	case "stock":
		if r.Method != http.MethodGet {
			writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		rec, err := s.svc.Stock().Get(r.Context(), skuID)
		if err != nil {
			s.writeDomainErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stockResp{
			SKUID:     rec.SKUID,
			Available: rec.Available,
			Reserved:  rec.Reserved,
			Sold:      rec.Sold,
			Version:   rec.Version,
		})

	default:
		writeErr(w, http.StatusNotFound, "unknown action")
	}
}

// --- helpers ---

func splitPath(path, prefix string) []string {
	path = strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// StatusFor maps an error kind to the HTTP status clients see.
func StatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindInsufficientStock, errs.KindInsufficientBalance, errs.KindInProgress:
		return http.StatusConflict
	case errs.KindInvalidPromo:
		return http.StatusUnprocessableEntity
	case errs.KindInvalid:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindLockTimeout, errs.KindBusy:
		return http.StatusTooManyRequests
	case errs.KindContentionExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errResp struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeDomainErr gives domain rejections their specific message; contention
// and infrastructure failures get a generic one.
func (s *Server) writeDomainErr(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	kind := errs.KindOf(err)
	out := errResp{Error: err.Error(), Code: kind.String()}

	switch status {
	case http.StatusTooManyRequests:
		w.Header().Set("Retry-After", "1")
		out.Error = "system busy, try again"
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		out.Error = "high contention, try again"
	case http.StatusInternalServerError:
		out.Error = "internal error"
		s.logger.Error(map[string]interface{}{
			"op":     "http",
			"path":   r.URL.Path,
			"req_id": requestID(r.Context()),
			"error":  err.Error(),
		})
	}
	var e *errs.Error
	if status < 500 && status != http.StatusTooManyRequests && errors.As(err, &e) && e.Msg != "" {
		out.Error = e.Msg
	}
	writeJSON(w, status, out)
}

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
