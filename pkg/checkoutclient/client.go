// Package checkoutclient is a small HTTP SDK for the stockguard API.
package checkoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

type Client struct {
	baseURL string
	http    *http.Client

	mu  sync.Mutex
	rng *rand.Rand
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ---- Operations ----

// CreateOrder sends one attempt. An empty key sends no Idempotency-Key header.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest, idempotencyKey string) (Order, error) {
	if req.BuyerID == "" || len(req.Items) == 0 {
		return Order{}, fmt.Errorf("buyer and items required")
	}
	var hdr http.Header
	if idempotencyKey != "" {
		hdr = http.Header{headerIdempotencyKey: []string{idempotencyKey}}
	}

	var out Order
	rspHdr, err := c.do(ctx, http.MethodPost, "/v1/orders", hdr, req, http.StatusCreated, &out)
	if err != nil {
		return Order{}, err
	}
	out.Replayed = rspHdr.Get(headerReplayed) == "true"
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (Cancellation, error) {
	if orderID == "" {
		return Cancellation{}, fmt.Errorf("orderID required")
	}
	var out Cancellation
	_, err := c.do(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/cancel", nil, nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) UploadInventory(ctx context.Context, sellerID, skuID string, secrets []string) (Upload, error) {
	if skuID == "" {
		return Upload{}, fmt.Errorf("skuID required")
	}
	body := struct {
		SellerID string   `json:"seller_id"`
		Secrets  []string `json:"secrets"`
	}{sellerID, secrets}

	var out Upload
	_, err := c.do(ctx, http.MethodPost, "/v1/skus/"+url.PathEscape(skuID)+"/inventory", nil, body, http.StatusCreated, &out)
	return out, err
}

func (c *Client) GetStock(ctx context.Context, skuID string) (Stock, error) {
	var out Stock
	_, err := c.do(ctx, http.MethodGet, "/v1/skus/"+url.PathEscape(skuID)+"/stock", nil, nil, http.StatusOK, &out)
	return out, err
}

// do sends JSON and decodes the answer into resp when the status matches want.
// Any other status comes back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, hdr http.Header, req any, want int, resp any) (http.Header, error) {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		httpReq.Header[k] = v
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))

	if rsp.StatusCode != want {
		ae := &APIError{Method: method, Path: path, Code: rsp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var eb struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			ae.Message, ae.Kind = eb.Error, eb.Code
		}
		ae.RetryAfter, _ = strconv.Atoi(rsp.Header.Get("Retry-After"))
		return rsp.Header, ae
	}
	if resp != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, resp); err != nil {
			return rsp.Header, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return rsp.Header, nil
}

// ---- Retry wrapper ----

// CreateOrderWithRetry repeats CreateOrder while the server reports contention.
// Every attempt carries the same idempotency key, so at most one order is
// created no matter how many attempts reach the server.
func (c *Client) CreateOrderWithRetry(ctx context.Context, req OrderRequest, opt RetryOptions) (Order, error) {
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 10
	}
	if opt.MinRetry <= 0 {
		opt.MinRetry = 25 * time.Millisecond
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = time.Second
	}
	if opt.JitterFrac <= 0 {
		opt.JitterFrac = 0.2
	}

	key := uuid.NewString()
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= opt.MaxRetries; attempt++ {
		if opt.MaxTotalWait > 0 && time.Since(start) > opt.MaxTotalWait {
			break
		}

		order, err := c.CreateOrder(ctx, req, key)
		if err == nil {
			return order, nil
		}
		if !IsBusy(err) {
			return Order{}, err
		}
		lastErr = err

		// Honor Retry-After if present; clamp and add jitter.
		sleep := time.Duration(float64(opt.MinRetry) * math.Pow(1.5, float64(attempt)))
		if ae, ok := err.(*APIError); ok && ae.RetryAfter > 0 {
			sleep = time.Duration(ae.RetryAfter) * time.Second
		}
		if sleep < opt.MinRetry {
			sleep = opt.MinRetry
		}
		if sleep > opt.MaxRetry {
			sleep = opt.MaxRetry
		}
		sleep = c.jitter(sleep, opt.JitterFrac)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Order{}, ctx.Err()
		case <-timer.C:
		}
	}

	if lastErr != nil {
		return Order{}, lastErr
	}
	return Order{}, context.DeadlineExceeded
}

func (c *Client) jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	c.mu.Lock()
	f := c.rng.Float64()
	c.mu.Unlock()
	// jitter range: [d*(1-frac), d*(1+frac)]
	out := time.Duration(float64(d) * (1 + (f*2-1)*frac))
	if out < 0 {
		return 0
	}
	return out
}
