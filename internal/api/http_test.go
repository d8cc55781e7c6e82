package api_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stockguard/internal/api"
	"stockguard/internal/checkout"
	"stockguard/internal/errs"
	"stockguard/internal/idempotency"
	"stockguard/internal/lock"
	"stockguard/internal/testutil"
)

func newTestServer(t *testing.T) (*httptest.Server, *checkout.Service) {
	t.Helper()
	db := testutil.OpenDB(t)
	testutil.PutUser(t, db, "seller", "0")
	testutil.PutUser(t, db, "buyer", "50.00")
	testutil.PutSKU(t, db, "A", "10.00", 0)

	svc := checkout.NewService(db.DB, lock.NewMemoryLocker(nil), idempotency.NewMemoryStore(0, 0),
		checkout.Config{LockMaxWait: time.Second, LockPoll: 5 * time.Millisecond}, nil, nil)
	ts := httptest.NewServer(api.NewServer(svc, nil).Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func post(t *testing.T, url string, body interface{}, header map[string]string) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := post(t, ts.URL+"/v1/skus/A/inventory", map[string]interface{}{
		"seller_id": "seller",
		"secrets":   []string{"s1", "s2"},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %d", resp.StatusCode)
	}
	resp.Body.Close()

	orderBody := map[string]interface{}{
		"buyer_id": "buyer",
		"items":    []map[string]interface{}{{"sku_id": "A", "quantity": 1}},
	}
	resp = post(t, ts.URL+"/v1/orders", orderBody, map[string]string{api.HeaderIdempotencyKey: "abc"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d", resp.StatusCode)
	}
	if resp.Header.Get(api.HeaderRequestID) == "" {
		t.Fatalf("missing request id header")
	}
	var first checkout.OrderResult
	decode(t, resp, &first)

	resp = post(t, ts.URL+"/v1/orders", orderBody, map[string]string{api.HeaderIdempotencyKey: "abc"})
	if resp.Header.Get(api.HeaderReplayed) != "true" {
		t.Fatalf("repeat with same key should be a replay")
	}
	var second checkout.OrderResult
	decode(t, resp, &second)
	if second.OrderID != first.OrderID {
		t.Fatalf("replay returned a different order: %s vs %s", second.OrderID, first.OrderID)
	}

	resp, err := http.Get(ts.URL + "/v1/skus/A/stock")
	if err != nil {
		t.Fatal(err)
	}
	var stock map[string]interface{}
	decode(t, resp, &stock)
	if stock["available"].(float64) != 1 || stock["sold"].(float64) != 1 {
		t.Fatalf("stock after order: %+v", stock)
	}

	resp = post(t, ts.URL+"/v1/orders/"+first.OrderID+"/cancel", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d", resp.StatusCode)
	}
	var cancel checkout.CancelResult
	decode(t, resp, &cancel)
	if !cancel.RefundAmount.Equal(testutil.Money("10")) {
		t.Fatalf("refund %s", cancel.RefundAmount)
	}
}

func TestDomainErrorsOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	// no inventory uploaded yet
	resp := post(t, ts.URL+"/v1/orders", map[string]interface{}{
		"buyer_id": "buyer",
		"items":    []map[string]interface{}{{"sku_id": "A", "quantity": 1}},
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stock-out status %d", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["code"] != "insufficient_stock" {
		t.Fatalf("error code %q", body["code"])
	}

	resp = post(t, ts.URL+"/v1/orders", map[string]interface{}{"buyer_id": "buyer", "bogus": 1}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = post(t, ts.URL+"/v1/orders/nope/cancel", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown order status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/v1/orders")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /v1/orders status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errs.ErrInsufficientStock, http.StatusConflict},
		{errs.ErrInsufficientBalance, http.StatusConflict},
		{errs.ErrInvalidPromo, http.StatusUnprocessableEntity},
		{errs.ErrInvalid, http.StatusBadRequest},
		{errs.ErrNotFound, http.StatusNotFound},
		{errs.ErrLockTimeout, http.StatusTooManyRequests},
		{errs.ErrBusy, http.StatusTooManyRequests},
		{errs.ErrInProgress, http.StatusConflict},
		{errs.ErrContentionExhausted, http.StatusServiceUnavailable},
		{errs.ErrAbortFailure, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := api.StatusFor(c.err); got != c.want {
			t.Errorf("%v: got %d want %d", c.err, got, c.want)
		}
	}
}
