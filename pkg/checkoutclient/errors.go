package checkoutclient

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Method     string
	Path       string
	Code       int
	Kind       string // error code from the body, e.g. insufficient_stock
	Message    string
	RetryAfter int // seconds, from the Retry-After header
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s -> %d %s: %s", e.Method, e.Path, e.Code, e.Kind, e.Message)
}

// Retryable reports whether the request may be repeated with the same
// idempotency key.
func (e *APIError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusServiceUnavailable ||
		(e.Code == http.StatusConflict && e.Kind == "in_progress")
}

func IsStockOut(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == "insufficient_stock"
}

func IsBusy(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Retryable()
}
