// Package idempotency remembers the response of a side-effecting request by
// its client-supplied key so a repeat within the retention window is answered
// from the cache instead of being executed again.
package idempotency

import (
	"context"
	"time"
)

const (
	DefaultRetention  = 24 * time.Hour
	DefaultPendingTTL = time.Minute
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

type Record struct {
	Key        string    `json:"key"`
	Status     Status    `json:"status"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Body       []byte    `json:"body,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is implemented in memory and on redis.
//
// Lookup returns nil when nothing live is stored under key. Begin writes a
// pending marker only if key is free and reports whether it did. Record
// completes the key with a success response; non-2xx outcomes are never
// cached. Abandon drops a pending marker so a failed request can be retried
// under the same key.
type Store interface {
	Lookup(ctx context.Context, key string) (*Record, error)
	Begin(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key string, httpStatus int, body []byte) error
	Abandon(ctx context.Context, key string) error
}

func cacheable(httpStatus int) bool {
	return httpStatus >= 200 && httpStatus < 300
}
