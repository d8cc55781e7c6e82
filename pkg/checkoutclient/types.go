package checkoutclient

import (
	"time"

	"github.com/shopspring/decimal"
)

type Item struct {
	SKUID    string `json:"sku_id"`
	Quantity int    `json:"quantity"`
}

type OrderRequest struct {
	BuyerID   string `json:"buyer_id"`
	Items     []Item `json:"items"`
	PromoCode string `json:"promo_code,omitempty"`
}

type Credential struct {
	ID     string `json:"id"`
	SKUID  string `json:"sku_id"`
	Secret string `json:"secret"`
}

// Order is what the server returns for a created (or replayed) order.
type Order struct {
	OrderID     string          `json:"order_id"`
	BuyerID     string          `json:"buyer_id"`
	Status      string          `json:"status"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`
	PromoCode   string          `json:"promo_code,omitempty"`
	Credentials []Credential    `json:"credentials"`
	CreatedAt   time.Time       `json:"created_at"`

	// Replayed is set when the server answered from its idempotency cache.
	Replayed bool `json:"-"`
}

type Cancellation struct {
	OrderID      string          `json:"order_id"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
}

type Upload struct {
	SKUID         string `json:"sku_id"`
	UploadedCount int    `json:"uploaded_count"`
}

type Stock struct {
	SKUID     string `json:"sku_id"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Sold      int    `json:"sold"`
	Version   int64  `json:"version"`
}

// RetryOptions controls CreateOrderWithRetry.
type RetryOptions struct {
	MaxRetries   int           // 0 => 10
	MaxTotalWait time.Duration // 0 => no cap
	MinRetry     time.Duration // default 25ms
	MaxRetry     time.Duration // default 1s
	JitterFrac   float64       // default 0.2
}
