package checkout

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is a step of the order state machine. It only appears in logs.
type State string

const (
	StateIdle                 State = "idle"
	StateLocksAcquired        State = "locks_acquired"
	StateReserving            State = "reserving"
	StateDebiting             State = "debiting"
	StateAssigningCredentials State = "assigning_credentials"
	StateConfirming           State = "confirming"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
)

// Order status values stored in orders.status.
const (
	OrderProcessing = "processing"
	OrderCompleted  = "completed"
	OrderCancelled  = "cancelled"
)

// Transaction kinds stored in transactions.kind.
const (
	TxPurchase       = "purchase"
	TxPayout         = "payout"
	TxRefund         = "refund"
	TxPayoutReversal = "payout_reversal"
	TxUpload         = "upload"
)

type Item struct {
	SKUID    string `json:"sku_id"`
	Quantity int    `json:"quantity"`
}

type OrderRequest struct {
	BuyerID        string `json:"buyer_id"`
	Items          []Item `json:"items"`
	PromoCode      string `json:"promo_code,omitempty"`
	IdempotencyKey string `json:"-"`
}

type Credential struct {
	ID     string `json:"id"`
	SKUID  string `json:"sku_id"`
	Secret string `json:"secret"`
}

type OrderResult struct {
	OrderID     string          `json:"order_id"`
	BuyerID     string          `json:"buyer_id"`
	Status      string          `json:"status"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`
	PromoCode   string          `json:"promo_code,omitempty"`
	Credentials []Credential    `json:"credentials"`
	CreatedAt   time.Time       `json:"created_at"`

	// Replayed is set when the result was served for a repeated idempotency
	// key instead of being executed again.
	Replayed bool `json:"-"`
}

type CancelResult struct {
	OrderID      string          `json:"order_id"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
}

type UploadRequest struct {
	SellerID string   `json:"seller_id"`
	SKUID    string   `json:"sku_id"`
	Secrets  []string `json:"secrets"`
}

type UploadResult struct {
	SKUID         string `json:"sku_id"`
	UploadedCount int    `json:"uploaded_count"`
}
