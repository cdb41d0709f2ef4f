package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderPaid     OrderStatus = "paid"
	OrderFailed   OrderStatus = "failed"
	OrderExpired  OrderStatus = "expired"
	OrderRefunded OrderStatus = "refunded"
)

// Order tracks one externally-hosted checkout session. Amount is what the
// user pays after discounts; OriginalAmount is what gets credited to the
// balance when the gateway reports payment success.
type Order struct {
	ID             int64           `json:"id" db:"id"`
	OrderNumber    string          `json:"order_number" db:"order_number"`
	ProductName    string          `json:"product_name" db:"product_name"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	OriginalAmount decimal.Decimal `json:"original_amount" db:"original_amount"`
	Currency       string          `json:"currency" db:"currency"`
	Status         OrderStatus     `json:"status" db:"status"`
	UserID         int64           `json:"user_id" db:"user_id"`
	SessionID      string          `json:"session_id" db:"session_id"`
	PaymentURL     string          `json:"payment_url" db:"payment_url"`
	InviteCode     string          `json:"invite_code,omitempty" db:"invite_code"`
	PaidAt         *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// PaymentHistory is an append-only audit trail of gateway payment events
// per order. Separate from the balance ledger.
type PaymentHistory struct {
	ID            int64           `json:"id" db:"id"`
	OrderID       int64           `json:"order_id" db:"order_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Currency      string          `json:"currency" db:"currency"`
	Status        string          `json:"status" db:"status"`
	PaymentMethod string          `json:"payment_method" db:"payment_method"`
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
