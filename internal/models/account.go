package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry. Amounts are stored as an
// unsigned magnitude; the type carries the sign.
type TransactionType string

const (
	TransactionTopUp  TransactionType = "topup"
	TransactionDebit  TransactionType = "debit"
	TransactionRefund TransactionType = "refund"
)

// Signed returns the signed effect of an entry on the balance.
func (t TransactionType) Signed(amount decimal.Decimal) decimal.Decimal {
	if t == TransactionDebit {
		return amount.Neg()
	}
	return amount
}

// Account is the per-user balance record. One row per user, balance never
// negative. Mutated only through the ledger service.
type Account struct {
	ID        int64           `json:"id" db:"id"`
	UserID    int64           `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable ledger entry. Every balance mutation writes
// exactly one of these in the same database transaction.
type Transaction struct {
	ID           int64           `json:"id" db:"id"`
	AccountID    int64           `json:"account_id" db:"account_id"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Type         TransactionType `json:"transaction_type" db:"transaction_type"`
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Description  string          `json:"description" db:"description"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

type PreChargeStatus string

const (
	PreChargePending  PreChargeStatus = "pending"
	PreChargeRefunded PreChargeStatus = "refunded"
)

// PreCharge reserves intent to bill a task. A fulfilled reservation is
// represented by its final debit Transaction, not by a status change here;
// only a released reservation moves to refunded.
type PreCharge struct {
	ID         int64           `json:"id" db:"id"`
	UserID     int64           `json:"user_id" db:"user_id"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	TaskID     string          `json:"task_id" db:"task_id"`
	Status     PreChargeStatus `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	RefundedAt *time.Time      `json:"refunded_at,omitempty" db:"refunded_at"`
}
