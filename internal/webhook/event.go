package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Gateway event types this reconciler handles.
const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventCheckoutExpired        = "checkout.session.expired"
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
)

// Event is the strictly validated shape of a payment-gateway webhook
// delivery. Parsing fails closed: a missing required field rejects the
// event instead of being papered over downstream.
type Event struct {
	ID       string    `json:"id" validate:"required"`
	Type     string    `json:"type" validate:"required"`
	Livemode bool      `json:"livemode"`
	Data     EventData `json:"data" validate:"required"`
}

type EventData struct {
	Object SessionObject `json:"object" validate:"required"`
}

type SessionObject struct {
	ID          string        `json:"id" validate:"required"`
	AmountTotal int64         `json:"amount_total"` // minor units
	Amount      int64         `json:"amount"`       // payment_intent variant, minor units
	Currency    string        `json:"currency"`
	Metadata    EventMetadata `json:"metadata"`
}

type EventMetadata struct {
	OrderNumber    string `json:"order_number"`
	UserID         string `json:"user_id"`
	OriginalAmount string `json:"original_amount"`
}

var eventValidator = validator.New()

// ParseEvent decodes and validates a raw event payload.
func ParseEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}
	if err := eventValidator.Struct(&event); err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}
	return &event, nil
}

// CheckoutMetadata is the billing-relevant extract of a completed checkout
// session. Every field is required for the credit to proceed.
type CheckoutMetadata struct {
	OrderNumber    string
	UserID         int64
	OriginalAmount decimal.Decimal
	AmountTotal    decimal.Decimal
	Currency       string
}

// checkoutMetadata extracts and validates the metadata a completed-checkout
// handler needs, failing closed on anything missing or unparsable.
func (o *SessionObject) checkoutMetadata() (*CheckoutMetadata, error) {
	if o.Metadata.OrderNumber == "" || o.Metadata.UserID == "" || o.Metadata.OriginalAmount == "" {
		return nil, fmt.Errorf("incomplete session metadata: order_number=%q user_id=%q original_amount=%q",
			o.Metadata.OrderNumber, o.Metadata.UserID, o.Metadata.OriginalAmount)
	}

	var userID int64
	if _, err := fmt.Sscanf(o.Metadata.UserID, "%d", &userID); err != nil {
		return nil, fmt.Errorf("bad user_id %q: %w", o.Metadata.UserID, err)
	}

	originalAmount, err := decimal.NewFromString(o.Metadata.OriginalAmount)
	if err != nil {
		return nil, fmt.Errorf("bad original_amount %q: %w", o.Metadata.OriginalAmount, err)
	}

	return &CheckoutMetadata{
		OrderNumber:    o.Metadata.OrderNumber,
		UserID:         userID,
		OriginalAmount: originalAmount,
		AmountTotal:    decimal.New(o.AmountTotal, -2),
		Currency:       o.Currency,
	}, nil
}
