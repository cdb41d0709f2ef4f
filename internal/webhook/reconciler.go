package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/interviewace/backend/internal/ledger"
	"github.com/interviewace/backend/internal/models"
	"github.com/interviewace/backend/internal/orders"
)

const (
	// dedupTTL is the retention window during which a previously seen
	// event id is recognized and skipped.
	dedupTTL = 24 * time.Hour

	// recentEventsCap bounds the in-memory observability buffer.
	recentEventsCap = 1000
)

func eventKey(id string) string {
	return fmt.Sprintf("stripe:event:%s", id)
}

// EventRecord is one entry of the recent-events observability buffer.
type EventRecord struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Reconciler consumes payment-gateway events at most once each and drives
// the resulting ledger credits and order transitions.
type Reconciler struct {
	redis    *redis.Client
	balance  *ledger.Service
	orders   *orders.Service
	verifier SignatureVerifier
	live     bool

	mu     sync.Mutex
	recent []EventRecord
}

func NewReconciler(redisClient *redis.Client, balance *ledger.Service, orderService *orders.Service, verifier SignatureVerifier, live bool) *Reconciler {
	return &Reconciler{
		redis:    redisClient,
		balance:  balance,
		orders:   orderService,
		verifier: verifier,
		live:     live,
	}
}

// IsEventProcessed reports whether the event id was seen inside the dedup
// window.
func (rc *Reconciler) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := rc.redis.Exists(ctx, eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	return n > 0, nil
}

// MarkEventProcessed records the event id with expiry and appends it to the
// recent-events buffer. Safe to call more than once for the same id.
func (rc *Reconciler) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	if err := rc.redis.SetEX(ctx, eventKey(eventID), eventType, dedupTTL).Err(); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}

	rc.mu.Lock()
	rc.recent = append(rc.recent, EventRecord{ID: eventID, Type: eventType, Timestamp: time.Now()})
	if len(rc.recent) > recentEventsCap {
		rc.recent = rc.recent[len(rc.recent)-recentEventsCap:]
	}
	rc.mu.Unlock()
	return nil
}

// RecentEvents returns a copy of the observability buffer, newest last.
func (rc *Reconciler) RecentEvents() []EventRecord {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]EventRecord, len(rc.recent))
	copy(out, rc.recent)
	return out
}

// HandleWebhook receives a gateway delivery.
// @Summary Payment gateway webhook
// @Description Verifies, deduplicates and dispatches a payment-gateway event
// @Tags payments
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Router /payments/webhook [post]
func (rc *Reconciler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "unreadable payload"})
		return
	}

	event, err := rc.verifier.VerifyAndParse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		log.Printf("[WEBHOOK] rejected delivery: %v", err)
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid signature or payload"})
		return
	}

	ctx := r.Context()

	processed, err := rc.IsEventProcessed(ctx, event.ID)
	if err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": "dedup unavailable"})
		return
	}
	if processed {
		log.Printf("[WEBHOOK] duplicate event %s", event.ID)
		respond(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	// Test and production traffic must not cross.
	if event.Livemode != rc.live {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid environment"})
		return
	}

	// The event is marked processed whatever the handler outcome, so the
	// gateway's redelivery never re-runs a handler that already had side
	// effects.
	defer func() {
		if err := rc.MarkEventProcessed(context.Background(), event.ID, event.Type); err != nil {
			log.Printf("[WEBHOOK] failed to mark event %s processed: %v", event.ID, err)
		}
	}()

	switch event.Type {
	case EventCheckoutCompleted:
		err = rc.handleCheckoutCompleted(ctx, &event.Data.Object)
	case EventCheckoutExpired:
		err = rc.handleCheckoutExpired(ctx, &event.Data.Object)
	case EventPaymentIntentSucceeded:
		err = rc.handlePaymentIntentSucceeded(ctx, &event.Data.Object)
	default:
		log.Printf("[WEBHOOK] unhandled event type %s", event.Type)
	}

	if err != nil {
		log.Printf("[WEBHOOK] event %s (%s) failed: %v", event.ID, event.Type, err)
		respond(w, http.StatusInternalServerError, map[string]string{"error": "event processing failed"})
		return
	}

	respond(w, http.StatusOK, map[string]string{"status": "success"})
}

// GetRecentEvents serves the observability buffer.
func (rc *Reconciler) GetRecentEvents(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{"events": rc.RecentEvents()})
}

// handleCheckoutCompleted transitions the order to paid and credits the
// originally-quoted amount to the user's balance.
func (rc *Reconciler) handleCheckoutCompleted(ctx context.Context, object *SessionObject) error {
	meta, err := object.checkoutMetadata()
	if err != nil {
		return err
	}

	order, transitioned, err := rc.orders.MarkPaid(ctx, meta.OrderNumber)
	if err != nil {
		return err
	}
	if !transitioned {
		log.Printf("[WEBHOOK] order %s already paid, skipping credit", meta.OrderNumber)
		return nil
	}

	if _, err := rc.balance.AdjustBalance(ctx, meta.UserID, meta.OriginalAmount, models.TransactionTopUp,
		fmt.Sprintf("order %s paid", meta.OrderNumber)); err != nil {
		return fmt.Errorf("credit balance for order %s: %w", meta.OrderNumber, err)
	}

	// History is observability, not ledger state; don't hold the response
	// for it.
	go rc.logHistory(order.ID, meta.AmountTotal, meta.Currency, "succeeded", object.ID)

	log.Printf("[WEBHOOK] payment completed: order=%s user=%d credited=%s",
		meta.OrderNumber, meta.UserID, meta.OriginalAmount)
	return nil
}

// handleCheckoutExpired transitions the order to expired. No ledger effect,
// idempotent on order status.
func (rc *Reconciler) handleCheckoutExpired(ctx context.Context, object *SessionObject) error {
	if object.Metadata.OrderNumber == "" {
		return errors.New("expired session without order_number")
	}

	order, transitioned, err := rc.orders.MarkExpired(ctx, object.Metadata.OrderNumber)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			log.Printf("[WEBHOOK] expired session for unknown order %s", object.Metadata.OrderNumber)
			return nil
		}
		return err
	}
	if !transitioned {
		return nil
	}

	go rc.logHistory(order.ID, decimal.New(object.AmountTotal, -2), object.Currency, "expired", object.ID)
	return nil
}

// handlePaymentIntentSucceeded records history for the order attached to
// the payment intent. No order or ledger transition.
func (rc *Reconciler) handlePaymentIntentSucceeded(ctx context.Context, object *SessionObject) error {
	order, err := rc.orders.GetOrderBySessionID(ctx, object.ID)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			log.Printf("[WEBHOOK] payment intent %s without matching order", object.ID)
			return nil
		}
		return err
	}

	go rc.logHistory(order.ID, decimal.New(object.Amount, -2), object.Currency, "succeeded", object.ID)
	return nil
}

func (rc *Reconciler) logHistory(orderID int64, amount decimal.Decimal, currency, status, transactionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rc.orders.LogPaymentHistory(ctx, orderID, amount, currency, status, "stripe", transactionID); err != nil {
		log.Printf("[WEBHOOK] history write failed for order %d: %v", orderID, err)
	}
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
