package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/interviewace/backend/internal/models"
)

var ErrOrderNotFound = errors.New("order not found")

// CheckoutGateway creates externally-hosted checkout sessions. The payment
// provider behind it also delivers the webhook events consumed by the
// reconciler; only this narrow surface is used here.
type CheckoutGateway interface {
	CreateSession(ctx context.Context, order *models.Order, successURL, cancelURL string) (sessionID, paymentURL string, err error)
}

// Service owns the orders and payment_history tables.
type Service struct {
	db           *sql.DB
	gateway      CheckoutGateway
	discountRate decimal.Decimal // applied to the payable amount when an invite code is present
}

func NewService(db *sql.DB, gateway CheckoutGateway, discountRate decimal.Decimal) *Service {
	return &Service{
		db:           db,
		gateway:      gateway,
		discountRate: discountRate,
	}
}

// CreateOrder persists a pending order, opens a checkout session for it and
// returns the order together with a QR rendering of the payment URL. The
// original (pre-discount) amount is what gets credited on payment success.
func (s *Service) CreateOrder(ctx context.Context, userID int64, productName string, amount decimal.Decimal, currency, inviteCode, successURL, cancelURL string) (*models.Order, []byte, error) {
	payable := amount
	if inviteCode != "" && s.discountRate.IsPositive() {
		payable = amount.Mul(decimal.NewFromInt(1).Sub(s.discountRate)).Round(2)
	}

	order := &models.Order{
		OrderNumber:    uuid.NewString(),
		ProductName:    productName,
		Amount:         payable,
		OriginalAmount: amount,
		Currency:       currency,
		Status:         models.OrderPending,
		UserID:         userID,
		InviteCode:     inviteCode,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO orders (order_number, product_name, amount, original_amount, currency, status, user_id, invite_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id, created_at, updated_at`,
		order.OrderNumber, order.ProductName, order.Amount, order.OriginalAmount,
		order.Currency, string(order.Status), order.UserID, order.InviteCode, time.Now()).
		Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert order: %w", err)
	}

	sessionID, paymentURL, err := s.gateway.CreateSession(ctx, order, successURL, cancelURL)
	if err != nil {
		return nil, nil, fmt.Errorf("create checkout session: %w", err)
	}

	order.SessionID = sessionID
	order.PaymentURL = paymentURL
	if _, err := s.db.ExecContext(ctx, `
		UPDATE orders SET session_id = $1, payment_url = $2, updated_at = $3 WHERE id = $4`,
		sessionID, paymentURL, time.Now(), order.ID); err != nil {
		return nil, nil, fmt.Errorf("attach session: %w", err)
	}

	png, err := qrcode.Encode(paymentURL, qrcode.Medium, 256)
	if err != nil {
		// The order is valid without the QR image; clients fall back to the URL.
		log.Printf("[ORDER] QR encode failed for %s: %v", order.OrderNumber, err)
		png = nil
	}

	log.Printf("[ORDER] created: number=%s user=%d amount=%s original=%s",
		order.OrderNumber, userID, order.Amount, order.OriginalAmount)
	return order, png, nil
}

func (s *Service) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	return s.scanOrder(s.db.QueryRowContext(ctx, selectOrder+` WHERE order_number = $1`, orderNumber))
}

func (s *Service) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	return s.scanOrder(s.db.QueryRowContext(ctx, selectOrder+` WHERE session_id = $1`, sessionID))
}

const selectOrder = `
	SELECT id, order_number, product_name, amount, original_amount, currency, status,
	       user_id, COALESCE(session_id, ''), COALESCE(payment_url, ''), COALESCE(invite_code, ''),
	       paid_at, created_at, updated_at
	FROM orders`

func (s *Service) scanOrder(row *sql.Row) (*models.Order, error) {
	var order models.Order
	err := row.Scan(&order.ID, &order.OrderNumber, &order.ProductName, &order.Amount,
		&order.OriginalAmount, &order.Currency, &order.Status, &order.UserID,
		&order.SessionID, &order.PaymentURL, &order.InviteCode,
		&order.PaidAt, &order.CreatedAt, &order.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return &order, nil
}

// MarkPaid transitions the order to paid and stamps paid_at. Returns the
// order and whether this call performed the transition; a repeated call
// reports false without touching the row.
func (s *Service) MarkPaid(ctx context.Context, orderNumber string) (*models.Order, bool, error) {
	order, err := s.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, false, err
	}
	if order.Status == models.OrderPaid {
		return order, false, nil
	}

	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, paid_at = $2, updated_at = $2 WHERE id = $3`,
		string(models.OrderPaid), now, order.ID); err != nil {
		return nil, false, fmt.Errorf("mark order paid: %w", err)
	}
	order.Status = models.OrderPaid
	order.PaidAt = &now
	return order, true, nil
}

// MarkExpired transitions the order to expired. No-op when already expired.
func (s *Service) MarkExpired(ctx context.Context, orderNumber string) (*models.Order, bool, error) {
	order, err := s.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, false, err
	}
	if order.Status == models.OrderExpired {
		return order, false, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`,
		string(models.OrderExpired), time.Now(), order.ID); err != nil {
		return nil, false, fmt.Errorf("mark order expired: %w", err)
	}
	order.Status = models.OrderExpired
	return order, true, nil
}

// LogPaymentHistory appends one gateway-event audit row for the order.
func (s *Service) LogPaymentHistory(ctx context.Context, orderID int64, amount decimal.Decimal, currency, status, paymentMethod, transactionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_history (order_id, amount, currency, status, payment_method, transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		orderID, amount, currency, status, paymentMethod, transactionID, time.Now())
	if err != nil {
		return fmt.Errorf("log payment history: %w", err)
	}
	return nil
}

func (s *Service) ListPaymentHistory(ctx context.Context, orderID int64) ([]models.PaymentHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, amount, currency, status, payment_method, transaction_id, created_at
		FROM payment_history
		WHERE order_id = $1
		ORDER BY created_at DESC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payment history: %w", err)
	}
	defer rows.Close()

	history := []models.PaymentHistory{}
	for rows.Next() {
		var h models.PaymentHistory
		if err := rows.Scan(&h.ID, &h.OrderID, &h.Amount, &h.Currency, &h.Status, &h.PaymentMethod, &h.TransactionID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment history: %w", err)
		}
		history = append(history, h)
	}
	return history, rows.Err()
}
