package webhook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/interviewace/backend/internal/ledger"
	"github.com/interviewace/backend/internal/orders"
)

// passthroughVerifier skips signature checks; the reconciler tests exercise
// everything after verification.
type passthroughVerifier struct{}

func (passthroughVerifier) VerifyAndParse(payload []byte, _ string) (*Event, error) {
	return ParseEvent(payload)
}

func orderRow(status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "order_number", "product_name", "amount", "original_amount", "currency",
		"status", "user_id", "session_id", "payment_url", "invite_code",
		"paid_at", "created_at", "updated_at",
	}).AddRow(5, "ord-1", "credits", "9.00", "10.00", "usd", status, 7, "cs_1", "https://pay/cs_1", "", nil, time.Now(), time.Now())
}

func newTestReconciler(t *testing.T) (*Reconciler, sqlmock.Sqlmock, redismock.ClientMock) {
	t.Helper()
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	redisClient, redisMock := redismock.NewClientMock()

	balance := ledger.NewService(db)
	orderService := orders.NewService(db, nil, decimal.Zero)
	rc := NewReconciler(redisClient, balance, orderService, passthroughVerifier{}, false)
	return rc, dbMock, redisMock
}

func deliver(rc *Reconciler, payload string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=ignored")
	w := httptest.NewRecorder()
	rc.HandleWebhook(w, req)
	return w
}

func TestReconciler_CheckoutCompleted(t *testing.T) {
	rc, dbMock, redisMock := newTestReconciler(t)

	redisMock.ExpectExists("stripe:event:evt_1").SetVal(0)

	// Order transitions pending -> paid.
	dbMock.ExpectQuery("SELECT (.+) FROM orders WHERE order_number = \\$1").
		WithArgs("ord-1").
		WillReturnRows(orderRow("pending"))
	dbMock.ExpectExec("UPDATE orders SET status = \\$1, paid_at = \\$2, updated_at = \\$2 WHERE id = \\$3").
		WithArgs("paid", sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Ledger credit of the originally-quoted amount.
	dbMock.ExpectBegin()
	dbMock.ExpectQuery("SELECT (.+) FROM accounts WHERE user_id = \\$1 FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "created_at", "updated_at"}).
			AddRow(1, 7, "0.00", time.Now(), time.Now()))
	dbMock.ExpectExec("UPDATE accounts SET balance = \\$1, updated_at = \\$2 WHERE id = \\$3").
		WithArgs(decimal.RequireFromString("10.00"), sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	dbMock.ExpectExec("INSERT INTO transactions").
		WithArgs(int64(1), decimal.RequireFromString("10.00"), "topup", decimal.RequireFromString("10.00"), "order ord-1 paid", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	dbMock.ExpectCommit()

	redisMock.ExpectSetEX("stripe:event:evt_1", EventCheckoutCompleted, 24*time.Hour).SetVal("OK")

	w := deliver(rc, validPayload)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "success")
	assert.NoError(t, redisMock.ExpectationsWereMet())

	records := rc.RecentEvents()
	assert.Len(t, records, 1)
	assert.Equal(t, "evt_1", records[0].ID)
}

func TestReconciler_DuplicateDelivery(t *testing.T) {
	rc, _, redisMock := newTestReconciler(t)

	// Second delivery of a processed event: no order transition, no credit,
	// no re-mark.
	redisMock.ExpectExists("stripe:event:evt_1").SetVal(1)

	w := deliver(rc, validPayload)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")
	assert.NoError(t, redisMock.ExpectationsWereMet())
	assert.Empty(t, rc.RecentEvents())
}

func TestReconciler_LivemodeMismatch(t *testing.T) {
	rc, _, redisMock := newTestReconciler(t)

	redisMock.ExpectExists("stripe:event:evt_live").SetVal(0)

	payload := `{"id": "evt_live", "type": "checkout.session.completed", "livemode": true,
		"data": {"object": {"id": "cs_1", "metadata": {"order_number": "ord-1", "user_id": "7", "original_amount": "10.00"}}}}`
	w := deliver(rc, payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	// Rejected before dispatch: not marked processed, so a correct-mode
	// redelivery would still be handled.
	assert.NoError(t, redisMock.ExpectationsWereMet())
	assert.Empty(t, rc.RecentEvents())
}

func TestReconciler_HandlerFailureStillMarksEvent(t *testing.T) {
	rc, dbMock, redisMock := newTestReconciler(t)

	redisMock.ExpectExists("stripe:event:evt_1").SetVal(0)
	dbMock.ExpectQuery("SELECT (.+) FROM orders WHERE order_number = \\$1").
		WithArgs("ord-1").
		WillReturnRows(orderRow("pending").RowError(0, assert.AnError))
	redisMock.ExpectSetEX("stripe:event:evt_1", EventCheckoutCompleted, 24*time.Hour).SetVal("OK")

	w := deliver(rc, validPayload)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestReconciler_CheckoutExpired(t *testing.T) {
	rc, dbMock, redisMock := newTestReconciler(t)

	payload := `{"id": "evt_2", "type": "checkout.session.expired", "livemode": false,
		"data": {"object": {"id": "cs_1", "amount_total": 900, "currency": "usd",
		"metadata": {"order_number": "ord-1"}}}}`

	t.Run("pending order transitions to expired", func(t *testing.T) {
		redisMock.ExpectExists("stripe:event:evt_2").SetVal(0)
		dbMock.ExpectQuery("SELECT (.+) FROM orders WHERE order_number = \\$1").
			WithArgs("ord-1").
			WillReturnRows(orderRow("pending"))
		dbMock.ExpectExec("UPDATE orders SET status = \\$1, updated_at = \\$2 WHERE id = \\$3").
			WithArgs("expired", sqlmock.AnyArg(), int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		redisMock.ExpectSetEX("stripe:event:evt_2", EventCheckoutExpired, 24*time.Hour).SetVal("OK")

		w := deliver(rc, payload)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("already expired is a no-op", func(t *testing.T) {
		payload := strings.ReplaceAll(payload, "evt_2", "evt_3")
		redisMock.ExpectExists("stripe:event:evt_3").SetVal(0)
		dbMock.ExpectQuery("SELECT (.+) FROM orders WHERE order_number = \\$1").
			WithArgs("ord-1").
			WillReturnRows(orderRow("expired"))
		redisMock.ExpectSetEX("stripe:event:evt_3", EventCheckoutExpired, 24*time.Hour).SetVal("OK")

		w := deliver(rc, payload)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
