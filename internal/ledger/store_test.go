package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStore_GetAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	ctx := context.Background()

	t.Run("existing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE user_id = \\$1").
			WithArgs(int64(7)).
			WillReturnRows(accountRows(7, "12.34"))

		account, err := store.GetAccount(ctx, 7)
		assert.NoError(t, err)
		assert.Equal(t, int64(7), account.UserID)
		assert.True(t, account.Balance.Equal(decimal.RequireFromString("12.34")))
	})

	t.Run("missing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE user_id = \\$1").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "created_at", "updated_at"}))

		_, err := store.GetAccount(ctx, 42)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

func TestStore_ListTransactions(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE user_id = \\$1").
		WithArgs(int64(7)).
		WillReturnRows(accountRows(7, "9.00"))
	mock.ExpectQuery("SELECT (.+) FROM transactions WHERE account_id = \\$1 ORDER BY created_at DESC LIMIT \\$2 OFFSET \\$3").
		WithArgs(int64(1), 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "transaction_type", "balance_after", "description", "created_at"}).
			AddRow(2, 1, "1.00", "debit", "9.00", "fee", time.Now()).
			AddRow(1, 1, "10.00", "topup", "10.00", "order paid", time.Now()))

	transactions, err := store.ListTransactions(ctx, 7, 1, 10)
	assert.NoError(t, err)
	assert.Len(t, transactions, 2)
	assert.Equal(t, "debit", string(transactions[0].Type))
	assert.True(t, transactions[1].BalanceAfter.Equal(decimal.RequireFromString("10.00")))
	assert.NoError(t, mock.ExpectationsWereMet())
}
