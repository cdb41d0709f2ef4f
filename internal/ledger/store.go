package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/interviewace/backend/internal/models"
)

// Store owns the accounts, transactions and pre_charges tables. Row-level
// locking is scoped to a caller-supplied *sql.Tx; the lock is released on
// commit or rollback of that transaction.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetAccount reads an account without locking it. Read-committed semantics
// are acceptable for balance enquiries.
func (s *Store) GetAccount(ctx context.Context, userID int64) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, created_at, updated_at
		FROM accounts
		WHERE user_id = $1`, userID).
		Scan(&account.ID, &account.UserID, &account.Balance, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, classify("get account", err)
	}
	return &account, nil
}

// CreateAccount inserts the per-user account row with its starting balance.
// Called exactly once, at user registration, inside the registration
// transaction.
func (s *Store) CreateAccount(tx *sql.Tx, userID int64, starting decimal.Decimal) (*models.Account, error) {
	var account models.Account
	account.UserID = userID
	account.Balance = starting
	err := tx.QueryRow(`
		INSERT INTO accounts (user_id, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		RETURNING id, created_at, updated_at`,
		userID, starting, time.Now()).
		Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &StorageError{Op: "create account", Err: errors.New("account already exists")}
		}
		return nil, classify("create account", err)
	}
	return &account, nil
}

// lockAccount acquires an exclusive row lock on the user's account for the
// duration of tx. Concurrent lockers on the same account block here; this
// is the sole ordering chokepoint for balance mutations.
func (s *Store) lockAccount(tx *sql.Tx, userID int64) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, user_id, balance, created_at, updated_at
		FROM accounts
		WHERE user_id = $1
		FOR UPDATE`, userID).
		Scan(&account.ID, &account.UserID, &account.Balance, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, classify("lock account", err)
	}
	return &account, nil
}

func (s *Store) updateBalance(tx *sql.Tx, accountID int64, newBalance decimal.Decimal) error {
	_, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, updated_at = $2
		WHERE id = $3`,
		newBalance, time.Now(), accountID)
	if err != nil {
		return classify("update balance", err)
	}
	return nil
}

// appendTransaction inserts the immutable ledger entry matching a balance
// mutation. Amount is the unsigned magnitude; the type carries the sign.
func (s *Store) appendTransaction(tx *sql.Tx, accountID int64, amount decimal.Decimal, txType models.TransactionType, balanceAfter decimal.Decimal, description string) error {
	_, err := tx.Exec(`
		INSERT INTO transactions (account_id, amount, transaction_type, balance_after, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		accountID, amount, string(txType), balanceAfter, description, time.Now())
	if err != nil {
		return classify("append transaction", err)
	}
	return nil
}

func (s *Store) insertPreCharge(tx *sql.Tx, userID int64, amount decimal.Decimal, taskID string) error {
	_, err := tx.Exec(`
		INSERT INTO pre_charges (user_id, amount, task_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, amount, taskID, string(models.PreChargePending), time.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTask
		}
		return classify("insert pre-charge", err)
	}
	return nil
}

// lockPreCharge locks the reservation row for the task so that two
// concurrent refunds serialize and the loser sees the refunded status.
func (s *Store) lockPreCharge(tx *sql.Tx, taskID string) (*models.PreCharge, error) {
	var pc models.PreCharge
	err := tx.QueryRow(`
		SELECT id, user_id, amount, task_id, status, created_at, refunded_at
		FROM pre_charges
		WHERE task_id = $1
		FOR UPDATE`, taskID).
		Scan(&pc.ID, &pc.UserID, &pc.Amount, &pc.TaskID, &pc.Status, &pc.CreatedAt, &pc.RefundedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPreChargeNotFound
	}
	if err != nil {
		return nil, classify("lock pre-charge", err)
	}
	return &pc, nil
}

func (s *Store) markPreChargeRefunded(tx *sql.Tx, id int64) error {
	_, err := tx.Exec(`
		UPDATE pre_charges
		SET status = $1, refunded_at = $2
		WHERE id = $3`,
		string(models.PreChargeRefunded), time.Now(), id)
	if err != nil {
		return classify("mark pre-charge refunded", err)
	}
	return nil
}

// ListTransactions returns a page of ledger entries for the user, newest
// first.
func (s *Store) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]models.Transaction, error) {
	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, amount, transaction_type, balance_after, description, created_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		account.ID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, classify("list transactions", err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.Type, &t.BalanceAfter, &t.Description, &t.CreatedAt); err != nil {
			return nil, classify("scan transaction", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list transactions", err)
	}
	return transactions, nil
}
