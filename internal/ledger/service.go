package ledger

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/shopspring/decimal"

	"github.com/interviewace/backend/internal/models"
)

// maxContentionRetries bounds local retries of lock-timeout failures before
// they surface to the caller.
const maxContentionRetries = 2

// Service is the only path permitted to mutate account balances. Every
// mutation acquires the account row lock, enforces the non-negative balance
// invariant and appends exactly one matching Transaction, all inside one
// database transaction.
type Service struct {
	db    *sql.DB
	store *Store
}

func NewService(db *sql.DB) *Service {
	return &Service{
		db:    db,
		store: NewStore(db),
	}
}

// Store exposes the read-side of the ledger (account lookup, transaction
// history) to route handlers.
func (s *Service) Store() *Store {
	return s.store
}

// AdjustBalance applies a signed amount to the user's balance. Rejects with
// ErrInsufficientFunds before commit if the result would be negative, and
// with ErrAccountNotFound if no account exists. Two concurrent calls for the
// same user serialize on the account row lock.
func (s *Service) AdjustBalance(ctx context.Context, userID int64, amount decimal.Decimal, txType models.TransactionType, description string) (decimal.Decimal, error) {
	var newBalance decimal.Decimal

	err := s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify("begin", err)
		}
		defer tx.Rollback()

		account, err := s.store.lockAccount(tx, userID)
		if err != nil {
			return err
		}

		newBalance = account.Balance.Add(amount)
		if newBalance.IsNegative() {
			log.Printf("[LEDGER] insufficient funds: user=%d balance=%s amount=%s",
				userID, account.Balance, amount)
			return ErrInsufficientFunds
		}

		if err := s.store.updateBalance(tx, account.ID, newBalance); err != nil {
			return err
		}
		if err := s.store.appendTransaction(tx, account.ID, amount.Abs(), txType, newBalance, description); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return classify("commit", err)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	log.Printf("[LEDGER] balance adjusted: user=%d type=%s amount=%s new_balance=%s",
		userID, txType, amount, newBalance)
	return newBalance, nil
}

// GetBalance is a lock-free read; it may observe a balance concurrently
// being mutated.
func (s *Service) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// PreCharge records intent to bill amount against the task. The balance is
// checked under the account lock but not debited: the eventual debit happens
// in FinalizeCharge, so a task that never finishes billing leaves no debit
// without a Transaction. Rejects with ErrDuplicateTask if a reservation for
// taskID already exists.
func (s *Service) PreCharge(ctx context.Context, userID int64, amount decimal.Decimal, taskID string) error {
	return s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify("begin", err)
		}
		defer tx.Rollback()

		account, err := s.store.lockAccount(tx, userID)
		if err != nil {
			return err
		}

		if account.Balance.LessThan(amount) {
			log.Printf("[LEDGER] pre-charge rejected: user=%d balance=%s amount=%s task=%s",
				userID, account.Balance, amount, taskID)
			return ErrInsufficientFunds
		}

		if err := s.store.insertPreCharge(tx, userID, amount, taskID); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return classify("commit", err)
		}
		log.Printf("[LEDGER] pre-charge recorded: user=%d amount=%s task=%s", userID, amount, taskID)
		return nil
	})
}

// FinalizeCharge converts a reservation into the final debit on successful
// task completion. The debit Transaction becomes the authoritative record of
// the fulfilled reservation; the pre_charges row is left untouched. Callers
// must invoke this at most once per taskID.
func (s *Service) FinalizeCharge(ctx context.Context, userID int64, amount decimal.Decimal, taskID, description string) (decimal.Decimal, error) {
	newBalance, err := s.AdjustBalance(ctx, userID, amount.Neg(), models.TransactionDebit, description)
	if err != nil {
		return decimal.Zero, err
	}
	log.Printf("[LEDGER] charge finalized: user=%d amount=%s task=%s", userID, amount, taskID)
	return newBalance, nil
}

// RefundPreCharge releases the reservation when the task fails or is
// cancelled. No Transaction and no balance change: PreCharge never debited,
// so refund means release, not credit. The row lock plus status check makes
// a second refund for the same task fail with ErrPreChargeNotFound.
func (s *Service) RefundPreCharge(ctx context.Context, userID int64, taskID string) error {
	return s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify("begin", err)
		}
		defer tx.Rollback()

		pc, err := s.store.lockPreCharge(tx, taskID)
		if err != nil {
			return err
		}
		if pc.Status != models.PreChargePending || pc.UserID != userID {
			return ErrPreChargeNotFound
		}

		if err := s.store.markPreChargeRefunded(tx, pc.ID); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return classify("commit", err)
		}
		log.Printf("[LEDGER] pre-charge refunded: user=%d task=%s", userID, taskID)
		return nil
	})
}

// withRetry re-runs fn on lock-timeout contention, bounded by
// maxContentionRetries. All other errors surface immediately.
func (s *Service) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxContentionRetries; attempt++ {
		err = fn()
		if !errors.Is(err, ErrStorageContention) {
			return err
		}
		log.Printf("[LEDGER] contention, retrying (attempt %d)", attempt+1)
	}
	return err
}
