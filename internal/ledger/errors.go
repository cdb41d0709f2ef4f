package ledger

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Typed failure modes of the balance ledger. Callers branch with errors.Is;
// anything not in this taxonomy is wrapped in a StorageError and treated as
// fatal for the enclosing unit of work.
var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDuplicateTask     = errors.New("pre-charge already exists for task")
	ErrPreChargeNotFound = errors.New("pre-charge not found")
	ErrStorageContention = errors.New("row lock contention")
)

// StorageError is an unrecoverable persistence failure. Not retryable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger storage failure in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

const (
	pqLockNotAvailable = "55P03"
	pqUniqueViolation  = "23505"
)

// classify maps a driver error onto the taxonomy. Lock timeouts become the
// retryable ErrStorageContention; everything else is fatal.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqLockNotAvailable {
		return fmt.Errorf("%s: %w", op, ErrStorageContention)
	}
	return &StorageError{Op: op, Err: err}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
