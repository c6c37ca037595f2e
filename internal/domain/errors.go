package domain

import (
	"errors"
	"fmt"

	"github.com/gopalakrishnasudarshan/CoreBank/internal/money"
)

// Sentinel errors, dispatched with errors.Is. The taxonomy:
//
//	validation    — bad input, never retried
//	business rule — declined operation, never retried
//	contention    — version conflict, retried internally with backoff
//	infrastructure — store failure, surfaced as retryable
var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountInactive   = errors.New("account inactive")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSameAccount       = errors.New("transfer to same account")

	// ErrOptimisticConflict means the account version changed between read
	// and write. The whole operation must be retried, not just the write.
	ErrOptimisticConflict = errors.New("optimistic version conflict")

	// ErrContention is surfaced after the bounded retry budget is exhausted.
	// Retryable by the caller.
	ErrContention = errors.New("contention: retries exhausted")

	// ErrRequestInProgress means another request holds the same idempotency
	// token and has not completed yet.
	ErrRequestInProgress = errors.New("request in progress")

	ErrStoreUnavailable = errors.New("store unavailable")

	ErrTransferNotFound = errors.New("transfer not found")
	ErrAlertNotFound    = errors.New("alert not found")
)

// InsufficientFundsError carries the shortfall detail and unwraps to
// ErrInsufficientFunds.
type InsufficientFundsError struct {
	AccountID int64
	Balance   money.Money
	Requested money.Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: account %d has %s, requested %s",
		e.AccountID, e.Balance, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// Retryable reports whether the caller may safely retry the operation
// verbatim (with the same idempotency token).
func Retryable(err error) bool {
	return errors.Is(err, ErrOptimisticConflict) ||
		errors.Is(err, ErrContention) ||
		errors.Is(err, ErrStoreUnavailable)
}
