// Package store defines the persistence contracts the ledger engine runs
// against: a key-value view over accounts with read-with-version and
// compare-and-swap writes, an append-only audit sink, and the idempotency
// key table — all composable into one atomic unit of work.
//
// Implementations live in the subpackages memory, postgres and sqlite.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/gopalakrishnasudarshan/CoreBank/internal/domain"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/money"
)

// Unit is one atomic unit of work. Every read and write made through a Unit
// commits or aborts together; no intermediate state is externally observable.
//
// Commit may itself fail with domain.ErrOptimisticConflict (a staged
// compare-and-swap lost the race) or domain.ErrRequestInProgress (a staged
// token reservation lost the race); the caller retries the whole operation.
type Unit interface {
	// Account reads an account together with its current version.
	// Returns domain.ErrAccountNotFound if no such account exists.
	Account(ctx context.Context, id int64) (*domain.Account, error)

	// CompareAndSwapBalance writes newBalance keyed on the version the
	// caller read. Returns domain.ErrOptimisticConflict if the version has
	// moved. The version increments on commit.
	CompareAndSwapBalance(ctx context.Context, id int64, expectedVersion uint64, newBalance money.Money) error

	// Append* add immutable records to the audit sink.
	AppendTransaction(ctx context.Context, txn *domain.Transaction) error
	AppendTransfer(ctx context.Context, tr *domain.Transfer) error
	AppendAlert(ctx context.Context, a *domain.Alert) error

	// IdempotencyRecord returns the record for token, or (nil, nil) if the
	// token has never been seen.
	IdempotencyRecord(ctx context.Context, token string) (*domain.IdempotencyRecord, error)

	// ReserveIdempotencyToken claims token for this unit. Returns
	// domain.ErrRequestInProgress if another request already holds it.
	ReserveIdempotencyToken(ctx context.Context, token string) error

	// CompleteIdempotencyToken records the outcome under a reserved token.
	CompleteIdempotencyToken(ctx context.Context, token string, outcome []byte) error

	Commit(ctx context.Context) error

	// Rollback discards the unit. Safe to call after Commit.
	Rollback(ctx context.Context) error
}

// Store is the injected persistence handle: opened at process start, closed
// at shutdown. Begin opens an atomic unit; the remaining methods are plain
// reads and the simple account lifecycle operations that sit outside the
// engine's hot path.
type Store interface {
	Begin(ctx context.Context) (Unit, error)

	CreateAccount(ctx context.Context, ownerRef string, typ domain.AccountType, opening money.Money) (*domain.Account, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)

	// SetAccountStatus transitions an account's status. It bumps the version
	// so an in-flight balance CAS against the old version fails.
	SetAccountStatus(ctx context.Context, id int64, status domain.AccountStatus) error

	ListTransactions(ctx context.Context, accountID int64) ([]domain.Transaction, error)
	GetTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	ListAlerts(ctx context.Context, accountID int64) ([]domain.Alert, error)
	AcknowledgeAlert(ctx context.Context, id uuid.UUID) error

	Close()
}
