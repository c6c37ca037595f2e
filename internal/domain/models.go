// Package domain defines the ledger records and the error taxonomy shared by
// the engine, the stores and the HTTP layer.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/gopalakrishnasudarshan/CoreBank/internal/money"
)

type AccountType string

const (
	AccountTypeSavings  AccountType = "SAVINGS"
	AccountTypeChecking AccountType = "CHECKING"
)

func (t AccountType) Valid() bool {
	return t == AccountTypeSavings || t == AccountTypeChecking
}

type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "ACTIVE"
	AccountStatusInactive AccountStatus = "INACTIVE"
	// AccountStatusClosed is the terminal state standing in for deletion.
	// Rows referenced by ledger history are never removed.
	AccountStatusClosed AccountStatus = "CLOSED"
)

// Account is owned by the account store. Version is the optimistic
// concurrency token: it increments on every successful mutation, and every
// balance write is a compare-and-swap keyed on the version that was read.
type Account struct {
	ID        int64         `json:"id"`
	OwnerRef  string        `json:"owner_ref"`
	Type      AccountType   `json:"type"`
	Balance   money.Money   `json:"balance"`
	Status    AccountStatus `json:"status"`
	Version   uint64        `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
}

type TransactionKind string

const (
	TransactionDeposit    TransactionKind = "DEPOSIT"
	TransactionWithdrawal TransactionKind = "WITHDRAWAL"
)

func (k TransactionKind) Valid() bool {
	return k == TransactionDeposit || k == TransactionWithdrawal
}

// Transaction is one immutable ledger entry against one account.
// Entries derived from a transfer carry the transfer id linking the pair.
type Transaction struct {
	ID               uuid.UUID       `json:"id"`
	AccountID        int64           `json:"account_id"`
	Kind             TransactionKind `json:"kind"`
	Amount           money.Money     `json:"amount"`
	TransferID       *uuid.UUID      `json:"transfer_id,omitempty"`
	AppliedAt        time.Time       `json:"applied_at"`
	ResultingBalance money.Money     `json:"resulting_balance"`
}

// Transfer is the immutable record of a two-account movement. It decomposes
// into exactly two Transaction entries (a WITHDRAWAL on from, a DEPOSIT on
// to) which commit or fail together with it.
type Transfer struct {
	ID            uuid.UUID   `json:"id"`
	FromAccountID int64       `json:"from_account_id"`
	ToAccountID   int64       `json:"to_account_id"`
	Amount        money.Money `json:"amount"`
	AppliedAt     time.Time   `json:"applied_at"`
}

const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
)

// IdempotencyRecord stores the outcome of an applied request under its
// caller-supplied token. It is reserved and completed inside the same atomic
// unit as the mutation, so a committed mutation always has its record.
type IdempotencyRecord struct {
	Token     string          `json:"token"`
	Status    string          `json:"status"`
	Outcome   json.RawMessage `json:"outcome,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type AlertStatus string

const (
	AlertStatusPending      AlertStatus = "PENDING"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
)

// AlertTypeLowBalance is emitted when a debit leaves an account under the
// configured threshold.
const AlertTypeLowBalance = "LOW_BALANCE"

// Alert is an append-only notification record tied to an account. Alerts are
// written in the same atomic unit as the mutation that triggered them.
type Alert struct {
	ID        uuid.UUID   `json:"id"`
	AccountID int64       `json:"account_id"`
	Type      string      `json:"type"`
	Message   string      `json:"message"`
	Status    AlertStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}
