// Package sqlite implements the store contracts on SQLite for local and
// embedded deployments. Same schema shape as the postgres store; the
// database is opened in WAL mode and writers serialize, so the busy/locked
// errors map onto the retryable conflict error.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/gopalakrishnasudarshan/CoreBank/internal/domain"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/money"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_ref  TEXT NOT NULL,
	type       TEXT NOT NULL,
	balance    TEXT NOT NULL,
	status     TEXT NOT NULL,
	version    INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id                TEXT PRIMARY KEY,
	account_id        INTEGER NOT NULL REFERENCES accounts(id),
	kind              TEXT NOT NULL,
	amount            TEXT NOT NULL,
	transfer_id       TEXT,
	applied_at        TIMESTAMP NOT NULL,
	resulting_balance TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, applied_at);
CREATE TABLE IF NOT EXISTS transfers (
	id              TEXT PRIMARY KEY,
	from_account_id INTEGER NOT NULL REFERENCES accounts(id),
	to_account_id   INTEGER NOT NULL REFERENCES accounts(id),
	amount          TEXT NOT NULL,
	applied_at      TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS alerts (
	id         TEXT PRIMARY KEY,
	account_id INTEGER NOT NULL REFERENCES accounts(id),
	type       TEXT NOT NULL,
	message    TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS idempotency_keys (
	token      TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	outcome    BLOB,
	created_at TIMESTAMP NOT NULL
);
`

type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) Begin(ctx context.Context) (store.Unit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, infra("begin tx", err)
	}
	return &unit{tx: tx}, nil
}

func (s *Store) CreateAccount(ctx context.Context, ownerRef string, typ domain.AccountType, opening money.Money) (*domain.Account, error) {
	acc := &domain.Account{
		OwnerRef:  ownerRef,
		Type:      typ,
		Balance:   opening,
		Status:    domain.AccountStatusActive,
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO accounts (owner_ref, type, balance, status, version, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		ownerRef, string(typ), opening.String(), string(acc.Status), acc.Version, acc.CreatedAt)
	if err != nil {
		return nil, infra("create account", err)
	}
	if acc.ID, err = res.LastInsertId(); err != nil {
		return nil, infra("create account", err)
	}
	return acc, nil
}

const accountColumns = "id, owner_ref, type, balance, status, version, created_at"

func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
}

func (s *Store) SetAccountStatus(ctx context.Context, id int64, status domain.AccountStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET status = ?, version = version + 1 WHERE id = ?",
		string(status), id)
	if err != nil {
		return infra("set account status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID int64) ([]domain.Transaction, error) {
	if err := s.accountExists(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, account_id, kind, amount, transfer_id, applied_at, resulting_balance FROM transactions WHERE account_id = ? ORDER BY applied_at DESC",
		accountID)
	if err != nil {
		return nil, infra("list transactions", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			txn                     domain.Transaction
			id                      string
			kind, amount, resulting string
			transferID              sql.NullString
		)
		if err := rows.Scan(&id, &txn.AccountID, &kind, &amount, &transferID, &txn.AppliedAt, &resulting); err != nil {
			return nil, infra("scan transaction", err)
		}
		if txn.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad transaction id %q: %w", id, err)
		}
		txn.Kind = domain.TransactionKind(kind)
		if txn.Amount, err = money.Parse(amount); err != nil {
			return nil, err
		}
		if txn.ResultingBalance, err = money.Parse(resulting); err != nil {
			return nil, err
		}
		if transferID.Valid {
			trID, err := uuid.Parse(transferID.String)
			if err != nil {
				return nil, fmt.Errorf("bad transfer id %q: %w", transferID.String, err)
			}
			txn.TransferID = &trID
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (s *Store) GetTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	var (
		tr     domain.Transfer
		amount string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT from_account_id, to_account_id, amount, applied_at FROM transfers WHERE id = ?",
		id.String()).Scan(&tr.FromAccountID, &tr.ToAccountID, &amount, &tr.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTransferNotFound
	}
	if err != nil {
		return nil, infra("get transfer", err)
	}
	tr.ID = id
	if tr.Amount, err = money.Parse(amount); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (s *Store) ListAlerts(ctx context.Context, accountID int64) ([]domain.Alert, error) {
	if err := s.accountExists(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, account_id, type, message, status, created_at FROM alerts WHERE account_id = ? ORDER BY created_at DESC",
		accountID)
	if err != nil {
		return nil, infra("list alerts", err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var (
			a          domain.Alert
			id, status string
		)
		if err := rows.Scan(&id, &a.AccountID, &a.Type, &a.Message, &status, &a.CreatedAt); err != nil {
			return nil, infra("scan alert", err)
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad alert id %q: %w", id, err)
		}
		a.Status = domain.AlertStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) AcknowledgeAlert(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE alerts SET status = ? WHERE id = ?",
		string(domain.AlertStatusAcknowledged), id.String())
	if err != nil {
		return infra("acknowledge alert", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlertNotFound
	}
	return nil
}

func (s *Store) accountExists(ctx context.Context, id int64) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = ?)", id).Scan(&exists); err != nil {
		return infra("account lookup", err)
	}
	if !exists {
		return domain.ErrAccountNotFound
	}
	return nil
}

type unit struct {
	tx *sql.Tx
}

func (u *unit) Account(ctx context.Context, id int64) (*domain.Account, error) {
	return scanAccount(u.tx.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
}

func (u *unit) CompareAndSwapBalance(ctx context.Context, id int64, expectedVersion uint64, newBalance money.Money) error {
	res, err := u.tx.ExecContext(ctx,
		"UPDATE accounts SET balance = ?, version = version + 1 WHERE id = ? AND version = ?",
		newBalance.String(), id, expectedVersion)
	if err != nil {
		return sqliteError("cas balance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrOptimisticConflict
	}
	return nil
}

func (u *unit) AppendTransaction(ctx context.Context, txn *domain.Transaction) error {
	var transferID any
	if txn.TransferID != nil {
		transferID = txn.TransferID.String()
	}
	_, err := u.tx.ExecContext(ctx,
		"INSERT INTO transactions (id, account_id, kind, amount, transfer_id, applied_at, resulting_balance) VALUES (?, ?, ?, ?, ?, ?, ?)",
		txn.ID.String(), txn.AccountID, string(txn.Kind), txn.Amount.String(), transferID, txn.AppliedAt, txn.ResultingBalance.String())
	if err != nil {
		return sqliteError("append transaction", err)
	}
	return nil
}

func (u *unit) AppendTransfer(ctx context.Context, tr *domain.Transfer) error {
	_, err := u.tx.ExecContext(ctx,
		"INSERT INTO transfers (id, from_account_id, to_account_id, amount, applied_at) VALUES (?, ?, ?, ?, ?)",
		tr.ID.String(), tr.FromAccountID, tr.ToAccountID, tr.Amount.String(), tr.AppliedAt)
	if err != nil {
		return sqliteError("append transfer", err)
	}
	return nil
}

func (u *unit) AppendAlert(ctx context.Context, a *domain.Alert) error {
	_, err := u.tx.ExecContext(ctx,
		"INSERT INTO alerts (id, account_id, type, message, status, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		a.ID.String(), a.AccountID, a.Type, a.Message, string(a.Status), a.CreatedAt)
	if err != nil {
		return sqliteError("append alert", err)
	}
	return nil
}

func (u *unit) IdempotencyRecord(ctx context.Context, token string) (*domain.IdempotencyRecord, error) {
	rec := &domain.IdempotencyRecord{Token: token}
	var outcome []byte
	err := u.tx.QueryRowContext(ctx,
		"SELECT status, outcome, created_at FROM idempotency_keys WHERE token = ?",
		token).Scan(&rec.Status, &outcome, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, infra("idempotency lookup", err)
	}
	rec.Outcome = outcome
	return rec, nil
}

func (u *unit) ReserveIdempotencyToken(ctx context.Context, token string) error {
	_, err := u.tx.ExecContext(ctx,
		"INSERT INTO idempotency_keys (token, status, created_at) VALUES (?, ?, ?)",
		token, domain.IdempotencyInProgress, time.Now().UTC())
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return domain.ErrRequestInProgress
		}
		return sqliteError("reserve idempotency token", err)
	}
	return nil
}

func (u *unit) CompleteIdempotencyToken(ctx context.Context, token string, outcome []byte) error {
	_, err := u.tx.ExecContext(ctx,
		"UPDATE idempotency_keys SET status = ?, outcome = ? WHERE token = ?",
		domain.IdempotencyCompleted, outcome, token)
	if err != nil {
		return sqliteError("complete idempotency token", err)
	}
	return nil
}

func (u *unit) Commit(_ context.Context) error {
	if err := u.tx.Commit(); err != nil {
		return sqliteError("commit", err)
	}
	return nil
}

func (u *unit) Rollback(_ context.Context) error {
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func scanAccount(row *sql.Row) (*domain.Account, error) {
	var (
		acc                  domain.Account
		typ, balance, status string
	)
	err := row.Scan(&acc.ID, &acc.OwnerRef, &typ, &balance, &status, &acc.Version, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, infra("read account", err)
	}
	acc.Type = domain.AccountType(typ)
	acc.Status = domain.AccountStatus(status)
	if acc.Balance, err = money.Parse(balance); err != nil {
		return nil, err
	}
	return &acc, nil
}

// sqliteError maps busy/locked writer collisions to the retryable conflict
// error; everything else is infrastructure.
func sqliteError(op string, err error) error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && (sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked) {
		return domain.ErrOptimisticConflict
	}
	return infra(op, err)
}

func infra(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}
