// Package postgres implements the store contracts on PostgreSQL via pgx.
// The atomic unit is a database transaction; balance writes are explicit
// compare-and-swaps on the version column rather than row locks, so
// concurrent safety does not depend on the isolation level.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gopalakrishnasudarshan/CoreBank/internal/domain"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/money"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         BIGSERIAL PRIMARY KEY,
	owner_ref  TEXT NOT NULL,
	type       TEXT NOT NULL,
	balance    NUMERIC(20,2) NOT NULL CHECK (balance >= 0),
	status     TEXT NOT NULL,
	version    BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id                TEXT PRIMARY KEY,
	account_id        BIGINT NOT NULL REFERENCES accounts(id),
	kind              TEXT NOT NULL,
	amount            NUMERIC(20,2) NOT NULL,
	transfer_id       TEXT,
	applied_at        TIMESTAMPTZ NOT NULL,
	resulting_balance NUMERIC(20,2) NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, applied_at DESC);
CREATE TABLE IF NOT EXISTS transfers (
	id              TEXT PRIMARY KEY,
	from_account_id BIGINT NOT NULL REFERENCES accounts(id),
	to_account_id   BIGINT NOT NULL REFERENCES accounts(id),
	amount          NUMERIC(20,2) NOT NULL,
	applied_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS alerts (
	id         TEXT PRIMARY KEY,
	account_id BIGINT NOT NULL REFERENCES accounts(id),
	type       TEXT NOT NULL,
	message    TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_account ON alerts(account_id, created_at DESC);
CREATE TABLE IF NOT EXISTS idempotency_keys (
	token      TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	outcome    JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Begin(ctx context.Context) (store.Unit, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
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
	err := s.pool.QueryRow(ctx,
		"INSERT INTO accounts (owner_ref, type, balance, status, version, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id",
		ownerRef, string(typ), opening.String(), string(acc.Status), acc.Version, acc.CreatedAt,
	).Scan(&acc.ID)
	if err != nil {
		return nil, infra("create account", err)
	}
	return acc, nil
}

const accountColumns = "id, owner_ref, type, balance::text, status, version, created_at"

func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
}

func (s *Store) SetAccountStatus(ctx context.Context, id int64, status domain.AccountStatus) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE accounts SET status = $1, version = version + 1 WHERE id = $2",
		string(status), id)
	if err != nil {
		return infra("set account status", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID int64) ([]domain.Transaction, error) {
	if err := s.accountExists(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		"SELECT id, account_id, kind, amount::text, transfer_id, applied_at, resulting_balance::text FROM transactions WHERE account_id = $1 ORDER BY applied_at DESC",
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
			transferID              *string
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
		if transferID != nil {
			trID, err := uuid.Parse(*transferID)
			if err != nil {
				return nil, fmt.Errorf("bad transfer id %q: %w", *transferID, err)
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
	err := s.pool.QueryRow(ctx,
		"SELECT from_account_id, to_account_id, amount::text, applied_at FROM transfers WHERE id = $1",
		id.String()).Scan(&tr.FromAccountID, &tr.ToAccountID, &amount, &tr.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := s.pool.Query(ctx,
		"SELECT id, account_id, type, message, status, created_at FROM alerts WHERE account_id = $1 ORDER BY created_at DESC",
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
	tag, err := s.pool.Exec(ctx,
		"UPDATE alerts SET status = $1 WHERE id = $2",
		string(domain.AlertStatusAcknowledged), id.String())
	if err != nil {
		return infra("acknowledge alert", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlertNotFound
	}
	return nil
}

func (s *Store) accountExists(ctx context.Context, id int64) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", id).Scan(&exists); err != nil {
		return infra("account lookup", err)
	}
	if !exists {
		return domain.ErrAccountNotFound
	}
	return nil
}

type unit struct {
	tx pgx.Tx
}

func (u *unit) Account(ctx context.Context, id int64) (*domain.Account, error) {
	return scanAccount(u.tx.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
}

func (u *unit) CompareAndSwapBalance(ctx context.Context, id int64, expectedVersion uint64, newBalance money.Money) error {
	tag, err := u.tx.Exec(ctx,
		"UPDATE accounts SET balance = $1, version = version + 1 WHERE id = $2 AND version = $3",
		newBalance.String(), id, expectedVersion)
	if err != nil {
		return pgError("cas balance", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOptimisticConflict
	}
	return nil
}

func (u *unit) AppendTransaction(ctx context.Context, txn *domain.Transaction) error {
	var transferID *string
	if txn.TransferID != nil {
		s := txn.TransferID.String()
		transferID = &s
	}
	_, err := u.tx.Exec(ctx,
		"INSERT INTO transactions (id, account_id, kind, amount, transfer_id, applied_at, resulting_balance) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		txn.ID.String(), txn.AccountID, string(txn.Kind), txn.Amount.String(), transferID, txn.AppliedAt, txn.ResultingBalance.String())
	if err != nil {
		return pgError("append transaction", err)
	}
	return nil
}

func (u *unit) AppendTransfer(ctx context.Context, tr *domain.Transfer) error {
	_, err := u.tx.Exec(ctx,
		"INSERT INTO transfers (id, from_account_id, to_account_id, amount, applied_at) VALUES ($1, $2, $3, $4, $5)",
		tr.ID.String(), tr.FromAccountID, tr.ToAccountID, tr.Amount.String(), tr.AppliedAt)
	if err != nil {
		return pgError("append transfer", err)
	}
	return nil
}

func (u *unit) AppendAlert(ctx context.Context, a *domain.Alert) error {
	_, err := u.tx.Exec(ctx,
		"INSERT INTO alerts (id, account_id, type, message, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		a.ID.String(), a.AccountID, a.Type, a.Message, string(a.Status), a.CreatedAt)
	if err != nil {
		return pgError("append alert", err)
	}
	return nil
}

func (u *unit) IdempotencyRecord(ctx context.Context, token string) (*domain.IdempotencyRecord, error) {
	rec := &domain.IdempotencyRecord{Token: token}
	err := u.tx.QueryRow(ctx,
		"SELECT status, outcome, created_at FROM idempotency_keys WHERE token = $1",
		token).Scan(&rec.Status, &rec.Outcome, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, infra("idempotency lookup", err)
	}
	return rec, nil
}

func (u *unit) ReserveIdempotencyToken(ctx context.Context, token string) error {
	_, err := u.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (token, status, created_at) VALUES ($1, $2, $3)",
		token, domain.IdempotencyInProgress, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrRequestInProgress
		}
		return pgError("reserve idempotency token", err)
	}
	return nil
}

func (u *unit) CompleteIdempotencyToken(ctx context.Context, token string, outcome []byte) error {
	_, err := u.tx.Exec(ctx,
		"UPDATE idempotency_keys SET status = $1, outcome = $2 WHERE token = $3",
		domain.IdempotencyCompleted, outcome, token)
	if err != nil {
		return pgError("complete idempotency token", err)
	}
	return nil
}

func (u *unit) Commit(ctx context.Context) error {
	if err := u.tx.Commit(ctx); err != nil {
		return pgError("commit", err)
	}
	return nil
}

func (u *unit) Rollback(ctx context.Context) error {
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acc                  domain.Account
		typ, balance, status string
	)
	err := row.Scan(&acc.ID, &acc.OwnerRef, &typ, &balance, &status, &acc.Version, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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

// pgError maps serialization/deadlock failures to the retryable conflict
// error; everything else is infrastructure.
func pgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return domain.ErrOptimisticConflict
	}
	return infra(op, err)
}

func infra(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}
