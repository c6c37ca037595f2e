// Package ledger implements the engine that mutates account balances and
// writes the corresponding transaction/transfer records as one atomic unit.
// Concurrency control is optimistic: balance writes are compare-and-swaps
// keyed on the account version read inside the same unit, and conflicts are
// retried with jittered backoff up to a bounded attempt count.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gopalakrishnasudarshan/CoreBank/internal/domain"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/money"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/store"
)

// Config tunes the engine's retry policy and alerting threshold.
type Config struct {
	// MaxAttempts bounds retries on version conflicts. Default 5.
	MaxAttempts int
	// RetryBaseDelay is the base for the jittered exponential backoff
	// between attempts. Default 10ms.
	RetryBaseDelay time.Duration
	// LowBalanceThreshold, when positive, makes debits that land under it
	// emit a LOW_BALANCE alert in the same unit. Zero disables alerting.
	LowBalanceThreshold money.Money
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 10 * time.Millisecond
	}
	return c
}

// Engine applies transactions and transfers against an injected Store.
// It holds no state of its own beyond configuration; every request is
// handled independently and is safe to run concurrently.
type Engine struct {
	store store.Store
	log   *zap.Logger
	cfg   Config
}

func New(st store.Store, log *zap.Logger, cfg Config) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: st, log: log, cfg: cfg.withDefaults()}
}

// ApplyTransaction applies a single deposit or withdrawal to one account.
// Retries of the same request with the same token return the original
// Transaction without re-applying the mutation.
func (e *Engine) ApplyTransaction(ctx context.Context, accountID int64, kind domain.TransactionKind, amount money.Money, token string) (*domain.Transaction, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid transaction kind %q", kind)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", domain.ErrInvalidAmount, amount)
	}
	if token == "" {
		return nil, errors.New("idempotency token required")
	}

	var out *domain.Transaction
	err := e.withRetry(ctx, "transaction", func(ctx context.Context) error {
		txn, err := e.applyTransactionOnce(ctx, accountID, kind, amount, token)
		if err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		operationsTotal.WithLabelValues("transaction", "error").Inc()
		return nil, err
	}
	operationsTotal.WithLabelValues("transaction", "ok").Inc()
	return out, nil
}

func (e *Engine) applyTransactionOnce(ctx context.Context, accountID int64, kind domain.TransactionKind, amount money.Money, token string) (*domain.Transaction, error) {
	unit, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin unit: %w", err)
	}
	defer unit.Rollback(ctx)

	// 1. Idempotency check: a completed token short-circuits to the prior
	// outcome; an in-progress token belongs to a concurrent request.
	prior, err := replayOutcome[domain.Transaction](ctx, unit, token)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		e.log.Info("idempotent replay",
			zap.String("op", "transaction"),
			zap.String("transaction_id", prior.ID.String()))
		return prior, nil
	}
	if err := unit.ReserveIdempotencyToken(ctx, token); err != nil {
		return nil, err
	}

	// 2. Read with version, validate.
	acc, err := unit.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Status != domain.AccountStatusActive {
		return nil, fmt.Errorf("%w: account %d is %s", domain.ErrAccountInactive, acc.ID, acc.Status)
	}

	newBalance := acc.Balance.Add(amount)
	if kind == domain.TransactionWithdrawal {
		if acc.Balance.LessThan(amount) {
			return nil, &domain.InsufficientFundsError{AccountID: acc.ID, Balance: acc.Balance, Requested: amount}
		}
		newBalance = acc.Balance.Sub(amount)
	}

	// 3. Compare-and-swap keyed on the version read above.
	if err := unit.CompareAndSwapBalance(ctx, acc.ID, acc.Version, newBalance); err != nil {
		return nil, err
	}

	// 4. Append the immutable record and the idempotency outcome.
	txn := &domain.Transaction{
		ID:               uuid.New(),
		AccountID:        acc.ID,
		Kind:             kind,
		Amount:           amount,
		AppliedAt:        time.Now().UTC(),
		ResultingBalance: newBalance,
	}
	if err := unit.AppendTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}
	if kind == domain.TransactionWithdrawal {
		if err := e.lowBalanceAlert(ctx, unit, acc.ID, newBalance); err != nil {
			return nil, err
		}
	}
	if err := completeOutcome(ctx, unit, token, txn); err != nil {
		return nil, err
	}

	// 5. Commit: balance mutation becomes visible only here.
	if err := unit.Commit(ctx); err != nil {
		return nil, err
	}

	e.log.Info("transaction applied",
		zap.String("transaction_id", txn.ID.String()),
		zap.Int64("account_id", acc.ID),
		zap.String("kind", string(kind)),
		zap.String("amount", amount.String()))
	return txn, nil
}

// GetAccountBalance returns the committed balance of an account.
func (e *Engine) GetAccountBalance(ctx context.Context, accountID int64) (money.Money, error) {
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return money.Zero, err
	}
	return acc.Balance, nil
}

// withRetry runs fn, retrying on version conflicts and on idempotency token
// races (which resolve into a replay once the winner commits). Bounded
// attempts; jittered exponential backoff between them.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrOptimisticConflict) && !errors.Is(err, domain.ErrRequestInProgress) {
			return err
		}
		if attempt >= e.cfg.MaxAttempts {
			break
		}
		conflictRetriesTotal.WithLabelValues(op).Inc()
		e.log.Debug("retrying after conflict",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(e.cfg.RetryBaseDelay, attempt)):
		}
	}
	if errors.Is(err, domain.ErrOptimisticConflict) {
		return fmt.Errorf("%w after %d attempts", domain.ErrContention, e.cfg.MaxAttempts)
	}
	return err
}

// backoffDelay returns base*2^(attempt-1) capped at 250ms, with half of it
// randomized to spread contending retries apart.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	d := base << (attempt - 1)
	if d > 250*time.Millisecond {
		d = 250 * time.Millisecond
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (e *Engine) lowBalanceAlert(ctx context.Context, u store.Unit, accountID int64, balance money.Money) error {
	if !e.cfg.LowBalanceThreshold.IsPositive() || !balance.LessThan(e.cfg.LowBalanceThreshold) {
		return nil
	}
	a := &domain.Alert{
		ID:        uuid.New(),
		AccountID: accountID,
		Type:      domain.AlertTypeLowBalance,
		Message:   fmt.Sprintf("balance %s fell below %s", balance, e.cfg.LowBalanceThreshold),
		Status:    domain.AlertStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := u.AppendAlert(ctx, a); err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	return nil
}

// replayOutcome returns the decoded prior outcome for token, nil if the
// token is fresh, or ErrRequestInProgress if another request holds it.
func replayOutcome[T any](ctx context.Context, u store.Unit, token string) (*T, error) {
	rec, err := u.IdempotencyRecord(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.Status != domain.IdempotencyCompleted {
		return nil, domain.ErrRequestInProgress
	}
	var out T
	if err := json.Unmarshal(rec.Outcome, &out); err != nil {
		return nil, fmt.Errorf("decode prior outcome: %w", err)
	}
	return &out, nil
}

func completeOutcome(ctx context.Context, u store.Unit, token string, outcome any) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if err := u.CompleteIdempotencyToken(ctx, token, body); err != nil {
		return fmt.Errorf("complete idempotency token: %w", err)
	}
	return nil
}
