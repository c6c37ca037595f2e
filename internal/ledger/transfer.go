package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gopalakrishnasudarshan/CoreBank/internal/domain"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/money"
)

// ApplyTransfer debits one account and credits another as a single atomic
// unit: the Transfer record, both derived ledger entries and both balance
// writes commit or fail together.
//
// Mutation rights on the two accounts are always acquired in ascending
// account-id order, regardless of which side is debited. The fixed total
// order is what prevents circular wait between two concurrent transfers
// running the same pair in opposite directions.
func (e *Engine) ApplyTransfer(ctx context.Context, fromID, toID int64, amount money.Money, token string) (*domain.Transfer, error) {
	if fromID == toID {
		return nil, fmt.Errorf("%w: account %d", domain.ErrSameAccount, fromID)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", domain.ErrInvalidAmount, amount)
	}
	if token == "" {
		return nil, errors.New("idempotency token required")
	}

	var out *domain.Transfer
	err := e.withRetry(ctx, "transfer", func(ctx context.Context) error {
		tr, err := e.applyTransferOnce(ctx, fromID, toID, amount, token)
		if err != nil {
			return err
		}
		out = tr
		return nil
	})
	if err != nil {
		operationsTotal.WithLabelValues("transfer", "error").Inc()
		return nil, err
	}
	operationsTotal.WithLabelValues("transfer", "ok").Inc()
	return out, nil
}

func (e *Engine) applyTransferOnce(ctx context.Context, fromID, toID int64, amount money.Money, token string) (*domain.Transfer, error) {
	unit, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin unit: %w", err)
	}
	defer unit.Rollback(ctx)

	// 1. Idempotency check.
	prior, err := replayOutcome[domain.Transfer](ctx, unit, token)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		e.log.Info("idempotent replay",
			zap.String("op", "transfer"),
			zap.String("transfer_id", prior.ID.String()))
		return prior, nil
	}
	if err := unit.ReserveIdempotencyToken(ctx, token); err != nil {
		return nil, err
	}

	// 2. Acquire in ascending id order, then validate. Balances are checked
	// after acquisition, not before, to avoid a stale-read race.
	lowID, highID := fromID, toID
	if lowID > highID {
		lowID, highID = highID, lowID
	}
	low, err := unit.Account(ctx, lowID)
	if err != nil {
		return nil, err
	}
	high, err := unit.Account(ctx, highID)
	if err != nil {
		return nil, err
	}

	from, to := low, high
	if from.ID != fromID {
		from, to = high, low
	}
	for _, acc := range []*domain.Account{from, to} {
		if acc.Status != domain.AccountStatusActive {
			return nil, fmt.Errorf("%w: account %d is %s", domain.ErrAccountInactive, acc.ID, acc.Status)
		}
	}
	if from.Balance.LessThan(amount) {
		return nil, &domain.InsufficientFundsError{AccountID: from.ID, Balance: from.Balance, Requested: amount}
	}

	debited := from.Balance.Sub(amount)
	credited := to.Balance.Add(amount)

	// 3. Compare-and-swap both balances, same fixed order as the reads.
	lowBalance, highBalance := debited, credited
	if low.ID != from.ID {
		lowBalance, highBalance = credited, debited
	}
	if err := unit.CompareAndSwapBalance(ctx, low.ID, low.Version, lowBalance); err != nil {
		return nil, err
	}
	if err := unit.CompareAndSwapBalance(ctx, high.ID, high.Version, highBalance); err != nil {
		return nil, err
	}

	// 4. Persist the Transfer record and its two derived entries.
	now := time.Now().UTC()
	tr := &domain.Transfer{
		ID:            uuid.New(),
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
		AppliedAt:     now,
	}
	if err := unit.AppendTransfer(ctx, tr); err != nil {
		return nil, fmt.Errorf("append transfer: %w", err)
	}
	entries := []*domain.Transaction{
		{ID: uuid.New(), AccountID: fromID, Kind: domain.TransactionWithdrawal, Amount: amount, TransferID: &tr.ID, AppliedAt: now, ResultingBalance: debited},
		{ID: uuid.New(), AccountID: toID, Kind: domain.TransactionDeposit, Amount: amount, TransferID: &tr.ID, AppliedAt: now, ResultingBalance: credited},
	}
	for _, entry := range entries {
		if err := unit.AppendTransaction(ctx, entry); err != nil {
			return nil, fmt.Errorf("append ledger entry: %w", err)
		}
	}
	if err := e.lowBalanceAlert(ctx, unit, from.ID, debited); err != nil {
		return nil, err
	}
	if err := completeOutcome(ctx, unit, token, tr); err != nil {
		return nil, err
	}

	// 5. Commit or nothing.
	if err := unit.Commit(ctx); err != nil {
		return nil, err
	}

	e.log.Info("transfer applied",
		zap.String("transfer_id", tr.ID.String()),
		zap.Int64("from_account_id", fromID),
		zap.Int64("to_account_id", toID),
		zap.String("amount", amount.String()))
	return tr, nil
}
