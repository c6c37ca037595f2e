package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gopalakrishnasudarshan/CoreBank/internal/domain"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/money"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/store/memory"
)

func newAccount(t *testing.T, s *memory.Store, balance string) *domain.Account {
	t.Helper()
	acc, err := s.CreateAccount(context.Background(), "owner-1", domain.AccountTypeChecking, money.MustParse(balance))
	require.NoError(t, err)
	return acc
}

func TestCAS_VersionMismatchIsConflict(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	acc := newAccount(t, s, "100.00")

	u1, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, u1.CompareAndSwapBalance(ctx, acc.ID, acc.Version, money.MustParse("90.00")))
	require.NoError(t, u1.Commit(ctx))

	// The committed write bumped the version; the stale version must fail.
	u2, err := s.Begin(ctx)
	require.NoError(t, err)
	err = u2.CompareAndSwapBalance(ctx, acc.ID, acc.Version, money.MustParse("80.00"))
	assert.ErrorIs(t, err, domain.ErrOptimisticConflict)
	u2.Rollback(ctx)
}

func TestCAS_RacingUnitsConflictAtCommit(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	acc := newAccount(t, s, "100.00")

	u1, err := s.Begin(ctx)
	require.NoError(t, err)
	u2, err := s.Begin(ctx)
	require.NoError(t, err)

	// Both stage against the same version; only the first commit wins.
	require.NoError(t, u1.CompareAndSwapBalance(ctx, acc.ID, acc.Version, money.MustParse("90.00")))
	require.NoError(t, u2.CompareAndSwapBalance(ctx, acc.ID, acc.Version, money.MustParse("80.00")))

	require.NoError(t, u1.Commit(ctx))
	assert.ErrorIs(t, u2.Commit(ctx), domain.ErrOptimisticConflict)

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "90.00", got.Balance.String())
	assert.Equal(t, acc.Version+1, got.Version)
}

func TestUnit_NothingVisibleBeforeCommit(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	acc := newAccount(t, s, "100.00")

	u, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, u.CompareAndSwapBalance(ctx, acc.ID, acc.Version, money.MustParse("50.00")))
	require.NoError(t, u.AppendTransaction(ctx, &domain.Transaction{
		ID:        uuid.New(),
		AccountID: acc.ID,
		Kind:      domain.TransactionWithdrawal,
		Amount:    money.MustParse("50.00"),
		AppliedAt: time.Now().UTC(),
	}))

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", got.Balance.String())
	txns, err := s.ListTransactions(ctx, acc.ID)
	require.NoError(t, err)
	assert.Empty(t, txns)

	require.NoError(t, u.Commit(ctx))

	got, err = s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", got.Balance.String())
	txns, err = s.ListTransactions(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestUnit_RollbackDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	acc := newAccount(t, s, "100.00")

	u, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, u.CompareAndSwapBalance(ctx, acc.ID, acc.Version, money.MustParse("0.00")))
	require.NoError(t, u.ReserveIdempotencyToken(ctx, "tok-1"))
	require.NoError(t, u.Rollback(ctx))

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", got.Balance.String())

	// The token was never committed, so it is free again.
	u2, err := s.Begin(ctx)
	require.NoError(t, err)
	assert.NoError(t, u2.ReserveIdempotencyToken(ctx, "tok-1"))
	u2.Rollback(ctx)
}

func TestIdempotency_CommittedTokenBlocksReservation(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	u1, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, u1.ReserveIdempotencyToken(ctx, "tok-1"))
	require.NoError(t, u1.CompleteIdempotencyToken(ctx, "tok-1", []byte(`{"ok":true}`)))
	require.NoError(t, u1.Commit(ctx))

	u2, err := s.Begin(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, u2.ReserveIdempotencyToken(ctx, "tok-1"), domain.ErrRequestInProgress)

	rec, err := u2.IdempotencyRecord(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.IdempotencyCompleted, rec.Status)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Outcome))
	u2.Rollback(ctx)
}

func TestIdempotency_RacingReservationsConflictAtCommit(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	u1, err := s.Begin(ctx)
	require.NoError(t, err)
	u2, err := s.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, u1.ReserveIdempotencyToken(ctx, "tok-1"))
	require.NoError(t, u2.ReserveIdempotencyToken(ctx, "tok-1"))

	require.NoError(t, u1.Commit(ctx))
	assert.ErrorIs(t, u2.Commit(ctx), domain.ErrRequestInProgress)
}

func TestInjectCommitFailure_IsOneShot(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	acc := newAccount(t, s, "100.00")

	boom := errors.New("simulated crash")
	s.InjectCommitFailure(boom)

	u, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, u.CompareAndSwapBalance(ctx, acc.ID, acc.Version, money.MustParse("90.00")))
	assert.ErrorIs(t, u.Commit(ctx), boom)

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", got.Balance.String())

	u2, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, u2.CompareAndSwapBalance(ctx, acc.ID, acc.Version, money.MustParse("90.00")))
	assert.NoError(t, u2.Commit(ctx))
}

func TestSetAccountStatus_BumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	acc := newAccount(t, s, "100.00")

	require.NoError(t, s.SetAccountStatus(ctx, acc.ID, domain.AccountStatusInactive))

	// A CAS against the pre-transition version must now fail.
	u, err := s.Begin(ctx)
	require.NoError(t, err)
	err = u.CompareAndSwapBalance(ctx, acc.ID, acc.Version, money.MustParse("0.00"))
	assert.ErrorIs(t, err, domain.ErrOptimisticConflict)
	u.Rollback(ctx)
}
