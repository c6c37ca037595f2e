// Package memory provides an in-memory Store used by tests and local
// development. Units stage their writes and apply them under the store lock
// at commit, re-validating every compare-and-swap, so concurrent units get
// the same conflict semantics as the SQL stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gopalakrishnasudarshan/CoreBank/internal/domain"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/money"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/store"
)

type Store struct {
	mu     sync.Mutex
	nextID int64

	accounts     map[int64]*domain.Account
	transactions map[int64][]domain.Transaction
	transfers    map[uuid.UUID]*domain.Transfer
	alerts       map[uuid.UUID]*domain.Alert
	idempotency  map[string]*domain.IdempotencyRecord

	// fault injection hooks, set by tests
	casFailures   map[int64]error
	commitFailure error
}

func New() *Store {
	return &Store{
		accounts:     make(map[int64]*domain.Account),
		transactions: make(map[int64][]domain.Transaction),
		transfers:    make(map[uuid.UUID]*domain.Transfer),
		alerts:       make(map[uuid.UUID]*domain.Alert),
		idempotency:  make(map[string]*domain.IdempotencyRecord),
		casFailures:  make(map[int64]error),
	}
}

// InjectCASFailure makes every CompareAndSwapBalance on the given account
// fail with err until cleared with a nil err.
func (s *Store) InjectCASFailure(accountID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.casFailures, accountID)
		return
	}
	s.casFailures[accountID] = err
}

// InjectCommitFailure makes the next Commit fail with err. One-shot.
func (s *Store) InjectCommitFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitFailure = err
}

func (s *Store) Begin(_ context.Context) (store.Unit, error) {
	return &unit{
		s:         s,
		completed: make(map[string][]byte),
	}, nil
}

func (s *Store) CreateAccount(_ context.Context, ownerRef string, typ domain.AccountType, opening money.Money) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	acc := &domain.Account{
		ID:        s.nextID,
		OwnerRef:  ownerRef,
		Type:      typ,
		Balance:   opening,
		Status:    domain.AccountStatusActive,
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}
	s.accounts[acc.ID] = acc
	cp := *acc
	return &cp, nil
}

func (s *Store) GetAccount(_ context.Context, id int64) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *Store) SetAccountStatus(_ context.Context, id int64, status domain.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	acc.Status = status
	acc.Version++
	return nil
}

func (s *Store) ListTransactions(_ context.Context, accountID int64) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	src := s.transactions[accountID]
	out := make([]domain.Transaction, len(src))
	// newest first
	for i, txn := range src {
		out[len(src)-1-i] = txn
	}
	return out, nil
}

func (s *Store) GetTransfer(_ context.Context, id uuid.UUID) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transfers[id]
	if !ok {
		return nil, domain.ErrTransferNotFound
	}
	cp := *tr
	return &cp, nil
}

func (s *Store) ListAlerts(_ context.Context, accountID int64) ([]domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	var out []domain.Alert
	for _, a := range s.alerts {
		if a.AccountID == accountID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AcknowledgeAlert(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return domain.ErrAlertNotFound
	}
	a.Status = domain.AlertStatusAcknowledged
	return nil
}

func (s *Store) Close() {}

type balanceWrite struct {
	accountID       int64
	expectedVersion uint64
	newBalance      money.Money
}

// unit stages writes and applies them atomically at Commit.
type unit struct {
	s    *Store
	done bool

	writes    []balanceWrite
	txns      []domain.Transaction
	trfs      []domain.Transfer
	alerts    []domain.Alert
	reserved  []string
	completed map[string][]byte
}

func (u *unit) Account(_ context.Context, id int64) (*domain.Account, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	acc, ok := u.s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (u *unit) CompareAndSwapBalance(_ context.Context, id int64, expectedVersion uint64, newBalance money.Money) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if err := u.s.casFailures[id]; err != nil {
		return err
	}
	acc, ok := u.s.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if acc.Version != expectedVersion {
		return domain.ErrOptimisticConflict
	}
	u.writes = append(u.writes, balanceWrite{id, expectedVersion, newBalance})
	return nil
}

func (u *unit) AppendTransaction(_ context.Context, txn *domain.Transaction) error {
	u.txns = append(u.txns, *txn)
	return nil
}

func (u *unit) AppendTransfer(_ context.Context, tr *domain.Transfer) error {
	u.trfs = append(u.trfs, *tr)
	return nil
}

func (u *unit) AppendAlert(_ context.Context, a *domain.Alert) error {
	u.alerts = append(u.alerts, *a)
	return nil
}

func (u *unit) IdempotencyRecord(_ context.Context, token string) (*domain.IdempotencyRecord, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	rec, ok := u.s.idempotency[token]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (u *unit) ReserveIdempotencyToken(_ context.Context, token string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.idempotency[token]; ok {
		return domain.ErrRequestInProgress
	}
	u.reserved = append(u.reserved, token)
	return nil
}

func (u *unit) CompleteIdempotencyToken(_ context.Context, token string, outcome []byte) error {
	u.completed[token] = outcome
	return nil
}

func (u *unit) Commit(_ context.Context) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if u.done {
		return nil
	}
	u.done = true

	if err := u.s.commitFailure; err != nil {
		u.s.commitFailure = nil
		return err
	}

	// Re-validate every staged CAS and reservation before touching state:
	// another unit may have committed since the writes were staged.
	for _, w := range u.writes {
		acc, ok := u.s.accounts[w.accountID]
		if !ok {
			return domain.ErrAccountNotFound
		}
		if acc.Version != w.expectedVersion {
			return domain.ErrOptimisticConflict
		}
	}
	for _, token := range u.reserved {
		if _, ok := u.s.idempotency[token]; ok {
			return domain.ErrRequestInProgress
		}
	}

	now := time.Now().UTC()
	for _, w := range u.writes {
		acc := u.s.accounts[w.accountID]
		acc.Balance = w.newBalance
		acc.Version++
	}
	for _, txn := range u.txns {
		u.s.transactions[txn.AccountID] = append(u.s.transactions[txn.AccountID], txn)
	}
	for i := range u.trfs {
		tr := u.trfs[i]
		u.s.transfers[tr.ID] = &tr
	}
	for i := range u.alerts {
		a := u.alerts[i]
		u.s.alerts[a.ID] = &a
	}
	for _, token := range u.reserved {
		rec := &domain.IdempotencyRecord{
			Token:     token,
			Status:    domain.IdempotencyInProgress,
			CreatedAt: now,
		}
		if outcome, ok := u.completed[token]; ok {
			rec.Status = domain.IdempotencyCompleted
			rec.Outcome = outcome
		}
		u.s.idempotency[token] = rec
	}
	return nil
}

func (u *unit) Rollback(_ context.Context) error {
	u.done = true
	return nil
}
