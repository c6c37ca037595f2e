package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gopalakrishnasudarshan/CoreBank/internal/api"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/domain"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/ledger"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/money"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/store/memory"
)

type testServer struct {
	router http.Handler
	store  *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := memory.New()
	eng := ledger.New(st, zap.NewNop(), ledger.Config{
		RetryBaseDelay:      time.Millisecond,
		LowBalanceThreshold: money.MustParse("25.00"),
	})
	h := api.NewHandler(st, eng, zap.NewNop())
	return &testServer{router: h.Router(), store: st}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) createAccount(t *testing.T, opening string) domain.Account {
	t.Helper()
	rec := ts.do(t, "POST", "/api/v1/accounts", map[string]any{
		"owner_ref":       "customer-1",
		"type":            "CHECKING",
		"opening_balance": opening,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var acc domain.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	return acc
}

func idemKey() map[string]string {
	return map[string]string{"Idempotency-Key": uuid.NewString()}
}

func TestCreateAccount(t *testing.T) {
	ts := newTestServer(t)
	acc := ts.createAccount(t, "100.00")
	assert.Equal(t, domain.AccountStatusActive, acc.Status)
	assert.Equal(t, "100.00", acc.Balance.String())

	rec := ts.do(t, "POST", "/api/v1/accounts", map[string]any{"owner_ref": "x", "type": "BROKERAGE"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDepositAndBalance(t *testing.T) {
	ts := newTestServer(t)
	acc := ts.createAccount(t, "100.00")

	rec := ts.do(t, "POST", fmt.Sprintf("/api/v1/accounts/%d/transactions", acc.ID),
		map[string]any{"kind": "DEPOSIT", "amount": "50.00"}, idemKey())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%d/balance", acc.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "150.00", resp["balance"])
}

func TestTransactionRequiresIdempotencyKey(t *testing.T) {
	ts := newTestServer(t)
	acc := ts.createAccount(t, "100.00")

	rec := ts.do(t, "POST", fmt.Sprintf("/api/v1/accounts/%d/transactions", acc.ID),
		map[string]any{"kind": "DEPOSIT", "amount": "50.00"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdrawalInsufficientFunds(t *testing.T) {
	ts := newTestServer(t)
	acc := ts.createAccount(t, "100.00")

	rec := ts.do(t, "POST", fmt.Sprintf("/api/v1/accounts/%d/transactions", acc.ID),
		map[string]any{"kind": "WITHDRAWAL", "amount": "150.00"}, idemKey())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTransferAndIdempotentReplay(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createAccount(t, "100.00")
	b := ts.createAccount(t, "0.00")
	key := idemKey()

	body := map[string]any{"from_account_id": a.ID, "to_account_id": b.ID, "amount": "40.00"}

	rec := ts.do(t, "POST", "/api/v1/transfers", body, key)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first domain.Transfer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	// Verbatim retry with the same key returns the original transfer and
	// moves no additional money.
	rec = ts.do(t, "POST", "/api/v1/transfers", body, key)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var second domain.Transfer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first.ID, second.ID)

	rec = ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%d/balance", a.ID), nil, nil)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "60.00", resp["balance"])

	rec = ts.do(t, "GET", "/api/v1/transfers/"+first.ID.String(), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTransferValidation(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createAccount(t, "100.00")

	rec := ts.do(t, "POST", "/api/v1/transfers",
		map[string]any{"from_account_id": a.ID, "to_account_id": a.ID, "amount": "5.00"}, idemKey())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, "POST", "/api/v1/transfers",
		map[string]any{"from_account_id": a.ID, "to_account_id": int64(404), "amount": "5.00"}, idemKey())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, "POST", "/api/v1/transfers",
		map[string]any{"from_account_id": a.ID, "to_account_id": a.ID + 1, "amount": "5.00"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCloseAccountBlocksMutations(t *testing.T) {
	ts := newTestServer(t)
	acc := ts.createAccount(t, "100.00")

	rec := ts.do(t, "POST", fmt.Sprintf("/api/v1/accounts/%d/close", acc.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, "POST", fmt.Sprintf("/api/v1/accounts/%d/transactions", acc.ID),
		map[string]any{"kind": "DEPOSIT", "amount": "50.00"}, idemKey())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// History survives the close.
	rec = ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%d", acc.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.AccountStatusClosed, got.Status)
}

func TestAlertsLifecycle(t *testing.T) {
	ts := newTestServer(t)
	acc := ts.createAccount(t, "100.00")

	rec := ts.do(t, "POST", fmt.Sprintf("/api/v1/accounts/%d/transactions", acc.ID),
		map[string]any{"kind": "WITHDRAWAL", "amount": "90.00"}, idemKey())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%d/alerts", acc.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []domain.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertTypeLowBalance, alerts[0].Type)

	rec = ts.do(t, "POST", "/api/v1/alerts/"+alerts[0].ID.String()+"/ack", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetUnknownAccount(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "GET", "/api/v1/accounts/404", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
