// Package api exposes the ledger over HTTP. Mutating endpoints require an
// Idempotency-Key header; retries with the same key replay the original
// outcome instead of re-applying the mutation.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/gopalakrishnasudarshan/CoreBank/internal/domain"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/ledger"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/money"
	"github.com/gopalakrishnasudarshan/CoreBank/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corebank_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corebank_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	store  store.Store
	engine *ledger.Engine
	log    *zap.Logger
}

func NewHandler(s store.Store, e *ledger.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{store: s, engine: e, log: log}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createAccountRequest struct {
	OwnerRef       string             `json:"owner_ref"`
	Type           domain.AccountType `json:"type"`
	OpeningBalance money.Money        `json:"opening_balance"`
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}
	if !req.Type.Valid() {
		h.respond(w, r, http.StatusUnprocessableEntity, map[string]string{"error": "Account type must be SAVINGS or CHECKING"})
		return
	}
	if req.OpeningBalance.IsNegative() {
		h.respond(w, r, http.StatusUnprocessableEntity, map[string]string{"error": "Opening balance cannot be negative"})
		return
	}

	acc, err := h.store.CreateAccount(r.Context(), req.OwnerRef, req.Type, req.OpeningBalance)
	if err != nil {
		h.log.Error("create account failed", zap.Error(err))
		h.respond(w, r, http.StatusInternalServerError, map[string]string{"error": "System error creating account"})
		return
	}
	h.respond(w, r, http.StatusCreated, acc)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	acc, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, acc)
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	balance, err := h.engine.GetAccountBalance(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, map[string]money.Money{"balance": balance})
}

func (h *Handler) CloseAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	// Deletion is a status transition; ledger history stays intact.
	if err := h.store.SetAccountStatus(r.Context(), id, domain.AccountStatusClosed); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, map[string]string{"status": string(domain.AccountStatusClosed)})
}

type createTransactionRequest struct {
	Kind   domain.TransactionKind `json:"kind"`
	Amount money.Money            `json:"amount"`
}

func (h *Handler) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint(r)))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	token := r.Header.Get("Idempotency-Key")
	if token == "" {
		h.respond(w, r, http.StatusBadRequest, map[string]string{"error": "Missing Idempotency-Key header"})
		return
	}
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}
	if !req.Kind.Valid() {
		h.respond(w, r, http.StatusUnprocessableEntity, map[string]string{"error": "Kind must be DEPOSIT or WITHDRAWAL"})
		return
	}

	txn, err := h.engine.ApplyTransaction(r.Context(), id, req.Kind, req.Amount, token)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/accounts/%d/transactions", id))
	h.respond(w, r, http.StatusCreated, txn)
}

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	txns, err := h.store.ListTransactions(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	h.respond(w, r, http.StatusOK, txns)
}

type createTransferRequest struct {
	FromAccountID int64       `json:"from_account_id"`
	ToAccountID   int64       `json:"to_account_id"`
	Amount        money.Money `json:"amount"`
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint(r)))
	defer timer.ObserveDuration()

	token := r.Header.Get("Idempotency-Key")
	if token == "" {
		h.respond(w, r, http.StatusBadRequest, map[string]string{"error": "Missing Idempotency-Key header"})
		return
	}
	var req createTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}

	tr, err := h.engine.ApplyTransfer(r.Context(), req.FromAccountID, req.ToAccountID, req.Amount, token)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%s", tr.ID))
	h.respond(w, r, http.StatusCreated, tr)
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respond(w, r, http.StatusBadRequest, map[string]string{"error": "Invalid transfer id"})
		return
	}
	tr, err := h.store.GetTransfer(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, tr)
}

func (h *Handler) ListAlertsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	alerts, err := h.store.ListAlerts(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	h.respond(w, r, http.StatusOK, alerts)
}

func (h *Handler) AcknowledgeAlertHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respond(w, r, http.StatusBadRequest, map[string]string{"error": "Invalid alert id"})
		return
	}
	if err := h.store.AcknowledgeAlert(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, map[string]string{"status": string(domain.AlertStatusAcknowledged)})
}

// respondError maps the domain error taxonomy onto HTTP statuses.
// Retryable failures get 503 + Retry-After so clients back off and resubmit
// with the same idempotency key.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		h.respond(w, r, http.StatusNotFound, map[string]string{"error": "Account not found"})
	case errors.Is(err, domain.ErrTransferNotFound):
		h.respond(w, r, http.StatusNotFound, map[string]string{"error": "Transfer not found"})
	case errors.Is(err, domain.ErrAlertNotFound):
		h.respond(w, r, http.StatusNotFound, map[string]string{"error": "Alert not found"})
	case errors.Is(err, domain.ErrInvalidAmount):
		h.respond(w, r, http.StatusUnprocessableEntity, map[string]string{"error": "Positive amount required"})
	case errors.Is(err, domain.ErrSameAccount):
		h.respond(w, r, http.StatusUnprocessableEntity, map[string]string{"error": "Self-transfer not allowed"})
	case errors.Is(err, domain.ErrInsufficientFunds):
		h.respond(w, r, http.StatusUnprocessableEntity, map[string]string{"error": "Insufficient funds"})
	case errors.Is(err, domain.ErrAccountInactive):
		h.respond(w, r, http.StatusUnprocessableEntity, map[string]string{"error": "Account is not active"})
	case errors.Is(err, domain.ErrRequestInProgress):
		h.respond(w, r, http.StatusConflict, map[string]string{"error": "Request processing in progress"})
	case errors.Is(err, domain.ErrContention), errors.Is(err, domain.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "1")
		h.respond(w, r, http.StatusServiceUnavailable, map[string]string{"error": "Temporarily unavailable, retry with the same Idempotency-Key"})
	default:
		h.log.Error("request failed", zap.String("endpoint", endpoint(r)), zap.Error(err))
		h.respond(w, r, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		h.respond(w, r, http.StatusBadRequest, map[string]string{"error": "Invalid account id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	httpRequestsTotal.WithLabelValues(r.Method, endpoint(r), strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// endpoint returns the route template so metric labels stay low-cardinality.
func endpoint(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
