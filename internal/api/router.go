package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router wires the API routes. Kept here so the server binary and the
// handler tests share the exact same routing.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/accounts", h.CreateAccountHandler).Methods("POST")
	v1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods("GET")
	v1.HandleFunc("/accounts/{id}/balance", h.GetBalanceHandler).Methods("GET")
	v1.HandleFunc("/accounts/{id}/close", h.CloseAccountHandler).Methods("POST")
	v1.HandleFunc("/accounts/{id}/transactions", h.CreateTransactionHandler).Methods("POST")
	v1.HandleFunc("/accounts/{id}/transactions", h.ListTransactionsHandler).Methods("GET")
	v1.HandleFunc("/accounts/{id}/alerts", h.ListAlertsHandler).Methods("GET")
	v1.HandleFunc("/alerts/{id}/ack", h.AcknowledgeAlertHandler).Methods("POST")
	v1.HandleFunc("/transfers", h.CreateTransferHandler).Methods("POST")
	v1.HandleFunc("/transfers/{id}", h.GetTransferHandler).Methods("GET")
	return r
}
