package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabfence/tabfence/internal/ratelimit"
)

// SetupRoutes wires the operational surface onto a router.
func (h *Handler) SetupRoutes(ih *InterceptHandler, limiter *ratelimit.Limiter, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()

	// Lifecycle endpoints are rate limited; diagnostics are not.
	limited := api.PathPrefix("").Subrouter()
	if limiter != nil {
		limited.Use(RateLimitMiddleware(limiter))
	}

	limited.HandleFunc("/contexts", h.CreateContext).Methods("POST")
	limited.HandleFunc("/contexts", h.ListContexts).Methods("GET")
	limited.HandleFunc("/contexts/{id}", h.GetContext).Methods("GET")
	limited.HandleFunc("/contexts/{id}", h.DestroyContext).Methods("DELETE")
	limited.HandleFunc("/contexts/{id}/initialize", h.InitializeContext).Methods("POST")
	limited.HandleFunc("/contexts/{id}/activate", h.ActivateContext).Methods("POST")
	limited.HandleFunc("/contexts/{id}/rotate", h.RotateIdentity).Methods("POST")
	limited.HandleFunc("/contexts/{id}/proxy", h.SetProxy).Methods("PUT")
	limited.HandleFunc("/contexts/{id}/tabs", h.AddTab).Methods("POST")
	limited.HandleFunc("/contexts/{id}/tabs/{tabId}", h.RemoveTab).Methods("DELETE")

	api.HandleFunc("/stats", h.GetStats).Methods("GET")
	api.HandleFunc("/blocklist/rules", ih.ListRules).Methods("GET")
	api.HandleFunc("/blocklist/rules", ih.AddRule).Methods("POST")
	api.HandleFunc("/blocklist/rules/{pattern}", ih.RemoveRule).Methods("DELETE")
	api.HandleFunc("/blocklist/reload", ih.ReloadBlocklist).Methods("POST")
	api.HandleFunc("/test-url", ih.TestURL).Methods("POST")
	api.HandleFunc("/receipts", ih.RecentReceipts).Methods("GET")
	api.HandleFunc("/receipts/ws", ih.StreamReceipts).Methods("GET")

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Use(corsMiddleware)
	return r
}
