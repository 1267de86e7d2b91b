package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tabfence/tabfence/internal/blocklist"
	"github.com/tabfence/tabfence/internal/intercept"
	"github.com/tabfence/tabfence/internal/receipt"
	"github.com/tabfence/tabfence/pkg/models"
)

// InterceptHandler holds dependencies for the blocklist and diagnostics
// endpoints.
type InterceptHandler struct {
	interceptor *intercept.Interceptor
	rules       *blocklist.Store
	receipts    *receipt.Hub
	log         *zap.Logger
}

// NewInterceptHandler creates the interception handler.
func NewInterceptHandler(i *intercept.Interceptor, rules *blocklist.Store, receipts *receipt.Hub, log *zap.Logger) *InterceptHandler {
	return &InterceptHandler{interceptor: i, rules: rules, receipts: receipts, log: log}
}

// ListRules handles GET /v1/blocklist/rules
func (h *InterceptHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":    h.rules.Current().Rules(),
		"degraded": h.rules.Degraded(),
	})
}

// AddRule handles POST /v1/blocklist/rules
func (h *InterceptHandler) AddRule(w http.ResponseWriter, r *http.Request) {
	var rule models.BlocklistRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil || rule.DomainPattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "domainPattern is required"})
		return
	}
	if err := h.rules.AddRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveRule handles DELETE /v1/blocklist/rules/{pattern}
func (h *InterceptHandler) RemoveRule(w http.ResponseWriter, r *http.Request) {
	if !h.rules.RemoveRule(mux.Vars(r)["pattern"]) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReloadBlocklist handles POST /v1/blocklist/reload — the administrative
// reload path alongside the change watcher.
func (h *InterceptHandler) ReloadBlocklist(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Load(); err != nil {
		// Still serving, but on an empty set; tell the operator.
		writeJSON(w, http.StatusOK, map[string]any{
			"degraded": true,
			"error":    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"degraded": false,
		"rules":    h.rules.Current().Len(),
	})
}

// TestURL handles POST /v1/test-url
func (h *InterceptHandler) TestURL(w http.ResponseWriter, r *http.Request) {
	var req models.TestURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" || req.ContextID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "contextId and url are required"})
		return
	}
	writeJSON(w, http.StatusOK, h.interceptor.TestURL(req.ContextID, req.URL, req.PageURL))
}

// RecentReceipts handles GET /v1/receipts
func (h *InterceptHandler) RecentReceipts(w http.ResponseWriter, r *http.Request) {
	n := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, _ = strconv.Atoi(raw)
	}
	writeJSON(w, http.StatusOK, h.receipts.Recent(n))
}

// StreamReceipts handles GET /v1/receipts/ws
func (h *InterceptHandler) StreamReceipts(w http.ResponseWriter, r *http.Request) {
	h.receipts.ServeWS(w, r)
}
