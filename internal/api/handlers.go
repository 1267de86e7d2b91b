package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tabfence/tabfence/internal/proxycfg"
	"github.com/tabfence/tabfence/internal/state"
	"github.com/tabfence/tabfence/pkg/models"
)

// Handler holds dependencies for the context lifecycle endpoints.
type Handler struct {
	machine *state.Machine
	proxies *proxycfg.Configurator
	log     *zap.Logger
}

// NewHandler creates the lifecycle handler.
func NewHandler(machine *state.Machine, proxies *proxycfg.Configurator, log *zap.Logger) *Handler {
	return &Handler{machine: machine, proxies: proxies, log: log}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the state machine's typed errors onto HTTP statuses:
// not-found is 404, retryable precondition failures and rotation conflicts
// are 409, poisoning transitions are 409 with the terminal flag, anything
// else is 400.
func writeError(w http.ResponseWriter, err error) {
	var (
		notFound   *state.NotFoundError
		invalid    *state.InvalidStateError
		transition *state.InvalidTransitionError
		inflight   *state.RotationInFlightError
		validation *proxycfg.ValidationError
	)

	status := http.StatusBadRequest
	terminal := false
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &invalid):
		status = http.StatusConflict
	case errors.As(err, &inflight):
		status = http.StatusConflict
	case errors.As(err, &transition):
		status = http.StatusConflict
		terminal = true
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	}

	writeJSON(w, status, map[string]any{
		"error":    err.Error(),
		"terminal": terminal,
	})
}

// CreateContext handles POST /v1/contexts
func (h *Handler) CreateContext(w http.ResponseWriter, r *http.Request) {
	var req models.CreateContextRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
			return
		}
	}

	c, err := h.machine.CreateContext(r.Context(), req.Proxy)
	if err != nil {
		// The context exists in ERROR state; return it with the failure.
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   err.Error(),
			"context": c,
		})
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetContext handles GET /v1/contexts/{id}
func (h *Handler) GetContext(w http.ResponseWriter, r *http.Request) {
	c, err := h.machine.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListContexts handles GET /v1/contexts
func (h *Handler) ListContexts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.machine.List())
}

// InitializeContext handles POST /v1/contexts/{id}/initialize
func (h *Handler) InitializeContext(w http.ResponseWriter, r *http.Request) {
	c, err := h.machine.InitializeContext(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ActivateContext handles POST /v1/contexts/{id}/activate
func (h *Handler) ActivateContext(w http.ResponseWriter, r *http.Request) {
	c, err := h.machine.ActivateContext(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// RotateIdentity handles POST /v1/contexts/{id}/rotate
func (h *Handler) RotateIdentity(w http.ResponseWriter, r *http.Request) {
	var req models.RotateIdentityRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
			return
		}
	}

	if req.Proxy != nil {
		if err := proxycfg.ValidateConfig(req.Proxy); err != nil {
			writeError(w, err)
			return
		}
	}

	c, err := h.machine.RotateIdentity(r.Context(), mux.Vars(r)["id"], req.Proxy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DestroyContext handles DELETE /v1/contexts/{id}
func (h *Handler) DestroyContext(w http.ResponseWriter, r *http.Request) {
	ok, err := h.machine.DestroyContext(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "context not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddTab handles POST /v1/contexts/{id}/tabs
func (h *Handler) AddTab(w http.ResponseWriter, r *http.Request) {
	var req models.TabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TabID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tabId is required"})
		return
	}
	if !h.machine.AddTabToContext(mux.Vars(r)["id"], req.TabID) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "context unknown or not accepting tabs"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveTab handles DELETE /v1/contexts/{id}/tabs/{tabId}
func (h *Handler) RemoveTab(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !h.machine.RemoveTabFromContext(vars["id"], vars["tabId"]) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "context unknown, tab unknown, or not accepting tabs"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.machine.Stats())
}

// SetProxy handles PUT /v1/contexts/{id}/proxy
func (h *Handler) SetProxy(w http.ResponseWriter, r *http.Request) {
	var cfg models.ProxyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	// Validation failures are the caller's fault, not a state conflict.
	if err := proxycfg.ValidateConfig(&cfg); err != nil {
		writeError(w, err)
		return
	}

	result := h.proxies.SetProxy(r.Context(), mux.Vars(r)["id"], &cfg)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}
