package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/stripesync/pkg/billing"
	"github.com/mihaimyh/stripesync/pkg/internal"
)

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// GetPlanHistory serves the plan-history report for one customer. The path
// parameter is the customer's external id; an address containing "@" is
// treated as an email lookup.
func (h *Handler) GetPlanHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := chi.URLParam(r, "stripeID")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "customer id is required")
		return
	}

	var report any
	var err error
	if strings.Contains(id, "@") {
		report, err = h.config.History.CustomerHistoryByEmail(ctx, id)
	} else {
		report, err = h.config.History.CustomerHistory(ctx, id)
	}
	if errors.Is(err, billing.ErrEntityNotFound) {
		h.writeError(w, http.StatusNotFound, "customer not found")
		return
	}
	if err != nil {
		h.logger.Error("plan history failed",
			billing.F("customer", id),
			billing.F("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "failed to build plan history")
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   report,
	})
}

// RunSync triggers a backfill pull from the provider.
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) {
	if h.config.Syncer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "sync not configured")
		return
	}

	stats, err := h.config.Syncer.SyncAll(r.Context())
	if errors.Is(err, billing.ErrProviderNotConfigured) {
		h.writeError(w, http.StatusServiceUnavailable, "provider API key not configured")
		return
	}
	if err != nil {
		h.logger.Error("backfill sync failed",
			billing.F("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   stats,
	})
}

// Healthz reports storage reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Store.Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	_ = internal.WriteJSON(w, code, errorResponse{Status: "error", Error: msg})
}
