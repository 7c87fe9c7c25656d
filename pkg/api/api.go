// Package api exposes the synchronizer over HTTP: the webhook endpoint, the
// plan-history view, manual backfill sync, health and metrics.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/stripesync/pkg/billing"
	"github.com/mihaimyh/stripesync/pkg/billing/history"
	"github.com/mihaimyh/stripesync/pkg/billing/stripe"
)

// Syncer runs a backfill pull against the provider.
type Syncer interface {
	SyncAll(ctx context.Context) (*stripe.SyncStats, error)
}

// Config holds the API handler dependencies. Store, Webhook and History are
// required; Syncer and MetricsHandler are optional.
type Config struct {
	Store   billing.Store
	Webhook http.Handler
	History *history.Aggregator
	Syncer  Syncer
	Logger  billing.Logger

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
}

// Handler provides the HTTP endpoints.
type Handler struct {
	config Config
	logger billing.Logger
}

// NewHandler creates the API handler.
func NewHandler(config Config) *Handler {
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	return &Handler{config: config, logger: logger}
}

// Router builds the chi router with all routes mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodPost, "/webhook", h.config.Webhook)
	r.Get("/customers/{stripeID}/plan-history", h.GetPlanHistory)
	r.Post("/sync", h.RunSync)
	r.Get("/healthz", h.Healthz)
	if h.config.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.config.MetricsHandler)
	}
	return r
}
