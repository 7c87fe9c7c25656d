// Package stripe synchronizes the local billing state with Stripe. Inbound
// webhook events drive the usual flow; a backfill sync can pull the same
// entities through the Stripe API and funnel them through the same upserts.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/stripesync/pkg/billing"
	"github.com/mihaimyh/stripesync/pkg/internal"
)

const (
	defaultMaxBodyBytes      = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config holds the Stripe provider configuration. Store is required; the API
// key is only needed for backfill sync and live lookups, webhook handling
// works without it.
type Config struct {
	APIKey        string
	WebhookSecret string

	Store   billing.Store
	Logger  billing.Logger
	Metrics billing.Metrics

	// MaxBodyBytes caps the webhook request body. Zero means the default.
	MaxBodyBytes int64

	// Rate limiting for the webhook endpoint. Zero values mean the defaults.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Provider receives Stripe webhook events and keeps the local billing state
// in sync with them.
type Provider struct {
	store         billing.Store
	stripeClient  *stripe.Client
	webhookSecret []byte
	logger        billing.Logger
	metrics       billing.Metrics
	maxBodyBytes  int64
	rateLimiter   *internal.RateLimiter
}

// NewProvider creates a new Stripe provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("%w: store is required", billing.ErrProviderNotConfigured)
	}

	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	var client *stripe.Client
	if apiKey := strings.TrimSpace(config.APIKey); apiKey != "" {
		client = stripe.NewClient(apiKey)
	}

	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	rlRequests := config.RateLimitRequests
	if rlRequests <= 0 {
		rlRequests = defaultRateLimitRequests
	}
	rlWindow := config.RateLimitWindow
	if rlWindow <= 0 {
		rlWindow = defaultRateLimitWindow
	}

	return &Provider{
		store:         config.Store,
		stripeClient:  client,
		webhookSecret: []byte(strings.TrimSpace(config.WebhookSecret)),
		logger:        logger,
		metrics:       metrics,
		maxBodyBytes:  maxBody,
		rateLimiter:   internal.NewRateLimiter(rlRequests, rlWindow),
	}, nil
}

// WebhookHandler returns the HTTP handler for the webhook endpoint, wrapped
// with per-IP rate limiting.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// SubscriptionStatus looks up the live status of a subscription at Stripe.
func (p *Provider) SubscriptionStatus(ctx context.Context, stripeID string) (string, error) {
	if p.stripeClient == nil {
		return "", billing.ErrProviderNotConfigured
	}
	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, stripeID, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	return string(sub.Status), nil
}
