package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/stripesync/pkg/billing"
)

// SyncStats counts the entities pulled during a backfill sync.
type SyncStats struct {
	Customers     int `json:"customers"`
	Products      int `json:"products"`
	Prices        int `json:"prices"`
	Subscriptions int `json:"subscriptions"`
}

// SyncAll pulls customers, products, prices and subscriptions from the
// Stripe API and funnels each object through the same upsert path webhook
// events take, so push and pull normalize identically. Products and
// customers sync first, concurrently, so prices and subscriptions can
// resolve their references.
func (p *Provider) SyncAll(ctx context.Context) (*SyncStats, error) {
	if p.stripeClient == nil {
		return nil, fmt.Errorf("%w: API key not set", billing.ErrProviderNotConfigured)
	}

	startTime := time.Now()
	stats := &SyncStats{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := p.syncCustomers(gctx)
		stats.Customers = n
		return err
	})
	g.Go(func() error {
		n, err := p.syncProducts(gctx)
		stats.Products = n
		return err
	})
	if err := g.Wait(); err != nil {
		p.metrics.RecordSyncDuration(time.Since(startTime))
		return stats, err
	}

	n, err := p.syncPrices(ctx)
	stats.Prices = n
	if err != nil {
		p.metrics.RecordSyncDuration(time.Since(startTime))
		return stats, err
	}

	n, err = p.syncSubscriptions(ctx)
	stats.Subscriptions = n
	p.metrics.RecordSyncDuration(time.Since(startTime))
	if err != nil {
		return stats, err
	}

	p.logger.Info("backfill sync completed",
		billing.F("customers", stats.Customers),
		billing.F("products", stats.Products),
		billing.F("prices", stats.Prices),
		billing.F("subscriptions", stats.Subscriptions),
		billing.F("duration", time.Since(startTime).String()))
	return stats, nil
}

// syncOne reserializes a fetched API object and pushes it through the same
// payload decode and upsert path used for webhook events, in its own
// transaction.
func (p *Provider) syncOne(
	ctx context.Context,
	kind billing.EntityKind,
	obj any,
	apply func(ctx context.Context, tx billing.Tx, raw json.RawMessage) ([]billing.EntityRef, error),
) error {
	raw, err := json.Marshal(obj)
	if err != nil {
		p.metrics.RecordSync(kind, "error")
		return fmt.Errorf("failed to serialize %s: %w", kind, err)
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		p.metrics.RecordSync(kind, "error")
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := apply(ctx, tx, raw); err != nil {
		p.metrics.RecordSync(kind, "error")
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		p.metrics.RecordSync(kind, "error")
		return err
	}
	p.metrics.RecordSync(kind, "success")
	return nil
}

func (p *Provider) syncCustomers(ctx context.Context) (int, error) {
	count := 0
	for cust, err := range p.stripeClient.V1Customers.List(ctx, &stripe.CustomerListParams{}) {
		if err != nil {
			return count, fmt.Errorf("%w: failed to list customers: %v", billing.ErrProviderAPIError, err)
		}
		err = p.syncOne(ctx, billing.KindCustomer, cust,
			func(ctx context.Context, tx billing.Tx, raw json.RawMessage) ([]billing.EntityRef, error) {
				var pl customerPayload
				if err := decodePayload(raw, &pl); err != nil {
					return nil, err
				}
				return p.applyCustomer(ctx, tx, &pl)
			})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (p *Provider) syncProducts(ctx context.Context) (int, error) {
	count := 0
	for prod, err := range p.stripeClient.V1Products.List(ctx, &stripe.ProductListParams{}) {
		if err != nil {
			return count, fmt.Errorf("%w: failed to list products: %v", billing.ErrProviderAPIError, err)
		}
		err = p.syncOne(ctx, billing.KindProduct, prod,
			func(ctx context.Context, tx billing.Tx, raw json.RawMessage) ([]billing.EntityRef, error) {
				var pl productPayload
				if err := decodePayload(raw, &pl); err != nil {
					return nil, err
				}
				return p.applyProduct(ctx, tx, &pl)
			})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (p *Provider) syncPrices(ctx context.Context) (int, error) {
	count := 0
	for price, err := range p.stripeClient.V1Prices.List(ctx, &stripe.PriceListParams{}) {
		if err != nil {
			return count, fmt.Errorf("%w: failed to list prices: %v", billing.ErrProviderAPIError, err)
		}
		err = p.syncOne(ctx, billing.KindPrice, price,
			func(ctx context.Context, tx billing.Tx, raw json.RawMessage) ([]billing.EntityRef, error) {
				var pl pricePayload
				if err := decodePayload(raw, &pl); err != nil {
					return nil, err
				}
				return p.applyPrice(ctx, tx, &pl)
			})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (p *Provider) syncSubscriptions(ctx context.Context) (int, error) {
	params := &stripe.SubscriptionListParams{}
	params.Status = stripe.String("all")

	count := 0
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return count, fmt.Errorf("%w: failed to list subscriptions: %v", billing.ErrProviderAPIError, err)
		}
		err = p.syncOne(ctx, billing.KindSubscription, sub,
			func(ctx context.Context, tx billing.Tx, raw json.RawMessage) ([]billing.EntityRef, error) {
				var pl subscriptionPayload
				if err := decodePayload(raw, &pl); err != nil {
					return nil, err
				}
				return p.applySubscription(ctx, tx, &pl)
			})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
