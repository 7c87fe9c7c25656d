package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/stripesync/pkg/billing"
	"github.com/mihaimyh/stripesync/storage/memory"
)

type fakeProvider struct {
	statuses map[string]string
	err      error
}

func (f *fakeProvider) SubscriptionStatus(_ context.Context, stripeID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.statuses[stripeID], nil
}

// seedStore loads a customer with an active and a canceled subscription, a
// paid invoice with a proration line, and journaled subscription events.
func seedStore(t *testing.T) *memory.Storage {
	t.Helper()
	s := memory.New()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	custID, err := tx.UpsertCustomer(ctx, &billing.Customer{
		StripeID: "cus_1", Email: "a@example.com", Name: "Ada", Currency: "usd",
	})
	require.NoError(t, err)
	prodID, err := tx.UpsertProduct(ctx, &billing.Product{StripeID: "prod_1", Name: "Pro Plan"})
	require.NoError(t, err)
	amount := int64(2500)
	priceID, err := tx.UpsertPrice(ctx, &billing.Price{
		StripeID: "price_1", ProductID: &prodID, Currency: "usd", UnitAmount: &amount,
	})
	require.NoError(t, err)

	activeID, err := tx.UpsertSubscription(ctx, &billing.Subscription{
		StripeID: "sub_active", CustomerID: custID, Status: "active",
	})
	require.NoError(t, err)
	_, err = tx.UpsertSubscriptionItem(ctx, &billing.SubscriptionItem{
		StripeID: "si_1", SubscriptionID: activeID, PriceID: &priceID, Quantity: 1,
	})
	require.NoError(t, err)

	canceledID, err := tx.UpsertSubscription(ctx, &billing.Subscription{
		StripeID: "sub_old", CustomerID: custID, Status: "canceled",
	})
	require.NoError(t, err)
	_, err = tx.UpsertSubscriptionItem(ctx, &billing.SubscriptionItem{
		StripeID: "si_old", SubscriptionID: canceledID, PriceID: &priceID, Quantity: 1,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	invID, err := tx.UpsertInvoice(ctx, &billing.Invoice{
		StripeID: "in_1", CustomerID: custID, Status: "paid", Currency: "USD",
		Total: 3000, AmountPaid: 3000, PaidAt: &now,
	})
	require.NoError(t, err)
	_, err = tx.UpsertInvoiceLineItem(ctx, &billing.InvoiceLineItem{
		StripeID: "il_1", InvoiceID: invID, Amount: 2500, Currency: "USD", Quantity: 1,
	})
	require.NoError(t, err)
	_, err = tx.UpsertInvoiceLineItem(ctx, &billing.InvoiceLineItem{
		StripeID: "il_2", InvoiceID: invID, Amount: 500, Currency: "USD",
		Quantity: 1, Proration: true, Description: "Remaining time on Pro Plan",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	for _, ev := range []struct{ id, typ string }{
		{"evt_1", "customer.subscription.created"},
		{"evt_2", "customer.subscription.updated"},
	} {
		_, err = s.RecordEvent(ctx, &billing.EventRecord{
			StripeEventID: ev.id,
			EventType:     ev.typ,
			RawData:       json.RawMessage(`{"data":{"object":{"customer":"cus_1"}}}`),
		})
		require.NoError(t, err)
	}
	return s
}

func TestCustomerHistory_FullReport(t *testing.T) {
	s := seedStore(t)
	agg, err := New(Config{
		Store:    s,
		Provider: &fakeProvider{statuses: map[string]string{"sub_active": "active", "sub_old": "canceled"}},
	})
	require.NoError(t, err)

	report, err := agg.CustomerHistory(context.Background(), "cus_1")
	require.NoError(t, err)

	assert.True(t, report.ProviderEnriched)
	assert.Equal(t, "cus_1", report.CustomerStripeID)

	require.Len(t, report.CurrentPlans, 1, "only active subscription plans are current")
	assert.Equal(t, "Pro Plan", report.CurrentPlans[0].ProductName)

	require.Len(t, report.Subscriptions, 2, "all subscriptions ever appear")
	for _, sub := range report.Subscriptions {
		assert.NotEmpty(t, sub.LiveStatus)
	}

	require.Len(t, report.Invoices, 1)
	assert.Len(t, report.Invoices[0].Lines, 2)

	require.Len(t, report.Prorations, 1)
	assert.Equal(t, int64(500), report.Prorations[0].Amount)
	assert.Equal(t, "in_1", report.Prorations[0].InvoiceStripeID)

	assert.Equal(t, int64(3000), report.TotalPaid["USD"])
	assert.Len(t, report.Timeline, 2)
}

func TestCustomerHistory_DegradesWithoutProvider(t *testing.T) {
	s := seedStore(t)
	agg, err := New(Config{Store: s})
	require.NoError(t, err)

	report, err := agg.CustomerHistory(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.False(t, report.ProviderEnriched)
	for _, sub := range report.Subscriptions {
		assert.Empty(t, sub.LiveStatus)
	}
}

func TestCustomerHistory_DegradesOnProviderError(t *testing.T) {
	s := seedStore(t)
	agg, err := New(Config{
		Store:    s,
		Provider: &fakeProvider{err: errors.New("api unreachable")},
	})
	require.NoError(t, err)

	report, err := agg.CustomerHistory(context.Background(), "cus_1")
	require.NoError(t, err, "provider failure must not fail the report")
	assert.False(t, report.ProviderEnriched)
}

func TestCustomerHistory_NotFound(t *testing.T) {
	agg, err := New(Config{Store: memory.New()})
	require.NoError(t, err)

	_, err = agg.CustomerHistory(context.Background(), "cus_missing")
	assert.ErrorIs(t, err, billing.ErrEntityNotFound)
}

func TestCustomerHistoryByEmail(t *testing.T) {
	s := seedStore(t)
	agg, err := New(Config{Store: s})
	require.NoError(t, err)

	report, err := agg.CustomerHistoryByEmail(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", report.CustomerStripeID)
}
