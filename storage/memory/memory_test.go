package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/stripesync/pkg/billing"
)

func TestUpsertCustomer_Idempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	id1, err := tx.UpsertCustomer(ctx, &billing.Customer{StripeID: "cus_1", Email: "a@example.com"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	id2, err := tx.UpsertCustomer(ctx, &billing.Customer{StripeID: "cus_1", Email: "b@example.com"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, id1, id2, "same external id must keep the same surrogate id")

	c, err := s.GetCustomerByStripeID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", c.Email, "second upsert must update mutable fields")
}

func TestResolve_NotFound(t *testing.T) {
	s := New()
	_, err := s.Resolve(context.Background(), billing.KindCustomer, "cus_missing")
	assert.ErrorIs(t, err, billing.ErrEntityNotFound)
}

func TestUpsertSubscription_RequiresCustomer(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.UpsertSubscription(ctx, &billing.Subscription{StripeID: "sub_1"})
	assert.ErrorIs(t, err, billing.ErrCustomerRequired)
}

func TestTx_RollbackDiscardsWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	custID, err := tx.UpsertCustomer(ctx, &billing.Customer{StripeID: "cus_1"})
	require.NoError(t, err)
	_, err = tx.UpsertSubscription(ctx, &billing.Subscription{StripeID: "sub_1", CustomerID: custID})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	_, err = s.Resolve(ctx, billing.KindCustomer, "cus_1")
	assert.ErrorIs(t, err, billing.ErrEntityNotFound)
	_, err = s.Resolve(ctx, billing.KindSubscription, "sub_1")
	assert.ErrorIs(t, err, billing.ErrEntityNotFound)
}

func TestTx_CommitAppliesAllWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	custID, err := tx.UpsertCustomer(ctx, &billing.Customer{StripeID: "cus_1"})
	require.NoError(t, err)
	_, err = tx.UpsertSubscription(ctx, &billing.Subscription{StripeID: "sub_1", CustomerID: custID})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	subID, err := s.Resolve(ctx, billing.KindSubscription, "sub_1")
	require.NoError(t, err)
	assert.NotZero(t, subID)
}

func TestRecordEvent_DuplicateDetection(t *testing.T) {
	s := New()
	ctx := context.Background()

	ev := &billing.EventRecord{
		StripeEventID: "evt_1",
		EventType:     "customer.created",
		RawData:       json.RawMessage(`{}`),
	}
	id1, err := s.RecordEvent(ctx, ev)
	require.NoError(t, err)

	// A pending row is handed back for another attempt, not skipped.
	id2, err := s.RecordEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	require.NoError(t, s.MarkEventStatus(ctx, id1, billing.EventStatusCompleted))
	id3, err := s.RecordEvent(ctx, ev)
	assert.ErrorIs(t, err, billing.ErrDuplicateEvent)
	assert.Equal(t, id1, id3, "duplicate must report the original journal row")

	require.NoError(t, s.MarkEventStatus(ctx, id1, billing.EventStatusFailed))
	id4, err := s.RecordEvent(ctx, ev)
	require.NoError(t, err, "failed row must be retryable")
	assert.Equal(t, id1, id4)
}

func TestProcessingLog_FailureSurvivesRollback(t *testing.T) {
	s := New()
	ctx := context.Background()

	logID, err := s.StartProcessing(ctx, "evt_1", "customer.subscription.created")
	require.NoError(t, err)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.UpsertCustomer(ctx, &billing.Customer{StripeID: "cus_1"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	require.NoError(t, s.MarkFailed(ctx, logID, "customer cus_x not synchronized"))

	s.mu.RLock()
	log := s.state.logs[logID]
	s.mu.RUnlock()
	require.NotNil(t, log)
	assert.Equal(t, billing.ProcessingFailed, log.Status)
	assert.NotEmpty(t, log.ErrorMessage)
	assert.NotNil(t, log.CompletedAt)
}

func TestMarkCompleted_CommitsWithEntityWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	logID, err := s.StartProcessing(ctx, "evt_1", "customer.created")
	require.NoError(t, err)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	custID, err := tx.UpsertCustomer(ctx, &billing.Customer{StripeID: "cus_1"})
	require.NoError(t, err)
	refs := []billing.EntityRef{{Kind: billing.KindCustomer, ID: custID, StripeID: "cus_1"}}
	require.NoError(t, tx.MarkCompleted(ctx, logID, refs))
	require.NoError(t, tx.Commit(ctx))

	s.mu.RLock()
	log := s.state.logs[logID]
	s.mu.RUnlock()
	require.NotNil(t, log)
	assert.Equal(t, billing.ProcessingCompleted, log.Status)
	assert.Equal(t, refs, log.EntityRefs)
}

func TestListCustomerEvents_FiltersByPayloadReference(t *testing.T) {
	s := New()
	ctx := context.Background()

	mk := func(id, typ, customer string) *billing.EventRecord {
		return &billing.EventRecord{
			StripeEventID: id,
			EventType:     typ,
			RawData:       json.RawMessage(`{"data":{"object":{"customer":"` + customer + `"}}}`),
		}
	}
	_, err := s.RecordEvent(ctx, mk("evt_1", "customer.subscription.created", "cus_1"))
	require.NoError(t, err)
	_, err = s.RecordEvent(ctx, mk("evt_2", "customer.subscription.updated", "cus_1"))
	require.NoError(t, err)
	_, err = s.RecordEvent(ctx, mk("evt_3", "customer.subscription.created", "cus_2"))
	require.NoError(t, err)
	_, err = s.RecordEvent(ctx, mk("evt_4", "invoice.paid", "cus_1"))
	require.NoError(t, err)

	events, err := s.ListCustomerEvents(ctx, "cus_1",
		[]string{"customer.subscription.created", "customer.subscription.updated"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Contains(t, ev.EventType, "customer.subscription.")
	}
}

func TestListSubscriptionPlans_JoinsPriceAndProduct(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	custID, err := tx.UpsertCustomer(ctx, &billing.Customer{StripeID: "cus_1"})
	require.NoError(t, err)
	prodID, err := tx.UpsertProduct(ctx, &billing.Product{StripeID: "prod_1", Name: "Pro Plan"})
	require.NoError(t, err)
	amount := int64(2500)
	priceID, err := tx.UpsertPrice(ctx, &billing.Price{
		StripeID:   "price_1",
		ProductID:  &prodID,
		Currency:   "usd",
		UnitAmount: &amount,
	})
	require.NoError(t, err)
	subID, err := tx.UpsertSubscription(ctx, &billing.Subscription{
		StripeID:   "sub_1",
		CustomerID: custID,
		Status:     "active",
	})
	require.NoError(t, err)
	_, err = tx.UpsertSubscriptionItem(ctx, &billing.SubscriptionItem{
		StripeID:       "si_1",
		SubscriptionID: subID,
		PriceID:        &priceID,
		Quantity:       2,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	plans, err := s.ListSubscriptionPlans(ctx, subID)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "si_1", plans[0].ItemStripeID)
	assert.Equal(t, "price_1", plans[0].PriceStripeID)
	assert.Equal(t, "Pro Plan", plans[0].ProductName)
	assert.Equal(t, int64(2), plans[0].Quantity)
	require.NotNil(t, plans[0].UnitAmount)
	assert.Equal(t, int64(2500), *plans[0].UnitAmount)
	assert.Equal(t, "USD", plans[0].Currency)
}

func TestUpsertCurrency_Uppercased(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.UpsertCustomer(ctx, &billing.Customer{StripeID: "cus_1", Currency: "eur"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	c, err := s.GetCustomerByStripeID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "EUR", c.Currency)
}
