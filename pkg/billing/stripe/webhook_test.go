package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/stripesync/pkg/billing"
	"github.com/mihaimyh/stripesync/storage/memory"
)

const testWebhookSecret = "whsec_test_secret"

func newTestProvider(t *testing.T) (*Provider, *memory.Storage) {
	t.Helper()
	store := memory.New()
	provider, err := NewProvider(Config{
		WebhookSecret: testWebhookSecret,
		Store:         store,
	})
	require.NoError(t, err)
	return provider, store
}

// eventBody builds a webhook event envelope around an object payload. The
// envelope carries the SDK's pinned API version so signature construction
// does not reject it as a version mismatch.
func eventBody(eventID, eventType, object string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"object":"event","api_version":%q,"type":%q,"created":%d,"data":{"object":%s}}`,
		eventID, stripe.APIVersion, eventType, time.Now().Unix(), object))
}

// signature computes a valid Stripe-Signature header for the payload.
func signature(payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func deliver(t *testing.T, p *Provider, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", signature(body))
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func TestWebhook_InvalidSignature(t *testing.T) {
	p, store := newTestProvider(t)

	body := eventBody("evt_1", "customer.created", `{"id":"cus_1"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Nothing was journaled: inserting the same event id must not collide.
	_, err := store.RecordEvent(context.Background(), &billing.EventRecord{
		StripeEventID: "evt_1",
		EventType:     "customer.created",
		RawData:       body,
	})
	assert.NoError(t, err)
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	p, _ := newTestProvider(t)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhook_CustomerCreated(t *testing.T) {
	p, store := newTestProvider(t)

	body := eventBody("evt_1", "customer.created",
		`{"id":"cus_1","email":"a@example.com","name":"Ada","currency":"usd","created":1700000000}`)
	rec := deliver(t, p, body)
	require.Equal(t, http.StatusOK, rec.Code)

	c, err := store.GetCustomerByStripeID(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", c.Email)
	assert.Equal(t, "USD", c.Currency)
	require.NotNil(t, c.Created)
	assert.Equal(t, int64(1700000000), c.Created.Unix())
}

func TestWebhook_DuplicateDelivery(t *testing.T) {
	p, store := newTestProvider(t)
	ctx := context.Background()

	body := eventBody("evt_1", "customer.created", `{"id":"cus_1","email":"first@example.com"}`)
	rec := deliver(t, p, body)
	require.Equal(t, http.StatusOK, rec.Code)

	// Redelivery with the same event id carries a conflicting payload. It
	// must be acknowledged without reprocessing.
	redelivery := eventBody("evt_1", "customer.created", `{"id":"cus_1","email":"second@example.com"}`)
	rec = deliver(t, p, redelivery)
	require.Equal(t, http.StatusOK, rec.Code)

	c, err := store.GetCustomerByStripeID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "first@example.com", c.Email, "duplicate delivery must not change state")
}

func TestWebhook_SubscriptionBeforeCustomerFails(t *testing.T) {
	p, store := newTestProvider(t)
	ctx := context.Background()

	subBody := eventBody("evt_sub", "customer.subscription.created",
		`{"id":"sub_1","customer":"cus_1","status":"active","items":{"data":[]}}`)
	rec := deliver(t, p, subBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	_, err := store.Resolve(ctx, billing.KindSubscription, "sub_1")
	assert.ErrorIs(t, err, billing.ErrEntityNotFound, "failed event must leave no entity writes")

	// Once the customer arrives, Stripe redelivers the same envelope. The
	// failed journal row must not trip the duplicate short-circuit.
	rec = deliver(t, p, eventBody("evt_cus", "customer.created", `{"id":"cus_1"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = deliver(t, p, subBody)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = store.Resolve(ctx, billing.KindSubscription, "sub_1")
	assert.NoError(t, err, "redelivery with the same event id must apply the writes")
}

func TestWebhook_SubscriptionWithItems(t *testing.T) {
	p, store := newTestProvider(t)
	ctx := context.Background()

	rec := deliver(t, p, eventBody("evt_1", "customer.created", `{"id":"cus_1"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	subObj := `{
		"id":"sub_1","customer":"cus_1","status":"active","currency":"usd",
		"current_period_start":1700000000,"current_period_end":1702592000,
		"items":{"data":[{
			"id":"si_1","subscription":"sub_1","quantity":1,
			"price":{"id":"price_1","product":"prod_1","currency":"usd","unit_amount":2500,
				"recurring":{"interval":"month","interval_count":1},"active":true}
		}]}
	}`
	rec = deliver(t, p, eventBody("evt_2", "customer.subscription.created", subObj))
	require.Equal(t, http.StatusOK, rec.Code)

	subID, err := store.Resolve(ctx, billing.KindSubscription, "sub_1")
	require.NoError(t, err)
	_, err = store.Resolve(ctx, billing.KindSubscriptionItem, "si_1")
	require.NoError(t, err)
	_, err = store.Resolve(ctx, billing.KindPrice, "price_1")
	require.NoError(t, err, "nested price object must be upserted with the item")

	plans, err := store.ListSubscriptionPlans(ctx, subID)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "price_1", plans[0].PriceStripeID)
	require.NotNil(t, plans[0].RecurringInterval)
	assert.Equal(t, "month", *plans[0].RecurringInterval)
}

func TestWebhook_OmittedItemLeftUntouched(t *testing.T) {
	p, store := newTestProvider(t)
	ctx := context.Background()

	rec := deliver(t, p, eventBody("evt_1", "customer.created", `{"id":"cus_1"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	twoItems := `{
		"id":"sub_1","customer":"cus_1","status":"active",
		"items":{"data":[
			{"id":"si_1","subscription":"sub_1","quantity":1},
			{"id":"si_2","subscription":"sub_1","quantity":3}
		]}
	}`
	rec = deliver(t, p, eventBody("evt_2", "customer.subscription.created", twoItems))
	require.Equal(t, http.StatusOK, rec.Code)

	// A later update mentions only si_1. si_2 must stay as it was.
	oneItem := `{
		"id":"sub_1","customer":"cus_1","status":"active",
		"items":{"data":[{"id":"si_1","subscription":"sub_1","quantity":5}]}
	}`
	rec = deliver(t, p, eventBody("evt_3", "customer.subscription.updated", oneItem))
	require.Equal(t, http.StatusOK, rec.Code)

	subID, err := store.Resolve(ctx, billing.KindSubscription, "sub_1")
	require.NoError(t, err)
	plans, err := store.ListSubscriptionPlans(ctx, subID)
	require.NoError(t, err)
	require.Len(t, plans, 2)

	byID := map[string]int64{}
	for _, plan := range plans {
		byID[plan.ItemStripeID] = plan.Quantity
	}
	assert.Equal(t, int64(5), byID["si_1"])
	assert.Equal(t, int64(3), byID["si_2"], "item absent from the payload must keep its previous state")
}

func TestWebhook_OutOfOrderInvoiceLastWriteWins(t *testing.T) {
	p, store := newTestProvider(t)
	ctx := context.Background()

	rec := deliver(t, p, eventBody("evt_1", "customer.created", `{"id":"cus_1"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	paid := `{"id":"in_1","customer":"cus_1","status":"paid","amount_paid":1000,"currency":"usd","lines":{"data":[]}}`
	open := `{"id":"in_1","customer":"cus_1","status":"open","amount_paid":0,"currency":"usd","lines":{"data":[]}}`

	// The "paid" state arrives first, then a stale "open" state with a
	// distinct event id. No timestamp gating: the last delivery wins.
	rec = deliver(t, p, eventBody("evt_2", "invoice.paid", paid))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = deliver(t, p, eventBody("evt_3", "invoice.created", open))
	require.Equal(t, http.StatusOK, rec.Code)

	custID, err := store.Resolve(ctx, billing.KindCustomer, "cus_1")
	require.NoError(t, err)
	invoices, err := store.ListInvoicesByCustomer(ctx, custID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "open", invoices[0].Status)
	assert.Equal(t, int64(0), invoices[0].AmountPaid)
}

func TestWebhook_InvoiceWithLines(t *testing.T) {
	p, store := newTestProvider(t)
	ctx := context.Background()

	rec := deliver(t, p, eventBody("evt_1", "customer.created", `{"id":"cus_1"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	invoice := `{
		"id":"in_1","customer":"cus_1","status":"paid","currency":"usd",
		"amount_due":3000,"amount_paid":3000,"total":3000,"subtotal":3000,
		"status_transitions":{"paid_at":1700010000},
		"lines":{"data":[
			{"id":"il_1","type":"subscription","description":"Pro Plan","amount":2500,
				"currency":"usd","quantity":1,"period":{"start":1700000000,"end":1702592000}},
			{"id":"il_2","type":"invoiceitem","description":"Remaining time","amount":500,
				"currency":"usd","quantity":1,"proration":true,
				"period":{"start":1700000000,"end":1702592000}}
		]}
	}`
	rec = deliver(t, p, eventBody("evt_2", "invoice.paid", invoice))
	require.Equal(t, http.StatusOK, rec.Code)

	invID, err := store.Resolve(ctx, billing.KindInvoice, "in_1")
	require.NoError(t, err)
	lines, err := store.ListInvoiceLines(ctx, invID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.True(t, lines[1].Proration)

	custID, err := store.Resolve(ctx, billing.KindCustomer, "cus_1")
	require.NoError(t, err)
	invoices, err := store.ListInvoicesByCustomer(ctx, custID)
	require.NoError(t, err)
	require.NotNil(t, invoices[0].PaidAt)
	assert.Equal(t, int64(1700010000), invoices[0].PaidAt.Unix())
}

func TestWebhook_InvoiceItemDeletedSoftDeletes(t *testing.T) {
	p, store := newTestProvider(t)
	ctx := context.Background()

	rec := deliver(t, p, eventBody("evt_1", "customer.created", `{"id":"cus_1"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	item := `{"id":"ii_1","customer":"cus_1","amount":500,"currency":"usd","proration":true,"period":{"start":0,"end":0}}`
	rec = deliver(t, p, eventBody("evt_2", "invoiceitem.created", item))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = deliver(t, p, eventBody("evt_3", "invoiceitem.deleted", item))
	require.Equal(t, http.StatusOK, rec.Code)

	custID, err := store.Resolve(ctx, billing.KindCustomer, "cus_1")
	require.NoError(t, err)
	items, err := store.ListInvoiceItemsByCustomer(ctx, custID)
	require.NoError(t, err)
	require.Len(t, items, 1, "deletion is a soft status, the row stays")
	assert.NotNil(t, items[0].DeletedAt)
}

func TestWebhook_CustomerDeletedSoftDeletes(t *testing.T) {
	p, store := newTestProvider(t)
	ctx := context.Background()

	rec := deliver(t, p, eventBody("evt_1", "customer.created", `{"id":"cus_1","email":"a@example.com"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = deliver(t, p, eventBody("evt_2", "customer.deleted", `{"id":"cus_1","deleted":true}`))
	require.Equal(t, http.StatusOK, rec.Code)

	c, err := store.GetCustomerByStripeID(ctx, "cus_1")
	require.NoError(t, err)
	assert.NotNil(t, c.DeletedAt)

	// A stale customer.updated delivered after the deletion must not
	// resurrect the customer.
	rec = deliver(t, p, eventBody("evt_3", "customer.updated", `{"id":"cus_1","email":"b@example.com"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	c, err = store.GetCustomerByStripeID(ctx, "cus_1")
	require.NoError(t, err)
	assert.NotNil(t, c.DeletedAt, "soft delete must be sticky")
	assert.Equal(t, "b@example.com", c.Email)
}

func TestWebhook_UnhandledTypeAcknowledged(t *testing.T) {
	p, store := newTestProvider(t)

	rec := deliver(t, p, eventBody("evt_1", "customer.tax_id.created", `{"id":"txi_1"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Journaled, but no entity side effects.
	_, err := store.RecordEvent(context.Background(), &billing.EventRecord{
		StripeEventID: "evt_1",
		EventType:     "customer.tax_id.created",
		RawData:       []byte(`{}`),
	})
	assert.ErrorIs(t, err, billing.ErrDuplicateEvent)
}

func TestWebhook_CheckoutSessionCompletedNoEffects(t *testing.T) {
	p, store := newTestProvider(t)

	rec := deliver(t, p, eventBody("evt_1", "checkout.session.completed",
		`{"id":"cs_1","customer":"cus_1","subscription":"sub_1"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err := store.Resolve(context.Background(), billing.KindCustomer, "cus_1")
	assert.ErrorIs(t, err, billing.ErrEntityNotFound)
}

func TestWebhook_PaymentFlowEntities(t *testing.T) {
	p, store := newTestProvider(t)
	ctx := context.Background()

	rec := deliver(t, p, eventBody("evt_1", "customer.created", `{"id":"cus_1"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = deliver(t, p, eventBody("evt_2", "payment_method.attached",
		`{"id":"pm_1","customer":"cus_1","type":"card","card":{"brand":"visa","last4":"4242","exp_month":12,"exp_year":2030}}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = deliver(t, p, eventBody("evt_3", "payment_intent.succeeded",
		`{"id":"pi_1","customer":"cus_1","payment_method":"pm_1","amount":2500,"amount_received":2500,"currency":"usd","status":"succeeded"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = deliver(t, p, eventBody("evt_4", "charge.succeeded",
		`{"id":"ch_1","customer":"cus_1","payment_intent":"pi_1","payment_method":"pm_1","amount":2500,"currency":"usd","status":"succeeded","paid":true}`))
	require.Equal(t, http.StatusOK, rec.Code)

	for _, ref := range []struct {
		kind billing.EntityKind
		id   string
	}{
		{billing.KindPaymentMethod, "pm_1"},
		{billing.KindPaymentIntent, "pi_1"},
		{billing.KindCharge, "ch_1"},
	} {
		_, err := store.Resolve(ctx, ref.kind, ref.id)
		assert.NoError(t, err, "expected %s %s to be synchronized", ref.kind, ref.id)
	}
}

func TestWebhook_PayloadTooLarge(t *testing.T) {
	store := memory.New()
	p, err := NewProvider(Config{
		WebhookSecret: testWebhookSecret,
		Store:         store,
		MaxBodyBytes:  64,
	})
	require.NoError(t, err)

	body := eventBody("evt_1", "customer.created",
		`{"id":"cus_1","description":"`+strings.Repeat("x", 256)+`"}`)
	rec := deliver(t, p, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUnixOrNil_ZeroEpochIsNil(t *testing.T) {
	assert.Nil(t, unixOrNil(0))
	ts := unixOrNil(1700000000)
	require.NotNil(t, ts)
	assert.Equal(t, int64(1700000000), ts.Unix())
}
