package billing

import (
	"context"
	"time"
)

// Upserter is the write surface of the synchronizer: one idempotent upsert
// per entity kind. Each call inserts the row if the external id is new,
// otherwise updates the full set of mutable fields (never the external id or
// creation timestamp) and refreshes the updated-at marker. The local
// surrogate id is returned either way.
//
// Persistence errors propagate to the caller unwrapped in meaning: the
// upserts never swallow them. It is the dispatcher's job to catch, roll
// back, and log.
type Upserter interface {
	UpsertCustomer(ctx context.Context, c *Customer) (int64, error)
	UpsertProduct(ctx context.Context, p *Product) (int64, error)
	UpsertPrice(ctx context.Context, p *Price) (int64, error)
	UpsertSubscription(ctx context.Context, s *Subscription) (int64, error)
	UpsertSubscriptionItem(ctx context.Context, it *SubscriptionItem) (int64, error)
	UpsertInvoice(ctx context.Context, inv *Invoice) (int64, error)
	UpsertInvoiceLineItem(ctx context.Context, line *InvoiceLineItem) (int64, error)
	UpsertInvoiceItem(ctx context.Context, it *InvoiceItem) (int64, error)
	UpsertPaymentMethod(ctx context.Context, pm *PaymentMethod) (int64, error)
	UpsertCharge(ctx context.Context, ch *Charge) (int64, error)
	UpsertPaymentIntent(ctx context.Context, pi *PaymentIntent) (int64, error)
}

// Resolver maps an external id to a local surrogate key. Pure read, no side
// effects. Returns ErrEntityNotFound when there is no match.
type Resolver interface {
	Resolve(ctx context.Context, kind EntityKind, stripeID string) (int64, error)
}

// Tx scopes all writes triggered by one event to a single transaction. The
// upserts and the completed-status update of the processing log either all
// commit or all roll back together.
type Tx interface {
	Resolver
	Upserter

	// MarkCompleted updates the processing-log row to completed with the
	// entity refs touched by the handler. Committed atomically with the
	// upserts of the same transaction.
	MarkCompleted(ctx context.Context, logID int64, refs []EntityRef) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PlanDetail is a subscription item joined with its price and product, as
// consumed by the plan-history aggregator.
type PlanDetail struct {
	ItemStripeID           string
	Quantity               int64
	PriceStripeID          string
	UnitAmount             *int64
	Currency               string
	RecurringInterval      *string
	RecurringIntervalCount *int64
	LookupKey              string
	Nickname               string
	ProductStripeID        string
	ProductName            string
	ProductDescription     string
}

// InvoiceLineDetail is an invoice line joined with its price and product.
type InvoiceLineDetail struct {
	LineStripeID    string
	Type            string
	Description     string
	Amount          int64
	Currency        string
	Quantity        int64
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
	Proration       bool
	PriceStripeID   string
	LookupKey       string
	ProductName     string
	SubscriptionRef string
}

// Store is the persistence contract for the synchronizer. The journal and
// processing-log writes outside Tx commit independently of any event
// transaction: a journal entry and a started/failed log row survive a
// rollback of the event's business effects.
type Store interface {
	Resolver

	// Begin opens the transaction that scopes one event's business writes.
	Begin(ctx context.Context) (Tx, error)

	// RecordEvent journals an inbound event before business processing.
	// First write wins: if the external event id is already journaled, the
	// existing row is untouched and ErrDuplicateEvent is returned so the
	// caller skips business processing.
	RecordEvent(ctx context.Context, ev *EventRecord) (int64, error)

	// MarkEventStatus updates the journal row's final processing status.
	MarkEventStatus(ctx context.Context, journalID int64, status EventStatus) error

	// StartProcessing writes a "started" processing-log row for an attempt.
	StartProcessing(ctx context.Context, stripeEventID, eventType string) (int64, error)

	// MarkFailed updates a processing-log row to failed with the error
	// message. Committed on its own so it survives the event rollback.
	MarkFailed(ctx context.Context, logID int64, errMsg string) error

	// MarkSkipped records a skipped attempt (duplicate delivery).
	MarkSkipped(ctx context.Context, logID int64) error

	// Reads for the plan-history aggregator.
	GetCustomerByStripeID(ctx context.Context, stripeID string) (*Customer, error)
	GetCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	ListSubscriptionsByCustomer(ctx context.Context, customerID int64) ([]*Subscription, error)
	ListSubscriptionPlans(ctx context.Context, subscriptionID int64) ([]*PlanDetail, error)
	ListInvoicesByCustomer(ctx context.Context, customerID int64) ([]*Invoice, error)
	ListInvoiceLines(ctx context.Context, invoiceID int64) ([]*InvoiceLineDetail, error)
	ListInvoiceItemsByCustomer(ctx context.Context, customerID int64) ([]*InvoiceItem, error)

	// ListCustomerEvents returns journaled events whose payload references
	// the given external customer id, newest first.
	ListCustomerEvents(ctx context.Context, customerStripeID string, eventTypes []string) ([]*EventRecord, error)

	Ping(ctx context.Context) error
	Close()
}
