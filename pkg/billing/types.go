// Package billing defines the local billing data model and the storage
// contracts used to keep it in sync with the payment provider. Entities are
// keyed locally by a surrogate integer id and uniquely by the provider's
// external id; the external id is the idempotency key for every upsert.
package billing

import (
	"encoding/json"
	"time"
)

// EntityKind identifies a synchronized entity table for resolver lookups.
type EntityKind string

const (
	KindCustomer         EntityKind = "customer"
	KindProduct          EntityKind = "product"
	KindPrice            EntityKind = "price"
	KindSubscription     EntityKind = "subscription"
	KindSubscriptionItem EntityKind = "subscription_item"
	KindInvoice          EntityKind = "invoice"
	KindInvoiceLine      EntityKind = "invoice_line_item"
	KindInvoiceItem      EntityKind = "invoice_item"
	KindPaymentMethod    EntityKind = "payment_method"
	KindCharge           EntityKind = "charge"
	KindPaymentIntent    EntityKind = "payment_intent"
)

// EventStatus is the journal status of an inbound event.
type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusCompleted EventStatus = "completed"
	EventStatusFailed    EventStatus = "failed"
)

// ProcessingStatus is the status of one processing attempt for an event.
type ProcessingStatus string

const (
	ProcessingStarted   ProcessingStatus = "started"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
	ProcessingSkipped   ProcessingStatus = "skipped"
)

// Metadata is the provider's opaque key-value metadata map. It is persisted
// as a serialized blob, never normalized into columns.
type Metadata map[string]string

// EntityRef records one local entity touched while processing an event.
type EntityRef struct {
	Kind     EntityKind `json:"kind"`
	ID       int64      `json:"id"`
	StripeID string     `json:"stripe_id"`
}

// Customer mirrors a provider customer. Deletion is a soft status: DeletedAt
// is set, the row is never removed.
type Customer struct {
	ID         int64
	StripeID   string
	Email      string
	Name       string
	Currency   string
	Balance    int64
	TaxExempt  string
	Delinquent bool
	Address    json.RawMessage
	Metadata   Metadata
	Created    *time.Time
	DeletedAt  *time.Time
	UpdatedAt  time.Time
}

// Product is an independent entity referenced by prices.
type Product struct {
	ID          int64
	StripeID    string
	Name        string
	Description string
	Active      bool
	Metadata    Metadata
	UpdatedAt   time.Time
}

// Price references its owning product through a nullable foreign key: a
// price whose product has not been synchronized yet is stored with a null
// product reference rather than rejected.
type Price struct {
	ID                     int64
	StripeID               string
	ProductID              *int64
	Currency               string
	UnitAmount             *int64
	BillingScheme          string
	RecurringInterval      *string
	RecurringIntervalCount *int64
	LookupKey              string
	Nickname               string
	Active                 bool
	Metadata               Metadata
	UpdatedAt              time.Time
}

// Subscription requires a resolved customer; upserting a subscription whose
// customer is unknown fails the whole event.
type Subscription struct {
	ID                 int64
	StripeID           string
	CustomerID         int64
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	Created            *time.Time
	StartedAt          *time.Time
	EndedAt            *time.Time
	CanceledAt         *time.Time
	CancelAtPeriodEnd  bool
	CancellationReason string
	CollectionMethod   string
	TrialStart         *time.Time
	TrialEnd           *time.Time
	Currency           string
	Metadata           Metadata
	UpdatedAt          time.Time
}

// SubscriptionItem is upserted alongside its subscription on every
// subscription event, keyed by its own external id. Items absent from a
// later payload are left untouched, not deleted.
type SubscriptionItem struct {
	ID             int64
	StripeID       string
	SubscriptionID int64
	PriceID        *int64
	Quantity       int64
	Metadata       Metadata
	UpdatedAt      time.Time
}

// Invoice belongs to a customer and optionally to a subscription.
type Invoice struct {
	ID               int64
	StripeID         string
	CustomerID       int64
	SubscriptionID   *int64
	Status           string
	BillingReason    string
	Currency         string
	AmountDue        int64
	AmountPaid       int64
	AmountRemaining  int64
	Subtotal         int64
	Total            int64
	Tax              int64
	PeriodStart      *time.Time
	PeriodEnd        *time.Time
	Created          *time.Time
	PaidAt           *time.Time
	HostedInvoiceURL string
	InvoicePDF       string
	Metadata         Metadata
	UpdatedAt        time.Time
}

// InvoiceLineItem is one line of an invoice. The proration flag marks
// plan-change adjustments as opposed to regular subscription charges.
type InvoiceLineItem struct {
	ID                 int64
	StripeID           string
	InvoiceID          int64
	Type               string
	Description        string
	Amount             int64
	Currency           string
	Quantity           int64
	PeriodStart        *time.Time
	PeriodEnd          *time.Time
	Proration          bool
	PriceID            *int64
	SubscriptionID     *int64
	SubscriptionItemID *int64
	UpdatedAt          time.Time
}

// InvoiceItem is a standalone one-time charge or credit, independently
// addressable, optionally linked to an invoice/subscription/price.
type InvoiceItem struct {
	ID                 int64
	StripeID           string
	CustomerID         int64
	InvoiceID          *int64
	SubscriptionID     *int64
	SubscriptionItemID *int64
	PriceID            *int64
	Amount             int64
	Currency           string
	Description        string
	Proration          bool
	PeriodStart        *time.Time
	PeriodEnd          *time.Time
	Created            *time.Time
	DeletedAt          *time.Time
	Metadata           Metadata
	UpdatedAt          time.Time
}

// PaymentMethod carries card detail for a customer's attached instrument.
type PaymentMethod struct {
	ID             int64
	StripeID       string
	CustomerID     *int64
	Type           string
	CardBrand      string
	CardLast4      string
	CardExpMonth   int64
	CardExpYear    int64
	BillingDetails json.RawMessage
	Created        *time.Time
	Metadata       Metadata
	UpdatedAt      time.Time
}

// Charge is a payment-rail record linked to customer, intent and invoice.
type Charge struct {
	ID              int64
	StripeID        string
	CustomerID      *int64
	PaymentIntentID *int64
	PaymentMethodID *int64
	InvoiceID       *int64
	Amount          int64
	AmountRefunded  int64
	Currency        string
	Status          string
	Paid            bool
	Outcome         json.RawMessage
	ReceiptURL      string
	Created         *time.Time
	Metadata        Metadata
	UpdatedAt       time.Time
}

// PaymentIntent tracks an in-flight or settled payment.
type PaymentIntent struct {
	ID              int64
	StripeID        string
	CustomerID      *int64
	PaymentMethodID *int64
	InvoiceID       *int64
	Amount          int64
	AmountReceived  int64
	Currency        string
	Status          string
	Created         *time.Time
	Metadata        Metadata
	UpdatedAt       time.Time
}

// EventRecord is the append-only journal row for an inbound event. The raw
// payload is kept permanently, independent of processing outcome.
type EventRecord struct {
	ID            int64
	StripeEventID string
	EventType     string
	Created       *time.Time
	RawData       json.RawMessage
	Status        EventStatus
	ReceivedAt    time.Time
}

// EventProcessingLog is one row per processing attempt for an event,
// including which local entities the attempt created or updated.
type EventProcessingLog struct {
	ID            int64
	StripeEventID string
	EventType     string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        ProcessingStatus
	ErrorMessage  string
	EntityRefs    []EntityRef
}
