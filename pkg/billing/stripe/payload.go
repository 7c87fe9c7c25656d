package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/stripesync/pkg/billing"
)

// objectRef is a field Stripe serializes either as a plain id string or as an
// expanded object. Only the id is kept either way.
type objectRef struct {
	ID string
}

func (r *objectRef) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		r.ID = ""
		return nil
	}
	if strings.HasPrefix(string(b), `"`) {
		return json.Unmarshal(b, &r.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("invalid object reference: %w", err)
	}
	r.ID = obj.ID
	return nil
}

// unixOrNil converts epoch seconds to a UTC timestamp, mapping the zero epoch
// to nil rather than 1970-01-01.
func unixOrNil(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

type customerPayload struct {
	ID         string           `json:"id"`
	Email      string           `json:"email"`
	Name       string           `json:"name"`
	Currency   string           `json:"currency"`
	Balance    int64            `json:"balance"`
	TaxExempt  string           `json:"tax_exempt"`
	Delinquent bool             `json:"delinquent"`
	Address    json.RawMessage  `json:"address"`
	Metadata   billing.Metadata `json:"metadata"`
	Created    int64            `json:"created"`
	Deleted    bool             `json:"deleted"`
}

type productPayload struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Active      bool             `json:"active"`
	Metadata    billing.Metadata `json:"metadata"`
}

type recurringPayload struct {
	Interval      string `json:"interval"`
	IntervalCount int64  `json:"interval_count"`
}

type pricePayload struct {
	ID            string            `json:"id"`
	Product       objectRef         `json:"product"`
	Currency      string            `json:"currency"`
	UnitAmount    *int64            `json:"unit_amount"`
	BillingScheme string            `json:"billing_scheme"`
	Recurring     *recurringPayload `json:"recurring"`
	LookupKey     string            `json:"lookup_key"`
	Nickname      string            `json:"nickname"`
	Active        bool              `json:"active"`
	Metadata      billing.Metadata  `json:"metadata"`
}

type subscriptionItemPayload struct {
	ID           string           `json:"id"`
	Subscription string           `json:"subscription"`
	Price        *pricePayload    `json:"price"`
	Quantity     int64            `json:"quantity"`
	Metadata     billing.Metadata `json:"metadata"`
}

type cancellationDetailsPayload struct {
	Reason string `json:"reason"`
}

type subscriptionPayload struct {
	ID                  string                      `json:"id"`
	Customer            objectRef                   `json:"customer"`
	Status              string                      `json:"status"`
	CurrentPeriodStart  int64                       `json:"current_period_start"`
	CurrentPeriodEnd    int64                       `json:"current_period_end"`
	Created             int64                       `json:"created"`
	StartDate           int64                       `json:"start_date"`
	EndedAt             int64                       `json:"ended_at"`
	CanceledAt          int64                       `json:"canceled_at"`
	CancelAtPeriodEnd   bool                        `json:"cancel_at_period_end"`
	CancellationDetails *cancellationDetailsPayload `json:"cancellation_details"`
	CollectionMethod    string                      `json:"collection_method"`
	TrialStart          int64                       `json:"trial_start"`
	TrialEnd            int64                       `json:"trial_end"`
	Currency            string                      `json:"currency"`
	Metadata            billing.Metadata            `json:"metadata"`
	Items               struct {
		Data []subscriptionItemPayload `json:"data"`
	} `json:"items"`
}

type periodPayload struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type invoiceLinePayload struct {
	ID               string        `json:"id"`
	Type             string        `json:"type"`
	Description      string        `json:"description"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	Quantity         int64         `json:"quantity"`
	Period           periodPayload `json:"period"`
	Proration        bool          `json:"proration"`
	Price            *pricePayload `json:"price"`
	Subscription     objectRef     `json:"subscription"`
	SubscriptionItem string        `json:"subscription_item"`
}

type invoicePayload struct {
	ID                string    `json:"id"`
	Customer          objectRef `json:"customer"`
	Subscription      objectRef `json:"subscription"`
	Status            string    `json:"status"`
	BillingReason     string    `json:"billing_reason"`
	Currency          string    `json:"currency"`
	AmountDue         int64     `json:"amount_due"`
	AmountPaid        int64     `json:"amount_paid"`
	AmountRemaining   int64     `json:"amount_remaining"`
	Subtotal          int64     `json:"subtotal"`
	Total             int64     `json:"total"`
	Tax               int64     `json:"tax"`
	PeriodStart       int64     `json:"period_start"`
	PeriodEnd         int64     `json:"period_end"`
	Created           int64     `json:"created"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	HostedInvoiceURL string           `json:"hosted_invoice_url"`
	InvoicePDF       string           `json:"invoice_pdf"`
	Metadata         billing.Metadata `json:"metadata"`
	Lines            struct {
		Data []invoiceLinePayload `json:"data"`
	} `json:"lines"`
}

type invoiceItemPayload struct {
	ID               string           `json:"id"`
	Customer         objectRef        `json:"customer"`
	Invoice          objectRef        `json:"invoice"`
	Subscription     objectRef        `json:"subscription"`
	SubscriptionItem string           `json:"subscription_item"`
	Price            *pricePayload    `json:"price"`
	Amount           int64            `json:"amount"`
	Currency         string           `json:"currency"`
	Description      string           `json:"description"`
	Proration        bool             `json:"proration"`
	Period           periodPayload    `json:"period"`
	Date             int64            `json:"date"`
	Metadata         billing.Metadata `json:"metadata"`
}

type cardPayload struct {
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int64  `json:"exp_month"`
	ExpYear  int64  `json:"exp_year"`
}

type paymentMethodPayload struct {
	ID             string           `json:"id"`
	Customer       objectRef        `json:"customer"`
	Type           string           `json:"type"`
	Card           *cardPayload     `json:"card"`
	BillingDetails json.RawMessage  `json:"billing_details"`
	Created        int64            `json:"created"`
	Metadata       billing.Metadata `json:"metadata"`
}

type chargePayload struct {
	ID             string           `json:"id"`
	Customer       objectRef        `json:"customer"`
	PaymentIntent  objectRef        `json:"payment_intent"`
	PaymentMethod  objectRef        `json:"payment_method"`
	Invoice        objectRef        `json:"invoice"`
	Amount         int64            `json:"amount"`
	AmountRefunded int64            `json:"amount_refunded"`
	Currency       string           `json:"currency"`
	Status         string           `json:"status"`
	Paid           bool             `json:"paid"`
	Outcome        json.RawMessage  `json:"outcome"`
	ReceiptURL     string           `json:"receipt_url"`
	Created        int64            `json:"created"`
	Metadata       billing.Metadata `json:"metadata"`
}

type paymentIntentPayload struct {
	ID             string           `json:"id"`
	Customer       objectRef        `json:"customer"`
	PaymentMethod  objectRef        `json:"payment_method"`
	Invoice        objectRef        `json:"invoice"`
	Amount         int64            `json:"amount"`
	AmountReceived int64            `json:"amount_received"`
	Currency       string           `json:"currency"`
	Status         string           `json:"status"`
	Created        int64            `json:"created"`
	Metadata       billing.Metadata `json:"metadata"`
}

func decodePayload(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return nil
}
