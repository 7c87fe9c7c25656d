// Package history assembles a customer's plan history from the synchronized
// billing state: current plans, every subscription with its items, invoices
// with proration detail, and a change timeline reconstructed from the event
// journal.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/stripesync/pkg/billing"
)

// Subscription event types that mark a plan change in the timeline.
var planChangeEventTypes = []string{
	"customer.subscription.created",
	"customer.subscription.updated",
	"customer.subscription.deleted",
	"invoiceitem.created",
	"invoiceitem.updated",
	"invoiceitem.deleted",
}

// ProviderClient is the live lookup surface used to cross-check local
// subscription state against the provider. Optional: a nil client degrades
// the report to local data only.
type ProviderClient interface {
	SubscriptionStatus(ctx context.Context, stripeID string) (string, error)
}

// Config holds the aggregator dependencies.
type Config struct {
	Store    billing.Store
	Provider ProviderClient
	Logger   billing.Logger
}

// Aggregator builds plan-history reports.
type Aggregator struct {
	store    billing.Store
	provider ProviderClient
	logger   billing.Logger
}

// New creates a plan-history aggregator.
func New(config Config) (*Aggregator, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	return &Aggregator{
		store:    config.Store,
		provider: config.Provider,
		logger:   logger,
	}, nil
}

// PlanEntry is one subscription item with its price and product detail.
type PlanEntry struct {
	ItemStripeID           string  `json:"item_stripe_id"`
	Quantity               int64   `json:"quantity"`
	PriceStripeID          string  `json:"price_stripe_id,omitempty"`
	UnitAmount             *int64  `json:"unit_amount,omitempty"`
	Currency               string  `json:"currency,omitempty"`
	RecurringInterval      *string `json:"recurring_interval,omitempty"`
	RecurringIntervalCount *int64  `json:"recurring_interval_count,omitempty"`
	LookupKey              string  `json:"lookup_key,omitempty"`
	Nickname               string  `json:"nickname,omitempty"`
	ProductStripeID        string  `json:"product_stripe_id,omitempty"`
	ProductName            string  `json:"product_name,omitempty"`
	ProductDescription     string  `json:"product_description,omitempty"`
}

// SubscriptionSummary is one subscription with its plans and, when the
// provider client is available, its live status.
type SubscriptionSummary struct {
	StripeID           string      `json:"stripe_id"`
	Status             string      `json:"status"`
	LiveStatus         string      `json:"live_status,omitempty"`
	CurrentPeriodStart *time.Time  `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time  `json:"current_period_end,omitempty"`
	Created            *time.Time  `json:"created,omitempty"`
	CanceledAt         *time.Time  `json:"canceled_at,omitempty"`
	CancelAtPeriodEnd  bool        `json:"cancel_at_period_end"`
	Plans              []PlanEntry `json:"plans"`
}

// InvoiceSummary is one invoice with its lines.
type InvoiceSummary struct {
	StripeID      string      `json:"stripe_id"`
	Status        string      `json:"status"`
	BillingReason string      `json:"billing_reason,omitempty"`
	Currency      string      `json:"currency"`
	Total         int64       `json:"total"`
	AmountPaid    int64       `json:"amount_paid"`
	Created       *time.Time  `json:"created,omitempty"`
	PaidAt        *time.Time  `json:"paid_at,omitempty"`
	Lines         []LineEntry `json:"lines"`
}

// LineEntry is one invoice line.
type LineEntry struct {
	StripeID    string     `json:"stripe_id"`
	Type        string     `json:"type,omitempty"`
	Description string     `json:"description,omitempty"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Quantity    int64      `json:"quantity"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	Proration   bool       `json:"proration"`
	ProductName string     `json:"product_name,omitempty"`
	LookupKey   string     `json:"lookup_key,omitempty"`
}

// ProrationEntry is a plan-change adjustment picked from invoice lines and
// standalone invoice items.
type ProrationEntry struct {
	StripeID        string     `json:"stripe_id"`
	Source          string     `json:"source"`
	Description     string     `json:"description,omitempty"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	PeriodStart     *time.Time `json:"period_start,omitempty"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
	InvoiceStripeID string     `json:"invoice_stripe_id,omitempty"`
}

// TimelineEntry is one journaled event that changed the customer's plans.
type TimelineEntry struct {
	EventStripeID string     `json:"event_stripe_id"`
	EventType     string     `json:"event_type"`
	OccurredAt    *time.Time `json:"occurred_at,omitempty"`
}

// Report is the full plan-history view for one customer.
type Report struct {
	CustomerStripeID string                `json:"customer_stripe_id"`
	Email            string                `json:"email,omitempty"`
	Name             string                `json:"name,omitempty"`
	Deleted          bool                  `json:"deleted,omitempty"`
	ProviderEnriched bool                  `json:"provider_enriched"`
	CurrentPlans     []PlanEntry           `json:"current_plans"`
	Subscriptions    []SubscriptionSummary `json:"subscriptions"`
	Invoices         []InvoiceSummary      `json:"invoices"`
	Prorations       []ProrationEntry      `json:"prorations"`
	Timeline         []TimelineEntry       `json:"timeline"`
	TotalPaid        map[string]int64      `json:"total_paid"`
}

// CustomerHistory builds the report for a customer addressed by external id.
// Returns billing.ErrEntityNotFound when the customer was never synchronized.
func (a *Aggregator) CustomerHistory(ctx context.Context, stripeID string) (*Report, error) {
	customer, err := a.store.GetCustomerByStripeID(ctx, stripeID)
	if err != nil {
		return nil, err
	}
	return a.build(ctx, customer)
}

// CustomerHistoryByEmail builds the report for a customer addressed by email.
func (a *Aggregator) CustomerHistoryByEmail(ctx context.Context, email string) (*Report, error) {
	customer, err := a.store.GetCustomerByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return a.build(ctx, customer)
}

func (a *Aggregator) build(ctx context.Context, customer *billing.Customer) (*Report, error) {
	report := &Report{
		CustomerStripeID: customer.StripeID,
		Email:            customer.Email,
		Name:             customer.Name,
		Deleted:          customer.DeletedAt != nil,
		ProviderEnriched: a.provider != nil,
		CurrentPlans:     []PlanEntry{},
		Subscriptions:    []SubscriptionSummary{},
		Invoices:         []InvoiceSummary{},
		Prorations:       []ProrationEntry{},
		Timeline:         []TimelineEntry{},
		TotalPaid:        map[string]int64{},
	}

	if err := a.addSubscriptions(ctx, customer, report); err != nil {
		return nil, err
	}
	if err := a.addInvoices(ctx, customer, report); err != nil {
		return nil, err
	}
	if err := a.addInvoiceItems(ctx, customer, report); err != nil {
		return nil, err
	}
	if err := a.addTimeline(ctx, customer, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (a *Aggregator) addSubscriptions(ctx context.Context, customer *billing.Customer, report *Report) error {
	subs, err := a.store.ListSubscriptionsByCustomer(ctx, customer.ID)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		summary := SubscriptionSummary{
			StripeID:           sub.StripeID,
			Status:             sub.Status,
			CurrentPeriodStart: sub.CurrentPeriodStart,
			CurrentPeriodEnd:   sub.CurrentPeriodEnd,
			Created:            sub.Created,
			CanceledAt:         sub.CanceledAt,
			CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
			Plans:              []PlanEntry{},
		}

		if report.ProviderEnriched {
			live, err := a.provider.SubscriptionStatus(ctx, sub.StripeID)
			if err != nil {
				// Live lookup failed: degrade the whole report to local
				// data instead of failing it.
				report.ProviderEnriched = false
				a.logger.Warn("provider lookup failed, serving local state only",
					billing.F("subscription", sub.StripeID),
					billing.F("error", err.Error()))
			} else {
				summary.LiveStatus = live
			}
		}

		plans, err := a.store.ListSubscriptionPlans(ctx, sub.ID)
		if err != nil {
			return err
		}
		for _, plan := range plans {
			entry := planEntry(plan)
			summary.Plans = append(summary.Plans, entry)
			if isActiveStatus(sub.Status) {
				report.CurrentPlans = append(report.CurrentPlans, entry)
			}
		}
		report.Subscriptions = append(report.Subscriptions, summary)
	}
	return nil
}

func (a *Aggregator) addInvoices(ctx context.Context, customer *billing.Customer, report *Report) error {
	invoices, err := a.store.ListInvoicesByCustomer(ctx, customer.ID)
	if err != nil {
		return err
	}

	for _, inv := range invoices {
		summary := InvoiceSummary{
			StripeID:      inv.StripeID,
			Status:        inv.Status,
			BillingReason: inv.BillingReason,
			Currency:      inv.Currency,
			Total:         inv.Total,
			AmountPaid:    inv.AmountPaid,
			Created:       inv.Created,
			PaidAt:        inv.PaidAt,
			Lines:         []LineEntry{},
		}

		lines, err := a.store.ListInvoiceLines(ctx, inv.ID)
		if err != nil {
			return err
		}
		for _, line := range lines {
			summary.Lines = append(summary.Lines, LineEntry{
				StripeID:    line.LineStripeID,
				Type:        line.Type,
				Description: line.Description,
				Amount:      line.Amount,
				Currency:    line.Currency,
				Quantity:    line.Quantity,
				PeriodStart: line.PeriodStart,
				PeriodEnd:   line.PeriodEnd,
				Proration:   line.Proration,
				ProductName: line.ProductName,
				LookupKey:   line.LookupKey,
			})
			if line.Proration {
				report.Prorations = append(report.Prorations, ProrationEntry{
					StripeID:        line.LineStripeID,
					Source:          "invoice_line",
					Description:     line.Description,
					Amount:          line.Amount,
					Currency:        line.Currency,
					PeriodStart:     line.PeriodStart,
					PeriodEnd:       line.PeriodEnd,
					InvoiceStripeID: inv.StripeID,
				})
			}
		}

		if inv.AmountPaid > 0 && inv.Currency != "" {
			report.TotalPaid[inv.Currency] += inv.AmountPaid
		}
		report.Invoices = append(report.Invoices, summary)
	}
	return nil
}

func (a *Aggregator) addInvoiceItems(ctx context.Context, customer *billing.Customer, report *Report) error {
	items, err := a.store.ListInvoiceItemsByCustomer(ctx, customer.ID)
	if err != nil {
		return err
	}
	for _, it := range items {
		if !it.Proration || it.DeletedAt != nil {
			continue
		}
		report.Prorations = append(report.Prorations, ProrationEntry{
			StripeID:    it.StripeID,
			Source:      "invoice_item",
			Description: it.Description,
			Amount:      it.Amount,
			Currency:    it.Currency,
			PeriodStart: it.PeriodStart,
			PeriodEnd:   it.PeriodEnd,
		})
	}
	return nil
}

func (a *Aggregator) addTimeline(ctx context.Context, customer *billing.Customer, report *Report) error {
	events, err := a.store.ListCustomerEvents(ctx, customer.StripeID, planChangeEventTypes)
	if err != nil {
		return err
	}
	for _, ev := range events {
		report.Timeline = append(report.Timeline, TimelineEntry{
			EventStripeID: ev.StripeEventID,
			EventType:     ev.EventType,
			OccurredAt:    ev.Created,
		})
	}
	return nil
}

func planEntry(d *billing.PlanDetail) PlanEntry {
	return PlanEntry{
		ItemStripeID:           d.ItemStripeID,
		Quantity:               d.Quantity,
		PriceStripeID:          d.PriceStripeID,
		UnitAmount:             d.UnitAmount,
		Currency:               d.Currency,
		RecurringInterval:      d.RecurringInterval,
		RecurringIntervalCount: d.RecurringIntervalCount,
		LookupKey:              d.LookupKey,
		Nickname:               d.Nickname,
		ProductStripeID:        d.ProductStripeID,
		ProductName:            d.ProductName,
		ProductDescription:     d.ProductDescription,
	}
}

func isActiveStatus(status string) bool {
	return status == "active" || status == "trialing" || status == "past_due"
}
