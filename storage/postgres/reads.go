package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/stripesync/pkg/billing"
)

// GetCustomerByStripeID implements billing.Store.
func (s *Storage) GetCustomerByStripeID(ctx context.Context, stripeID string) (*billing.Customer, error) {
	return s.getCustomer(ctx,
		`SELECT id, stripe_id, email, name, currency, balance, tax_exempt, delinquent,
			address, metadata, created, deleted_at, updated_at
			FROM customers WHERE stripe_id = $1`, stripeID)
}

// GetCustomerByEmail implements billing.Store. When several customers share
// an email the most recently synchronized one wins.
func (s *Storage) GetCustomerByEmail(ctx context.Context, email string) (*billing.Customer, error) {
	return s.getCustomer(ctx,
		`SELECT id, stripe_id, email, name, currency, balance, tax_exempt, delinquent,
			address, metadata, created, deleted_at, updated_at
			FROM customers WHERE email = $1
			ORDER BY updated_at DESC LIMIT 1`, email)
}

func (s *Storage) getCustomer(ctx context.Context, query string, arg any) (*billing.Customer, error) {
	var c billing.Customer
	var metaRaw []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&c.ID, &c.StripeID, &c.Email, &c.Name, &c.Currency, &c.Balance,
		&c.TaxExempt, &c.Delinquent, &c.Address, &metaRaw,
		&c.Created, &c.DeletedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}
	if c.Metadata, err = scanMetadata(metaRaw); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListSubscriptionsByCustomer implements billing.Store, newest first.
func (s *Storage) ListSubscriptionsByCustomer(ctx context.Context, customerID int64) ([]*billing.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, stripe_id, customer_id, status, current_period_start, current_period_end,
			created, started_at, ended_at, canceled_at, cancel_at_period_end,
			cancellation_reason, collection_method, trial_start, trial_end, currency,
			metadata, updated_at
			FROM subscriptions WHERE customer_id = $1
			ORDER BY created DESC NULLS LAST, id DESC`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*billing.Subscription
	for rows.Next() {
		var sub billing.Subscription
		var metaRaw []byte
		if err := rows.Scan(
			&sub.ID, &sub.StripeID, &sub.CustomerID, &sub.Status,
			&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.Created,
			&sub.StartedAt, &sub.EndedAt, &sub.CanceledAt, &sub.CancelAtPeriodEnd,
			&sub.CancellationReason, &sub.CollectionMethod, &sub.TrialStart,
			&sub.TrialEnd, &sub.Currency, &metaRaw, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		if sub.Metadata, err = scanMetadata(metaRaw); err != nil {
			return nil, err
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

// ListSubscriptionPlans implements billing.Store. Joins each item with its
// price and product so the aggregator gets complete plan detail in one query.
func (s *Storage) ListSubscriptionPlans(ctx context.Context, subscriptionID int64) ([]*billing.PlanDetail, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT si.stripe_id, si.quantity,
			COALESCE(p.stripe_id, ''), p.unit_amount, COALESCE(p.currency, ''),
			p.recurring_interval, p.recurring_interval_count,
			COALESCE(p.lookup_key, ''), COALESCE(p.nickname, ''),
			COALESCE(pr.stripe_id, ''), COALESCE(pr.name, ''), COALESCE(pr.description, '')
			FROM subscription_items si
			LEFT JOIN prices p ON p.id = si.price_id
			LEFT JOIN products pr ON pr.id = p.product_id
			WHERE si.subscription_id = $1
			ORDER BY si.id`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription plans: %w", err)
	}
	defer rows.Close()

	var out []*billing.PlanDetail
	for rows.Next() {
		var d billing.PlanDetail
		if err := rows.Scan(
			&d.ItemStripeID, &d.Quantity,
			&d.PriceStripeID, &d.UnitAmount, &d.Currency,
			&d.RecurringInterval, &d.RecurringIntervalCount,
			&d.LookupKey, &d.Nickname,
			&d.ProductStripeID, &d.ProductName, &d.ProductDescription); err != nil {
			return nil, fmt.Errorf("failed to scan plan detail: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ListInvoicesByCustomer implements billing.Store, newest first.
func (s *Storage) ListInvoicesByCustomer(ctx context.Context, customerID int64) ([]*billing.Invoice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, stripe_id, customer_id, subscription_id, status, billing_reason,
			currency, amount_due, amount_paid, amount_remaining, subtotal, total, tax,
			period_start, period_end, created, paid_at, hosted_invoice_url, invoice_pdf,
			metadata, updated_at
			FROM invoices WHERE customer_id = $1
			ORDER BY created DESC NULLS LAST, id DESC`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var out []*billing.Invoice
	for rows.Next() {
		var inv billing.Invoice
		var metaRaw []byte
		if err := rows.Scan(
			&inv.ID, &inv.StripeID, &inv.CustomerID, &inv.SubscriptionID, &inv.Status,
			&inv.BillingReason, &inv.Currency, &inv.AmountDue, &inv.AmountPaid,
			&inv.AmountRemaining, &inv.Subtotal, &inv.Total, &inv.Tax,
			&inv.PeriodStart, &inv.PeriodEnd, &inv.Created, &inv.PaidAt,
			&inv.HostedInvoiceURL, &inv.InvoicePDF, &metaRaw, &inv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		if inv.Metadata, err = scanMetadata(metaRaw); err != nil {
			return nil, err
		}
		out = append(out, &inv)
	}
	return out, rows.Err()
}

// ListInvoiceLines implements billing.Store.
func (s *Storage) ListInvoiceLines(ctx context.Context, invoiceID int64) ([]*billing.InvoiceLineDetail, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT l.stripe_id, l.type, l.description, l.amount, l.currency, l.quantity,
			l.period_start, l.period_end, l.proration,
			COALESCE(p.stripe_id, ''), COALESCE(p.lookup_key, ''),
			COALESCE(pr.name, ''), COALESCE(sub.stripe_id, '')
			FROM invoice_line_items l
			LEFT JOIN prices p ON p.id = l.price_id
			LEFT JOIN products pr ON pr.id = p.product_id
			LEFT JOIN subscriptions sub ON sub.id = l.subscription_id
			WHERE l.invoice_id = $1
			ORDER BY l.id`,
		invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoice lines: %w", err)
	}
	defer rows.Close()

	var out []*billing.InvoiceLineDetail
	for rows.Next() {
		var d billing.InvoiceLineDetail
		if err := rows.Scan(
			&d.LineStripeID, &d.Type, &d.Description, &d.Amount, &d.Currency,
			&d.Quantity, &d.PeriodStart, &d.PeriodEnd, &d.Proration,
			&d.PriceStripeID, &d.LookupKey, &d.ProductName, &d.SubscriptionRef); err != nil {
			return nil, fmt.Errorf("failed to scan invoice line: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ListInvoiceItemsByCustomer implements billing.Store, newest first.
func (s *Storage) ListInvoiceItemsByCustomer(ctx context.Context, customerID int64) ([]*billing.InvoiceItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, stripe_id, customer_id, invoice_id, subscription_id,
			subscription_item_id, price_id, amount, currency, description, proration,
			period_start, period_end, created, deleted_at, metadata, updated_at
			FROM invoice_items WHERE customer_id = $1
			ORDER BY created DESC NULLS LAST, id DESC`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoice items: %w", err)
	}
	defer rows.Close()

	var out []*billing.InvoiceItem
	for rows.Next() {
		var it billing.InvoiceItem
		var metaRaw []byte
		if err := rows.Scan(
			&it.ID, &it.StripeID, &it.CustomerID, &it.InvoiceID, &it.SubscriptionID,
			&it.SubscriptionItemID, &it.PriceID, &it.Amount, &it.Currency,
			&it.Description, &it.Proration, &it.PeriodStart, &it.PeriodEnd,
			&it.Created, &it.DeletedAt, &metaRaw, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice item: %w", err)
		}
		if it.Metadata, err = scanMetadata(metaRaw); err != nil {
			return nil, err
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

// ListCustomerEvents implements billing.Store. Matches the customer reference
// inside the journaled payload, string or expanded object form, newest first.
func (s *Storage) ListCustomerEvents(ctx context.Context, customerStripeID string, eventTypes []string) ([]*billing.EventRecord, error) {
	if eventTypes == nil {
		eventTypes = []string{}
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, stripe_event_id, event_type, created, raw_data, status, received_at
			FROM events
			WHERE (raw_data -> 'data' -> 'object' ->> 'customer' = $1
					OR raw_data -> 'data' -> 'object' -> 'customer' ->> 'id' = $1)
				AND (cardinality($2::text[]) = 0 OR event_type = ANY($2))
			ORDER BY created DESC NULLS LAST, id DESC`,
		customerStripeID, eventTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to list customer events: %w", err)
	}
	defer rows.Close()

	var out []*billing.EventRecord
	for rows.Next() {
		var ev billing.EventRecord
		var status string
		if err := rows.Scan(
			&ev.ID, &ev.StripeEventID, &ev.EventType, &ev.Created,
			&ev.RawData, &status, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Status = billing.EventStatus(status)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
