package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/stripesync/pkg/billing"
)

// pgTx implements billing.Tx over a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

// Commit implements billing.Tx.
func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

// Rollback implements billing.Tx. Safe to call after Commit: pgx reports
// ErrTxClosed, which we swallow.
func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return err
	}
	return nil
}

// Resolve implements billing.Resolver within the transaction.
func (t *pgTx) Resolve(ctx context.Context, kind billing.EntityKind, stripeID string) (int64, error) {
	return resolveIn(ctx, t.tx, kind, stripeID)
}

// MarkCompleted implements billing.Tx.
func (t *pgTx) MarkCompleted(ctx context.Context, logID int64, refs []billing.EntityRef) error {
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("failed to encode entity refs: %w", err)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE event_processing_log
			SET status = 'completed', completed_at = now(), error_message = '', entity_refs = $2
			WHERE id = $1`,
		logID, refsJSON)
	if err != nil {
		return fmt.Errorf("failed to record processing completion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrEntityNotFound
	}
	return nil
}

// UpsertCustomer implements billing.Upserter.
func (t *pgTx) UpsertCustomer(ctx context.Context, c *billing.Customer) (int64, error) {
	meta, err := metadataJSON(c.Metadata)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO customers (stripe_id, email, name, currency, balance, tax_exempt,
				delinquent, address, metadata, created, deleted_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
			ON CONFLICT (stripe_id) DO UPDATE SET
				email = EXCLUDED.email,
				name = EXCLUDED.name,
				currency = EXCLUDED.currency,
				balance = EXCLUDED.balance,
				tax_exempt = EXCLUDED.tax_exempt,
				delinquent = EXCLUDED.delinquent,
				address = EXCLUDED.address,
				metadata = EXCLUDED.metadata,
				created = COALESCE(customers.created, EXCLUDED.created),
				deleted_at = COALESCE(EXCLUDED.deleted_at, customers.deleted_at),
				updated_at = now()
			RETURNING id`,
		c.StripeID, c.Email, c.Name, strings.ToUpper(c.Currency), c.Balance, c.TaxExempt,
		c.Delinquent, rawOrNil(c.Address), meta, c.Created, c.DeletedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert customer: %w", err)
	}
	return id, nil
}

// UpsertProduct implements billing.Upserter.
func (t *pgTx) UpsertProduct(ctx context.Context, p *billing.Product) (int64, error) {
	meta, err := metadataJSON(p.Metadata)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO products (stripe_id, name, description, active, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (stripe_id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				active = EXCLUDED.active,
				metadata = EXCLUDED.metadata,
				updated_at = now()
			RETURNING id`,
		p.StripeID, p.Name, p.Description, p.Active, meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert product: %w", err)
	}
	return id, nil
}

// UpsertPrice implements billing.Upserter.
func (t *pgTx) UpsertPrice(ctx context.Context, p *billing.Price) (int64, error) {
	meta, err := metadataJSON(p.Metadata)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO prices (stripe_id, product_id, currency, unit_amount, billing_scheme,
				recurring_interval, recurring_interval_count, lookup_key, nickname,
				active, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
			ON CONFLICT (stripe_id) DO UPDATE SET
				product_id = EXCLUDED.product_id,
				currency = EXCLUDED.currency,
				unit_amount = EXCLUDED.unit_amount,
				billing_scheme = EXCLUDED.billing_scheme,
				recurring_interval = EXCLUDED.recurring_interval,
				recurring_interval_count = EXCLUDED.recurring_interval_count,
				lookup_key = EXCLUDED.lookup_key,
				nickname = EXCLUDED.nickname,
				active = EXCLUDED.active,
				metadata = EXCLUDED.metadata,
				updated_at = now()
			RETURNING id`,
		p.StripeID, p.ProductID, strings.ToUpper(p.Currency), p.UnitAmount, p.BillingScheme,
		p.RecurringInterval, p.RecurringIntervalCount, p.LookupKey, p.Nickname,
		p.Active, meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert price: %w", err)
	}
	return id, nil
}

// UpsertSubscription implements billing.Upserter.
func (t *pgTx) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (int64, error) {
	if sub.CustomerID == 0 {
		return 0, billing.ErrCustomerRequired
	}
	meta, err := metadataJSON(sub.Metadata)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO subscriptions (stripe_id, customer_id, status, current_period_start,
				current_period_end, created, started_at, ended_at, canceled_at,
				cancel_at_period_end, cancellation_reason, collection_method,
				trial_start, trial_end, currency, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now())
			ON CONFLICT (stripe_id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				status = EXCLUDED.status,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				created = COALESCE(subscriptions.created, EXCLUDED.created),
				started_at = EXCLUDED.started_at,
				ended_at = EXCLUDED.ended_at,
				canceled_at = EXCLUDED.canceled_at,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				cancellation_reason = EXCLUDED.cancellation_reason,
				collection_method = EXCLUDED.collection_method,
				trial_start = EXCLUDED.trial_start,
				trial_end = EXCLUDED.trial_end,
				currency = EXCLUDED.currency,
				metadata = EXCLUDED.metadata,
				updated_at = now()
			RETURNING id`,
		sub.StripeID, sub.CustomerID, sub.Status, sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.Created, sub.StartedAt, sub.EndedAt, sub.CanceledAt,
		sub.CancelAtPeriodEnd, sub.CancellationReason, sub.CollectionMethod,
		sub.TrialStart, sub.TrialEnd, strings.ToUpper(sub.Currency), meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return id, nil
}

// UpsertSubscriptionItem implements billing.Upserter.
func (t *pgTx) UpsertSubscriptionItem(ctx context.Context, it *billing.SubscriptionItem) (int64, error) {
	meta, err := metadataJSON(it.Metadata)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO subscription_items (stripe_id, subscription_id, price_id, quantity, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (stripe_id) DO UPDATE SET
				subscription_id = EXCLUDED.subscription_id,
				price_id = EXCLUDED.price_id,
				quantity = EXCLUDED.quantity,
				metadata = EXCLUDED.metadata,
				updated_at = now()
			RETURNING id`,
		it.StripeID, it.SubscriptionID, it.PriceID, it.Quantity, meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert subscription item: %w", err)
	}
	return id, nil
}

// UpsertInvoice implements billing.Upserter.
func (t *pgTx) UpsertInvoice(ctx context.Context, inv *billing.Invoice) (int64, error) {
	if inv.CustomerID == 0 {
		return 0, billing.ErrCustomerRequired
	}
	meta, err := metadataJSON(inv.Metadata)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO invoices (stripe_id, customer_id, subscription_id, status, billing_reason,
				currency, amount_due, amount_paid, amount_remaining, subtotal, total, tax,
				period_start, period_end, created, paid_at, hosted_invoice_url, invoice_pdf,
				metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now())
			ON CONFLICT (stripe_id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				subscription_id = EXCLUDED.subscription_id,
				status = EXCLUDED.status,
				billing_reason = EXCLUDED.billing_reason,
				currency = EXCLUDED.currency,
				amount_due = EXCLUDED.amount_due,
				amount_paid = EXCLUDED.amount_paid,
				amount_remaining = EXCLUDED.amount_remaining,
				subtotal = EXCLUDED.subtotal,
				total = EXCLUDED.total,
				tax = EXCLUDED.tax,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				created = COALESCE(invoices.created, EXCLUDED.created),
				paid_at = EXCLUDED.paid_at,
				hosted_invoice_url = EXCLUDED.hosted_invoice_url,
				invoice_pdf = EXCLUDED.invoice_pdf,
				metadata = EXCLUDED.metadata,
				updated_at = now()
			RETURNING id`,
		inv.StripeID, inv.CustomerID, inv.SubscriptionID, inv.Status, inv.BillingReason,
		strings.ToUpper(inv.Currency), inv.AmountDue, inv.AmountPaid, inv.AmountRemaining,
		inv.Subtotal, inv.Total, inv.Tax, inv.PeriodStart, inv.PeriodEnd, inv.Created,
		inv.PaidAt, inv.HostedInvoiceURL, inv.InvoicePDF, meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return id, nil
}

// UpsertInvoiceLineItem implements billing.Upserter.
func (t *pgTx) UpsertInvoiceLineItem(ctx context.Context, line *billing.InvoiceLineItem) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO invoice_line_items (stripe_id, invoice_id, type, description, amount,
				currency, quantity, period_start, period_end, proration, price_id,
				subscription_id, subscription_item_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
			ON CONFLICT (stripe_id) DO UPDATE SET
				invoice_id = EXCLUDED.invoice_id,
				type = EXCLUDED.type,
				description = EXCLUDED.description,
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				quantity = EXCLUDED.quantity,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				proration = EXCLUDED.proration,
				price_id = EXCLUDED.price_id,
				subscription_id = EXCLUDED.subscription_id,
				subscription_item_id = EXCLUDED.subscription_item_id,
				updated_at = now()
			RETURNING id`,
		line.StripeID, line.InvoiceID, line.Type, line.Description, line.Amount,
		strings.ToUpper(line.Currency), line.Quantity, line.PeriodStart, line.PeriodEnd,
		line.Proration, line.PriceID, line.SubscriptionID, line.SubscriptionItemID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert invoice line item: %w", err)
	}
	return id, nil
}

// UpsertInvoiceItem implements billing.Upserter.
func (t *pgTx) UpsertInvoiceItem(ctx context.Context, it *billing.InvoiceItem) (int64, error) {
	if it.CustomerID == 0 {
		return 0, billing.ErrCustomerRequired
	}
	meta, err := metadataJSON(it.Metadata)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO invoice_items (stripe_id, customer_id, invoice_id, subscription_id,
				subscription_item_id, price_id, amount, currency, description, proration,
				period_start, period_end, created, deleted_at, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
			ON CONFLICT (stripe_id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				invoice_id = EXCLUDED.invoice_id,
				subscription_id = EXCLUDED.subscription_id,
				subscription_item_id = EXCLUDED.subscription_item_id,
				price_id = EXCLUDED.price_id,
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				description = EXCLUDED.description,
				proration = EXCLUDED.proration,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				created = COALESCE(invoice_items.created, EXCLUDED.created),
				deleted_at = COALESCE(EXCLUDED.deleted_at, invoice_items.deleted_at),
				metadata = EXCLUDED.metadata,
				updated_at = now()
			RETURNING id`,
		it.StripeID, it.CustomerID, it.InvoiceID, it.SubscriptionID,
		it.SubscriptionItemID, it.PriceID, it.Amount, strings.ToUpper(it.Currency),
		it.Description, it.Proration, it.PeriodStart, it.PeriodEnd, it.Created,
		it.DeletedAt, meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert invoice item: %w", err)
	}
	return id, nil
}

// UpsertPaymentMethod implements billing.Upserter.
func (t *pgTx) UpsertPaymentMethod(ctx context.Context, pm *billing.PaymentMethod) (int64, error) {
	meta, err := metadataJSON(pm.Metadata)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO payment_methods (stripe_id, customer_id, type, card_brand, card_last4,
				card_exp_month, card_exp_year, billing_details, created, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			ON CONFLICT (stripe_id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				type = EXCLUDED.type,
				card_brand = EXCLUDED.card_brand,
				card_last4 = EXCLUDED.card_last4,
				card_exp_month = EXCLUDED.card_exp_month,
				card_exp_year = EXCLUDED.card_exp_year,
				billing_details = EXCLUDED.billing_details,
				created = COALESCE(payment_methods.created, EXCLUDED.created),
				metadata = EXCLUDED.metadata,
				updated_at = now()
			RETURNING id`,
		pm.StripeID, pm.CustomerID, pm.Type, pm.CardBrand, pm.CardLast4,
		pm.CardExpMonth, pm.CardExpYear, rawOrNil(pm.BillingDetails), pm.Created, meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert payment method: %w", err)
	}
	return id, nil
}

// UpsertCharge implements billing.Upserter.
func (t *pgTx) UpsertCharge(ctx context.Context, ch *billing.Charge) (int64, error) {
	meta, err := metadataJSON(ch.Metadata)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO charges (stripe_id, customer_id, payment_intent_id, payment_method_id,
				invoice_id, amount, amount_refunded, currency, status, paid, outcome,
				receipt_url, created, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
			ON CONFLICT (stripe_id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				payment_intent_id = EXCLUDED.payment_intent_id,
				payment_method_id = EXCLUDED.payment_method_id,
				invoice_id = EXCLUDED.invoice_id,
				amount = EXCLUDED.amount,
				amount_refunded = EXCLUDED.amount_refunded,
				currency = EXCLUDED.currency,
				status = EXCLUDED.status,
				paid = EXCLUDED.paid,
				outcome = EXCLUDED.outcome,
				receipt_url = EXCLUDED.receipt_url,
				created = COALESCE(charges.created, EXCLUDED.created),
				metadata = EXCLUDED.metadata,
				updated_at = now()
			RETURNING id`,
		ch.StripeID, ch.CustomerID, ch.PaymentIntentID, ch.PaymentMethodID,
		ch.InvoiceID, ch.Amount, ch.AmountRefunded, strings.ToUpper(ch.Currency),
		ch.Status, ch.Paid, rawOrNil(ch.Outcome), ch.ReceiptURL, ch.Created, meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert charge: %w", err)
	}
	return id, nil
}

// UpsertPaymentIntent implements billing.Upserter.
func (t *pgTx) UpsertPaymentIntent(ctx context.Context, pi *billing.PaymentIntent) (int64, error) {
	meta, err := metadataJSON(pi.Metadata)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO payment_intents (stripe_id, customer_id, payment_method_id, invoice_id,
				amount, amount_received, currency, status, created, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			ON CONFLICT (stripe_id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				payment_method_id = EXCLUDED.payment_method_id,
				invoice_id = EXCLUDED.invoice_id,
				amount = EXCLUDED.amount,
				amount_received = EXCLUDED.amount_received,
				currency = EXCLUDED.currency,
				status = EXCLUDED.status,
				created = COALESCE(payment_intents.created, EXCLUDED.created),
				metadata = EXCLUDED.metadata,
				updated_at = now()
			RETURNING id`,
		pi.StripeID, pi.CustomerID, pi.PaymentMethodID, pi.InvoiceID,
		pi.Amount, pi.AmountReceived, strings.ToUpper(pi.Currency), pi.Status,
		pi.Created, meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert payment intent: %w", err)
	}
	return id, nil
}

var _ billing.Tx = (*pgTx)(nil)
