package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/stripesync/pkg/billing"
)

// softResolve maps an optional external reference to a local id, or nil when
// the referenced entity has not been synchronized yet.
func softResolve(ctx context.Context, tx billing.Resolver, kind billing.EntityKind, stripeID string) (*int64, error) {
	if stripeID == "" {
		return nil, nil
	}
	id, err := tx.Resolve(ctx, kind, stripeID)
	if errors.Is(err, billing.ErrEntityNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// requireCustomer resolves a mandatory customer reference. A missing or
// unsynchronized customer aborts the whole event.
func requireCustomer(ctx context.Context, tx billing.Resolver, stripeID string) (int64, error) {
	if stripeID == "" {
		return 0, fmt.Errorf("%w: no customer reference in payload", billing.ErrCustomerRequired)
	}
	id, err := tx.Resolve(ctx, billing.KindCustomer, stripeID)
	if errors.Is(err, billing.ErrEntityNotFound) {
		return 0, fmt.Errorf("%w: customer %s not synchronized", billing.ErrCustomerRequired, stripeID)
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (p *Provider) applyCustomer(ctx context.Context, tx billing.Tx, pl *customerPayload) ([]billing.EntityRef, error) {
	c := &billing.Customer{
		StripeID:   pl.ID,
		Email:      pl.Email,
		Name:       pl.Name,
		Currency:   pl.Currency,
		Balance:    pl.Balance,
		TaxExempt:  pl.TaxExempt,
		Delinquent: pl.Delinquent,
		Address:    pl.Address,
		Metadata:   pl.Metadata,
		Created:    unixOrNil(pl.Created),
	}
	if pl.Deleted {
		now := time.Now().UTC()
		c.DeletedAt = &now
	}
	id, err := tx.UpsertCustomer(ctx, c)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordUpsert(billing.KindCustomer)
	return []billing.EntityRef{{Kind: billing.KindCustomer, ID: id, StripeID: pl.ID}}, nil
}

func (p *Provider) applyProduct(ctx context.Context, tx billing.Tx, pl *productPayload) ([]billing.EntityRef, error) {
	id, err := tx.UpsertProduct(ctx, &billing.Product{
		StripeID:    pl.ID,
		Name:        pl.Name,
		Description: pl.Description,
		Active:      pl.Active,
		Metadata:    pl.Metadata,
	})
	if err != nil {
		return nil, err
	}
	p.metrics.RecordUpsert(billing.KindProduct)
	return []billing.EntityRef{{Kind: billing.KindProduct, ID: id, StripeID: pl.ID}}, nil
}

func (p *Provider) applyPrice(ctx context.Context, tx billing.Tx, pl *pricePayload) ([]billing.EntityRef, error) {
	productID, err := softResolve(ctx, tx, billing.KindProduct, pl.Product.ID)
	if err != nil {
		return nil, err
	}
	price := &billing.Price{
		StripeID:      pl.ID,
		ProductID:     productID,
		Currency:      pl.Currency,
		UnitAmount:    pl.UnitAmount,
		BillingScheme: pl.BillingScheme,
		LookupKey:     pl.LookupKey,
		Nickname:      pl.Nickname,
		Active:        pl.Active,
		Metadata:      pl.Metadata,
	}
	if pl.Recurring != nil {
		interval := pl.Recurring.Interval
		count := pl.Recurring.IntervalCount
		price.RecurringInterval = &interval
		price.RecurringIntervalCount = &count
	}
	id, err := tx.UpsertPrice(ctx, price)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordUpsert(billing.KindPrice)
	return []billing.EntityRef{{Kind: billing.KindPrice, ID: id, StripeID: pl.ID}}, nil
}

// applySubscription upserts the subscription and every item present in the
// payload. Items absent from the payload are left untouched.
func (p *Provider) applySubscription(ctx context.Context, tx billing.Tx, pl *subscriptionPayload) ([]billing.EntityRef, error) {
	customerID, err := requireCustomer(ctx, tx, pl.Customer.ID)
	if err != nil {
		return nil, err
	}

	sub := &billing.Subscription{
		StripeID:           pl.ID,
		CustomerID:         customerID,
		Status:             pl.Status,
		CurrentPeriodStart: unixOrNil(pl.CurrentPeriodStart),
		CurrentPeriodEnd:   unixOrNil(pl.CurrentPeriodEnd),
		Created:            unixOrNil(pl.Created),
		StartedAt:          unixOrNil(pl.StartDate),
		EndedAt:            unixOrNil(pl.EndedAt),
		CanceledAt:         unixOrNil(pl.CanceledAt),
		CancelAtPeriodEnd:  pl.CancelAtPeriodEnd,
		CollectionMethod:   pl.CollectionMethod,
		TrialStart:         unixOrNil(pl.TrialStart),
		TrialEnd:           unixOrNil(pl.TrialEnd),
		Currency:           pl.Currency,
		Metadata:           pl.Metadata,
	}
	if pl.CancellationDetails != nil {
		sub.CancellationReason = pl.CancellationDetails.Reason
	}
	subID, err := tx.UpsertSubscription(ctx, sub)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordUpsert(billing.KindSubscription)
	refs := []billing.EntityRef{{Kind: billing.KindSubscription, ID: subID, StripeID: pl.ID}}

	for i := range pl.Items.Data {
		itemRefs, err := p.applySubscriptionItem(ctx, tx, &pl.Items.Data[i], subID)
		if err != nil {
			return nil, err
		}
		refs = append(refs, itemRefs...)
	}
	return refs, nil
}

func (p *Provider) applySubscriptionItem(ctx context.Context, tx billing.Tx, pl *subscriptionItemPayload, subID int64) ([]billing.EntityRef, error) {
	var refs []billing.EntityRef
	var priceID *int64
	if pl.Price != nil {
		priceRefs, err := p.applyPrice(ctx, tx, pl.Price)
		if err != nil {
			return nil, err
		}
		refs = append(refs, priceRefs...)
		priceID = &priceRefs[0].ID
	}
	id, err := tx.UpsertSubscriptionItem(ctx, &billing.SubscriptionItem{
		StripeID:       pl.ID,
		SubscriptionID: subID,
		PriceID:        priceID,
		Quantity:       pl.Quantity,
		Metadata:       pl.Metadata,
	})
	if err != nil {
		return nil, err
	}
	p.metrics.RecordUpsert(billing.KindSubscriptionItem)
	return append(refs, billing.EntityRef{Kind: billing.KindSubscriptionItem, ID: id, StripeID: pl.ID}), nil
}

// applyInvoice upserts the invoice and all lines carried in the payload.
func (p *Provider) applyInvoice(ctx context.Context, tx billing.Tx, pl *invoicePayload) ([]billing.EntityRef, error) {
	customerID, err := requireCustomer(ctx, tx, pl.Customer.ID)
	if err != nil {
		return nil, err
	}
	subscriptionID, err := softResolve(ctx, tx, billing.KindSubscription, pl.Subscription.ID)
	if err != nil {
		return nil, err
	}

	invID, err := tx.UpsertInvoice(ctx, &billing.Invoice{
		StripeID:         pl.ID,
		CustomerID:       customerID,
		SubscriptionID:   subscriptionID,
		Status:           pl.Status,
		BillingReason:    pl.BillingReason,
		Currency:         pl.Currency,
		AmountDue:        pl.AmountDue,
		AmountPaid:       pl.AmountPaid,
		AmountRemaining:  pl.AmountRemaining,
		Subtotal:         pl.Subtotal,
		Total:            pl.Total,
		Tax:              pl.Tax,
		PeriodStart:      unixOrNil(pl.PeriodStart),
		PeriodEnd:        unixOrNil(pl.PeriodEnd),
		Created:          unixOrNil(pl.Created),
		PaidAt:           unixOrNil(pl.StatusTransitions.PaidAt),
		HostedInvoiceURL: pl.HostedInvoiceURL,
		InvoicePDF:       pl.InvoicePDF,
		Metadata:         pl.Metadata,
	})
	if err != nil {
		return nil, err
	}
	p.metrics.RecordUpsert(billing.KindInvoice)
	refs := []billing.EntityRef{{Kind: billing.KindInvoice, ID: invID, StripeID: pl.ID}}

	for i := range pl.Lines.Data {
		lineRefs, err := p.applyInvoiceLine(ctx, tx, &pl.Lines.Data[i], invID)
		if err != nil {
			return nil, err
		}
		refs = append(refs, lineRefs...)
	}
	return refs, nil
}

func (p *Provider) applyInvoiceLine(ctx context.Context, tx billing.Tx, pl *invoiceLinePayload, invoiceID int64) ([]billing.EntityRef, error) {
	var refs []billing.EntityRef
	var priceID *int64
	if pl.Price != nil {
		priceRefs, err := p.applyPrice(ctx, tx, pl.Price)
		if err != nil {
			return nil, err
		}
		refs = append(refs, priceRefs...)
		priceID = &priceRefs[0].ID
	}
	subscriptionID, err := softResolve(ctx, tx, billing.KindSubscription, pl.Subscription.ID)
	if err != nil {
		return nil, err
	}
	itemID, err := softResolve(ctx, tx, billing.KindSubscriptionItem, pl.SubscriptionItem)
	if err != nil {
		return nil, err
	}

	id, err := tx.UpsertInvoiceLineItem(ctx, &billing.InvoiceLineItem{
		StripeID:           pl.ID,
		InvoiceID:          invoiceID,
		Type:               pl.Type,
		Description:        pl.Description,
		Amount:             pl.Amount,
		Currency:           pl.Currency,
		Quantity:           pl.Quantity,
		PeriodStart:        unixOrNil(pl.Period.Start),
		PeriodEnd:          unixOrNil(pl.Period.End),
		Proration:          pl.Proration,
		PriceID:            priceID,
		SubscriptionID:     subscriptionID,
		SubscriptionItemID: itemID,
	})
	if err != nil {
		return nil, err
	}
	p.metrics.RecordUpsert(billing.KindInvoiceLine)
	return append(refs, billing.EntityRef{Kind: billing.KindInvoiceLine, ID: id, StripeID: pl.ID}), nil
}

func (p *Provider) applyInvoiceItem(ctx context.Context, tx billing.Tx, pl *invoiceItemPayload, deleted bool) ([]billing.EntityRef, error) {
	customerID, err := requireCustomer(ctx, tx, pl.Customer.ID)
	if err != nil {
		return nil, err
	}

	var refs []billing.EntityRef
	var priceID *int64
	if pl.Price != nil {
		priceRefs, err := p.applyPrice(ctx, tx, pl.Price)
		if err != nil {
			return nil, err
		}
		refs = append(refs, priceRefs...)
		priceID = &priceRefs[0].ID
	}
	invoiceID, err := softResolve(ctx, tx, billing.KindInvoice, pl.Invoice.ID)
	if err != nil {
		return nil, err
	}
	subscriptionID, err := softResolve(ctx, tx, billing.KindSubscription, pl.Subscription.ID)
	if err != nil {
		return nil, err
	}
	itemID, err := softResolve(ctx, tx, billing.KindSubscriptionItem, pl.SubscriptionItem)
	if err != nil {
		return nil, err
	}

	it := &billing.InvoiceItem{
		StripeID:           pl.ID,
		CustomerID:         customerID,
		InvoiceID:          invoiceID,
		SubscriptionID:     subscriptionID,
		SubscriptionItemID: itemID,
		PriceID:            priceID,
		Amount:             pl.Amount,
		Currency:           pl.Currency,
		Description:        pl.Description,
		Proration:          pl.Proration,
		PeriodStart:        unixOrNil(pl.Period.Start),
		PeriodEnd:          unixOrNil(pl.Period.End),
		Created:            unixOrNil(pl.Date),
		Metadata:           pl.Metadata,
	}
	if deleted {
		now := time.Now().UTC()
		it.DeletedAt = &now
	}
	id, err := tx.UpsertInvoiceItem(ctx, it)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordUpsert(billing.KindInvoiceItem)
	return append(refs, billing.EntityRef{Kind: billing.KindInvoiceItem, ID: id, StripeID: pl.ID}), nil
}

func (p *Provider) applyPaymentMethod(ctx context.Context, tx billing.Tx, pl *paymentMethodPayload) ([]billing.EntityRef, error) {
	customerID, err := softResolve(ctx, tx, billing.KindCustomer, pl.Customer.ID)
	if err != nil {
		return nil, err
	}
	pm := &billing.PaymentMethod{
		StripeID:       pl.ID,
		CustomerID:     customerID,
		Type:           pl.Type,
		BillingDetails: pl.BillingDetails,
		Created:        unixOrNil(pl.Created),
		Metadata:       pl.Metadata,
	}
	if pl.Card != nil {
		pm.CardBrand = pl.Card.Brand
		pm.CardLast4 = pl.Card.Last4
		pm.CardExpMonth = pl.Card.ExpMonth
		pm.CardExpYear = pl.Card.ExpYear
	}
	id, err := tx.UpsertPaymentMethod(ctx, pm)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordUpsert(billing.KindPaymentMethod)
	return []billing.EntityRef{{Kind: billing.KindPaymentMethod, ID: id, StripeID: pl.ID}}, nil
}

func (p *Provider) applyCharge(ctx context.Context, tx billing.Tx, pl *chargePayload) ([]billing.EntityRef, error) {
	customerID, err := softResolve(ctx, tx, billing.KindCustomer, pl.Customer.ID)
	if err != nil {
		return nil, err
	}
	intentID, err := softResolve(ctx, tx, billing.KindPaymentIntent, pl.PaymentIntent.ID)
	if err != nil {
		return nil, err
	}
	methodID, err := softResolve(ctx, tx, billing.KindPaymentMethod, pl.PaymentMethod.ID)
	if err != nil {
		return nil, err
	}
	invoiceID, err := softResolve(ctx, tx, billing.KindInvoice, pl.Invoice.ID)
	if err != nil {
		return nil, err
	}

	id, err := tx.UpsertCharge(ctx, &billing.Charge{
		StripeID:        pl.ID,
		CustomerID:      customerID,
		PaymentIntentID: intentID,
		PaymentMethodID: methodID,
		InvoiceID:       invoiceID,
		Amount:          pl.Amount,
		AmountRefunded:  pl.AmountRefunded,
		Currency:        pl.Currency,
		Status:          pl.Status,
		Paid:            pl.Paid,
		Outcome:         pl.Outcome,
		ReceiptURL:      pl.ReceiptURL,
		Created:         unixOrNil(pl.Created),
		Metadata:        pl.Metadata,
	})
	if err != nil {
		return nil, err
	}
	p.metrics.RecordUpsert(billing.KindCharge)
	return []billing.EntityRef{{Kind: billing.KindCharge, ID: id, StripeID: pl.ID}}, nil
}

func (p *Provider) applyPaymentIntent(ctx context.Context, tx billing.Tx, pl *paymentIntentPayload) ([]billing.EntityRef, error) {
	customerID, err := softResolve(ctx, tx, billing.KindCustomer, pl.Customer.ID)
	if err != nil {
		return nil, err
	}
	methodID, err := softResolve(ctx, tx, billing.KindPaymentMethod, pl.PaymentMethod.ID)
	if err != nil {
		return nil, err
	}
	invoiceID, err := softResolve(ctx, tx, billing.KindInvoice, pl.Invoice.ID)
	if err != nil {
		return nil, err
	}

	id, err := tx.UpsertPaymentIntent(ctx, &billing.PaymentIntent{
		StripeID:        pl.ID,
		CustomerID:      customerID,
		PaymentMethodID: methodID,
		InvoiceID:       invoiceID,
		Amount:          pl.Amount,
		AmountReceived:  pl.AmountReceived,
		Currency:        pl.Currency,
		Status:          pl.Status,
		Created:         unixOrNil(pl.Created),
		Metadata:        pl.Metadata,
	})
	if err != nil {
		return nil, err
	}
	p.metrics.RecordUpsert(billing.KindPaymentIntent)
	return []billing.EntityRef{{Kind: billing.KindPaymentIntent, ID: id, StripeID: pl.ID}}, nil
}
