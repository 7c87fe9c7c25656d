package memory

import (
	"context"
	"errors"
	"strings"

	"github.com/mihaimyh/stripesync/pkg/billing"
)

// memTx is a snapshot transaction over the in-memory state. All writes go to
// the snapshot; Commit swaps it in atomically, Rollback discards it.
type memTx struct {
	storage *Storage
	state   *state
	done    bool
}

var errTxDone = errors.New("memory: transaction already closed")

// Commit implements billing.Tx.
func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.storage.mu.Lock()
	t.storage.state = t.state
	t.storage.mu.Unlock()
	t.storage.txMu.Unlock()
	return nil
}

// Rollback implements billing.Tx. Safe to call after Commit.
func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.storage.txMu.Unlock()
	return nil
}

// Resolve implements billing.Resolver against the transaction snapshot.
func (t *memTx) Resolve(ctx context.Context, kind billing.EntityKind, stripeID string) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	return t.state.resolve(kind, stripeID)
}

// MarkCompleted implements billing.Tx. The status flip commits together with
// the entity writes.
func (t *memTx) MarkCompleted(ctx context.Context, logID int64, refs []billing.EntityRef) error {
	if t.done {
		return errTxDone
	}
	log, ok := t.state.logs[logID]
	if !ok {
		return billing.ErrEntityNotFound
	}
	now := t.storage.now()
	log.Status = billing.ProcessingCompleted
	log.CompletedAt = &now
	log.ErrorMessage = ""
	log.EntityRefs = append([]billing.EntityRef(nil), refs...)
	return nil
}

func (t *memTx) nextID() int64 {
	t.state.nextID++
	return t.state.nextID
}

// UpsertCustomer implements billing.Upserter.
func (t *memTx) UpsertCustomer(ctx context.Context, c *billing.Customer) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	now := t.storage.now()
	cp := *c
	cp.Currency = strings.ToUpper(cp.Currency)
	cp.UpdatedAt = now
	if existing, ok := t.state.customers[c.StripeID]; ok {
		cp.ID = existing.ID
		if cp.Created == nil {
			cp.Created = existing.Created
		}
		if cp.DeletedAt == nil {
			cp.DeletedAt = existing.DeletedAt
		}
	} else {
		cp.ID = t.nextID()
	}
	t.state.customers[cp.StripeID] = &cp
	return cp.ID, nil
}

// UpsertProduct implements billing.Upserter.
func (t *memTx) UpsertProduct(ctx context.Context, p *billing.Product) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	cp := *p
	cp.UpdatedAt = t.storage.now()
	if existing, ok := t.state.products[p.StripeID]; ok {
		cp.ID = existing.ID
	} else {
		cp.ID = t.nextID()
	}
	t.state.products[cp.StripeID] = &cp
	return cp.ID, nil
}

// UpsertPrice implements billing.Upserter.
func (t *memTx) UpsertPrice(ctx context.Context, p *billing.Price) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	cp := *p
	cp.Currency = strings.ToUpper(cp.Currency)
	cp.UpdatedAt = t.storage.now()
	if existing, ok := t.state.prices[p.StripeID]; ok {
		cp.ID = existing.ID
	} else {
		cp.ID = t.nextID()
	}
	t.state.prices[cp.StripeID] = &cp
	return cp.ID, nil
}

// UpsertSubscription implements billing.Upserter.
func (t *memTx) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	if sub.CustomerID == 0 {
		return 0, billing.ErrCustomerRequired
	}
	cp := *sub
	cp.Currency = strings.ToUpper(cp.Currency)
	cp.UpdatedAt = t.storage.now()
	if existing, ok := t.state.subscriptions[sub.StripeID]; ok {
		cp.ID = existing.ID
		if cp.Created == nil {
			cp.Created = existing.Created
		}
	} else {
		cp.ID = t.nextID()
	}
	t.state.subscriptions[cp.StripeID] = &cp
	return cp.ID, nil
}

// UpsertSubscriptionItem implements billing.Upserter.
func (t *memTx) UpsertSubscriptionItem(ctx context.Context, it *billing.SubscriptionItem) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	cp := *it
	cp.UpdatedAt = t.storage.now()
	if existing, ok := t.state.subItems[it.StripeID]; ok {
		cp.ID = existing.ID
	} else {
		cp.ID = t.nextID()
	}
	t.state.subItems[cp.StripeID] = &cp
	return cp.ID, nil
}

// UpsertInvoice implements billing.Upserter.
func (t *memTx) UpsertInvoice(ctx context.Context, inv *billing.Invoice) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	if inv.CustomerID == 0 {
		return 0, billing.ErrCustomerRequired
	}
	cp := *inv
	cp.Currency = strings.ToUpper(cp.Currency)
	cp.UpdatedAt = t.storage.now()
	if existing, ok := t.state.invoices[inv.StripeID]; ok {
		cp.ID = existing.ID
		if cp.Created == nil {
			cp.Created = existing.Created
		}
	} else {
		cp.ID = t.nextID()
	}
	t.state.invoices[cp.StripeID] = &cp
	return cp.ID, nil
}

// UpsertInvoiceLineItem implements billing.Upserter.
func (t *memTx) UpsertInvoiceLineItem(ctx context.Context, line *billing.InvoiceLineItem) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	cp := *line
	cp.Currency = strings.ToUpper(cp.Currency)
	cp.UpdatedAt = t.storage.now()
	if existing, ok := t.state.invoiceLines[line.StripeID]; ok {
		cp.ID = existing.ID
	} else {
		cp.ID = t.nextID()
	}
	t.state.invoiceLines[cp.StripeID] = &cp
	return cp.ID, nil
}

// UpsertInvoiceItem implements billing.Upserter.
func (t *memTx) UpsertInvoiceItem(ctx context.Context, it *billing.InvoiceItem) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	cp := *it
	cp.Currency = strings.ToUpper(cp.Currency)
	cp.UpdatedAt = t.storage.now()
	if existing, ok := t.state.invoiceItems[it.StripeID]; ok {
		cp.ID = existing.ID
		if cp.Created == nil {
			cp.Created = existing.Created
		}
		if cp.DeletedAt == nil {
			cp.DeletedAt = existing.DeletedAt
		}
	} else {
		cp.ID = t.nextID()
	}
	t.state.invoiceItems[cp.StripeID] = &cp
	return cp.ID, nil
}

// UpsertPaymentMethod implements billing.Upserter.
func (t *memTx) UpsertPaymentMethod(ctx context.Context, pm *billing.PaymentMethod) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	cp := *pm
	cp.UpdatedAt = t.storage.now()
	if existing, ok := t.state.payMethods[pm.StripeID]; ok {
		cp.ID = existing.ID
		if cp.Created == nil {
			cp.Created = existing.Created
		}
	} else {
		cp.ID = t.nextID()
	}
	t.state.payMethods[cp.StripeID] = &cp
	return cp.ID, nil
}

// UpsertCharge implements billing.Upserter.
func (t *memTx) UpsertCharge(ctx context.Context, ch *billing.Charge) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	cp := *ch
	cp.Currency = strings.ToUpper(cp.Currency)
	cp.UpdatedAt = t.storage.now()
	if existing, ok := t.state.charges[ch.StripeID]; ok {
		cp.ID = existing.ID
		if cp.Created == nil {
			cp.Created = existing.Created
		}
	} else {
		cp.ID = t.nextID()
	}
	t.state.charges[cp.StripeID] = &cp
	return cp.ID, nil
}

// UpsertPaymentIntent implements billing.Upserter.
func (t *memTx) UpsertPaymentIntent(ctx context.Context, pi *billing.PaymentIntent) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	cp := *pi
	cp.Currency = strings.ToUpper(cp.Currency)
	cp.UpdatedAt = t.storage.now()
	if existing, ok := t.state.payIntents[pi.StripeID]; ok {
		cp.ID = existing.ID
		if cp.Created == nil {
			cp.Created = existing.Created
		}
	} else {
		cp.ID = t.nextID()
	}
	t.state.payIntents[cp.StripeID] = &cp
	return cp.ID, nil
}

var _ billing.Tx = (*memTx)(nil)
var _ billing.Store = (*Storage)(nil)
