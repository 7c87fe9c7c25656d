// Package memory provides an in-memory implementation of the billing.Store
// interface. This implementation is primarily intended for testing and
// development. Transactions are snapshot-based: Begin copies the state,
// Commit swaps it in, Rollback discards it, which gives the same
// all-or-nothing guarantee the Postgres store gets from real transactions.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/stripesync/pkg/billing"
)

// Storage implements billing.Store using in-memory maps keyed by external id.
type Storage struct {
	mu    sync.RWMutex
	txMu  sync.Mutex // serializes transactions
	state *state
	now   func() time.Time
}

type state struct {
	nextID int64

	customers     map[string]*billing.Customer
	products      map[string]*billing.Product
	prices        map[string]*billing.Price
	subscriptions map[string]*billing.Subscription
	subItems      map[string]*billing.SubscriptionItem
	invoices      map[string]*billing.Invoice
	invoiceLines  map[string]*billing.InvoiceLineItem
	invoiceItems  map[string]*billing.InvoiceItem
	payMethods    map[string]*billing.PaymentMethod
	charges       map[string]*billing.Charge
	payIntents    map[string]*billing.PaymentIntent

	nextEventID int64
	events      map[string]*billing.EventRecord

	nextLogID int64
	logs      map[int64]*billing.EventProcessingLog
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		state: newState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func newState() *state {
	return &state{
		customers:     make(map[string]*billing.Customer),
		products:      make(map[string]*billing.Product),
		prices:        make(map[string]*billing.Price),
		subscriptions: make(map[string]*billing.Subscription),
		subItems:      make(map[string]*billing.SubscriptionItem),
		invoices:      make(map[string]*billing.Invoice),
		invoiceLines:  make(map[string]*billing.InvoiceLineItem),
		invoiceItems:  make(map[string]*billing.InvoiceItem),
		payMethods:    make(map[string]*billing.PaymentMethod),
		charges:       make(map[string]*billing.Charge),
		payIntents:    make(map[string]*billing.PaymentIntent),
		events:        make(map[string]*billing.EventRecord),
		logs:          make(map[int64]*billing.EventProcessingLog),
	}
}

func (st *state) clone() *state {
	c := newState()
	c.nextID = st.nextID
	c.nextEventID = st.nextEventID
	c.nextLogID = st.nextLogID
	for k, v := range st.customers {
		cp := *v
		c.customers[k] = &cp
	}
	for k, v := range st.products {
		cp := *v
		c.products[k] = &cp
	}
	for k, v := range st.prices {
		cp := *v
		c.prices[k] = &cp
	}
	for k, v := range st.subscriptions {
		cp := *v
		c.subscriptions[k] = &cp
	}
	for k, v := range st.subItems {
		cp := *v
		c.subItems[k] = &cp
	}
	for k, v := range st.invoices {
		cp := *v
		c.invoices[k] = &cp
	}
	for k, v := range st.invoiceLines {
		cp := *v
		c.invoiceLines[k] = &cp
	}
	for k, v := range st.invoiceItems {
		cp := *v
		c.invoiceItems[k] = &cp
	}
	for k, v := range st.payMethods {
		cp := *v
		c.payMethods[k] = &cp
	}
	for k, v := range st.charges {
		cp := *v
		c.charges[k] = &cp
	}
	for k, v := range st.payIntents {
		cp := *v
		c.payIntents[k] = &cp
	}
	for k, v := range st.events {
		cp := *v
		c.events[k] = &cp
	}
	for k, v := range st.logs {
		cp := *v
		cp.EntityRefs = append([]billing.EntityRef(nil), v.EntityRefs...)
		c.logs[k] = &cp
	}
	return c
}

func (st *state) resolve(kind billing.EntityKind, stripeID string) (int64, error) {
	var id int64
	var ok bool
	switch kind {
	case billing.KindCustomer:
		var v *billing.Customer
		v, ok = st.customers[stripeID]
		if ok {
			id = v.ID
		}
	case billing.KindProduct:
		var v *billing.Product
		v, ok = st.products[stripeID]
		if ok {
			id = v.ID
		}
	case billing.KindPrice:
		var v *billing.Price
		v, ok = st.prices[stripeID]
		if ok {
			id = v.ID
		}
	case billing.KindSubscription:
		var v *billing.Subscription
		v, ok = st.subscriptions[stripeID]
		if ok {
			id = v.ID
		}
	case billing.KindSubscriptionItem:
		var v *billing.SubscriptionItem
		v, ok = st.subItems[stripeID]
		if ok {
			id = v.ID
		}
	case billing.KindInvoice:
		var v *billing.Invoice
		v, ok = st.invoices[stripeID]
		if ok {
			id = v.ID
		}
	case billing.KindInvoiceLine:
		var v *billing.InvoiceLineItem
		v, ok = st.invoiceLines[stripeID]
		if ok {
			id = v.ID
		}
	case billing.KindInvoiceItem:
		var v *billing.InvoiceItem
		v, ok = st.invoiceItems[stripeID]
		if ok {
			id = v.ID
		}
	case billing.KindPaymentMethod:
		var v *billing.PaymentMethod
		v, ok = st.payMethods[stripeID]
		if ok {
			id = v.ID
		}
	case billing.KindCharge:
		var v *billing.Charge
		v, ok = st.charges[stripeID]
		if ok {
			id = v.ID
		}
	case billing.KindPaymentIntent:
		var v *billing.PaymentIntent
		v, ok = st.payIntents[stripeID]
		if ok {
			id = v.ID
		}
	default:
		return 0, fmt.Errorf("unknown entity kind %q", kind)
	}
	if !ok {
		return 0, billing.ErrEntityNotFound
	}
	return id, nil
}

// Resolve implements billing.Resolver.
func (s *Storage) Resolve(ctx context.Context, kind billing.EntityKind, stripeID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.resolve(kind, stripeID)
}

// Begin implements billing.Store. The returned Tx holds an exclusive
// transaction slot until Commit or Rollback.
func (s *Storage) Begin(ctx context.Context) (billing.Tx, error) {
	s.txMu.Lock()
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return &memTx{storage: s, state: snapshot}, nil
}

// RecordEvent implements billing.Store with first-write-wins semantics.
// Journal writes serialize against open transactions so a snapshot commit
// cannot clobber them.
func (s *Storage) RecordEvent(ctx context.Context, ev *billing.EventRecord) (int64, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.state.events[ev.StripeEventID]; ok {
		if existing.Status == billing.EventStatusCompleted {
			return existing.ID, billing.ErrDuplicateEvent
		}
		// Failed or still-pending delivery, hand the row back for a retry.
		return existing.ID, nil
	}

	s.state.nextEventID++
	cp := *ev
	cp.ID = s.state.nextEventID
	if cp.Status == "" {
		cp.Status = billing.EventStatusPending
	}
	cp.ReceivedAt = s.now()
	s.state.events[cp.StripeEventID] = &cp
	return cp.ID, nil
}

// MarkEventStatus implements billing.Store.
func (s *Storage) MarkEventStatus(ctx context.Context, journalID int64, status billing.EventStatus) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.state.events {
		if ev.ID == journalID {
			ev.Status = status
			return nil
		}
	}
	return billing.ErrEntityNotFound
}

// StartProcessing implements billing.Store.
func (s *Storage) StartProcessing(ctx context.Context, stripeEventID, eventType string) (int64, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.nextLogID++
	log := &billing.EventProcessingLog{
		ID:            s.state.nextLogID,
		StripeEventID: stripeEventID,
		EventType:     eventType,
		StartedAt:     s.now(),
		Status:        billing.ProcessingStarted,
	}
	s.state.logs[log.ID] = log
	return log.ID, nil
}

// MarkFailed implements billing.Store.
func (s *Storage) MarkFailed(ctx context.Context, logID int64, errMsg string) error {
	return s.finishLog(logID, billing.ProcessingFailed, errMsg, nil)
}

// MarkSkipped implements billing.Store.
func (s *Storage) MarkSkipped(ctx context.Context, logID int64) error {
	return s.finishLog(logID, billing.ProcessingSkipped, "", nil)
}

func (s *Storage) finishLog(logID int64, status billing.ProcessingStatus, errMsg string, refs []billing.EntityRef) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.state.logs[logID]
	if !ok {
		return billing.ErrEntityNotFound
	}
	now := s.now()
	log.Status = status
	log.CompletedAt = &now
	log.ErrorMessage = errMsg
	if refs != nil {
		log.EntityRefs = append([]billing.EntityRef(nil), refs...)
	}
	return nil
}

// GetCustomerByStripeID implements billing.Store.
func (s *Storage) GetCustomerByStripeID(ctx context.Context, stripeID string) (*billing.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.customers[stripeID]
	if !ok {
		return nil, billing.ErrEntityNotFound
	}
	cp := *c
	return &cp, nil
}

// GetCustomerByEmail implements billing.Store.
func (s *Storage) GetCustomerByEmail(ctx context.Context, email string) (*billing.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.state.customers {
		if c.Email == email {
			cp := *c
			return &cp, nil
		}
	}
	return nil, billing.ErrEntityNotFound
}

// ListSubscriptionsByCustomer implements billing.Store, newest first.
func (s *Storage) ListSubscriptionsByCustomer(ctx context.Context, customerID int64) ([]*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*billing.Subscription
	for _, sub := range s.state.subscriptions {
		if sub.CustomerID == customerID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// ListSubscriptionPlans implements billing.Store.
func (s *Storage) ListSubscriptionPlans(ctx context.Context, subscriptionID int64) ([]*billing.PlanDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []*billing.SubscriptionItem
	for _, it := range s.state.subItems {
		if it.SubscriptionID == subscriptionID {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	out := make([]*billing.PlanDetail, 0, len(items))
	for _, it := range items {
		d := &billing.PlanDetail{
			ItemStripeID: it.StripeID,
			Quantity:     it.Quantity,
		}
		if it.PriceID != nil {
			if price := s.priceByID(*it.PriceID); price != nil {
				d.PriceStripeID = price.StripeID
				d.UnitAmount = price.UnitAmount
				d.Currency = price.Currency
				d.RecurringInterval = price.RecurringInterval
				d.RecurringIntervalCount = price.RecurringIntervalCount
				d.LookupKey = price.LookupKey
				d.Nickname = price.Nickname
				if price.ProductID != nil {
					if prod := s.productByID(*price.ProductID); prod != nil {
						d.ProductStripeID = prod.StripeID
						d.ProductName = prod.Name
						d.ProductDescription = prod.Description
					}
				}
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// ListInvoicesByCustomer implements billing.Store, newest first.
func (s *Storage) ListInvoicesByCustomer(ctx context.Context, customerID int64) ([]*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*billing.Invoice
	for _, inv := range s.state.invoices {
		if inv.CustomerID == customerID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// ListInvoiceLines implements billing.Store.
func (s *Storage) ListInvoiceLines(ctx context.Context, invoiceID int64) ([]*billing.InvoiceLineDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var lines []*billing.InvoiceLineItem
	for _, l := range s.state.invoiceLines {
		if l.InvoiceID == invoiceID {
			lines = append(lines, l)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })

	out := make([]*billing.InvoiceLineDetail, 0, len(lines))
	for _, l := range lines {
		d := &billing.InvoiceLineDetail{
			LineStripeID: l.StripeID,
			Type:         l.Type,
			Description:  l.Description,
			Amount:       l.Amount,
			Currency:     l.Currency,
			Quantity:     l.Quantity,
			PeriodStart:  l.PeriodStart,
			PeriodEnd:    l.PeriodEnd,
			Proration:    l.Proration,
		}
		if l.PriceID != nil {
			if price := s.priceByID(*l.PriceID); price != nil {
				d.PriceStripeID = price.StripeID
				d.LookupKey = price.LookupKey
				if price.ProductID != nil {
					if prod := s.productByID(*price.ProductID); prod != nil {
						d.ProductName = prod.Name
					}
				}
			}
		}
		if l.SubscriptionID != nil {
			for _, sub := range s.state.subscriptions {
				if sub.ID == *l.SubscriptionID {
					d.SubscriptionRef = sub.StripeID
					break
				}
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// ListInvoiceItemsByCustomer implements billing.Store, newest first.
func (s *Storage) ListInvoiceItemsByCustomer(ctx context.Context, customerID int64) ([]*billing.InvoiceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*billing.InvoiceItem
	for _, it := range s.state.invoiceItems {
		if it.CustomerID == customerID {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// ListCustomerEvents implements billing.Store.
func (s *Storage) ListCustomerEvents(ctx context.Context, customerStripeID string, eventTypes []string) ([]*billing.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	typeSet := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		typeSet[t] = true
	}

	var out []*billing.EventRecord
	for _, ev := range s.state.events {
		if len(typeSet) > 0 && !typeSet[ev.EventType] {
			continue
		}
		if eventCustomerID(ev.RawData) != customerStripeID {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// eventCustomerID pulls the customer reference out of an event payload. The
// provider sends it either as a plain id string or as an expanded object.
func eventCustomerID(raw json.RawMessage) string {
	var envelope struct {
		Data struct {
			Object struct {
				Customer json.RawMessage `json:"customer"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	cust := envelope.Data.Object.Customer
	if len(cust) == 0 {
		return ""
	}
	if strings.HasPrefix(string(cust), `"`) {
		var id string
		if err := json.Unmarshal(cust, &id); err != nil {
			return ""
		}
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(cust, &obj); err != nil {
		return ""
	}
	return obj.ID
}

// Ping implements billing.Store.
func (s *Storage) Ping(ctx context.Context) error { return nil }

// Close implements billing.Store.
func (s *Storage) Close() {}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = newState()
}

func (s *Storage) priceByID(id int64) *billing.Price {
	for _, p := range s.state.prices {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (s *Storage) productByID(id int64) *billing.Product {
	for _, p := range s.state.products {
		if p.ID == id {
			return p
		}
	}
	return nil
}
