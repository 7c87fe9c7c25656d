package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/stripesync/pkg/billing"
	"github.com/mihaimyh/stripesync/pkg/internal"
)

// handleWebhook processes incoming Stripe webhook events. Acknowledgement
// rules: 200 once the event is journaled (including duplicates and unhandled
// types), 400 when the signature fails, 500 when processing fails so Stripe
// retries the delivery.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, p.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError("payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError("invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		err = fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError("signature_verification_failed")
		p.logger.Warn("webhook signature verification failed",
			billing.F("error", err.Error()))
		return
	}

	eventType := string(event.Type)
	ctx := r.Context()

	journalID, err := p.store.RecordEvent(ctx, &billing.EventRecord{
		StripeEventID: event.ID,
		EventType:     eventType,
		Created:       unixOrNil(event.Created),
		RawData:       json.RawMessage(body),
	})
	if errors.Is(err, billing.ErrDuplicateEvent) {
		// Redelivery of an event whose first delivery completed. The
		// original journal row is untouched; this attempt is logged as
		// skipped and acknowledged. Failed deliveries do not land here,
		// the journal hands their row back so they run again.
		if logID, logErr := p.store.StartProcessing(ctx, event.ID, eventType); logErr == nil {
			_ = p.store.MarkSkipped(ctx, logID)
		}
		p.metrics.RecordWebhookEvent(eventType, "duplicate")
		p.logger.Info("duplicate event skipped",
			billing.F("event_id", event.ID),
			billing.F("event_type", eventType))
		_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}
	if err != nil {
		http.Error(w, "failed to journal event", http.StatusInternalServerError)
		p.metrics.RecordWebhookError("journal_error")
		return
	}

	if err := p.processEvent(ctx, journalID, &event); err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(eventType, "error")
		p.metrics.RecordWebhookError("processing_error")
		p.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
		p.logger.Error("event processing failed",
			billing.F("event_id", event.ID),
			billing.F("event_type", eventType),
			billing.F("error", err.Error()))
		return
	}

	p.metrics.RecordWebhookEvent(eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// processEvent runs one delivery through the processing-log and transaction
// machinery. The started and failed log rows commit on their own so they
// survive a rollback; the completed update commits with the entity writes.
func (p *Provider) processEvent(ctx context.Context, journalID int64, event *stripe.Event) error {
	eventType := string(event.Type)

	logID, err := p.store.StartProcessing(ctx, event.ID, eventType)
	if err != nil {
		return fmt.Errorf("failed to record processing start: %w", err)
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		p.failEvent(ctx, journalID, logID, err)
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	refs, err := p.routeEvent(ctx, tx, event)
	if err == nil {
		err = tx.MarkCompleted(ctx, logID, refs)
	}
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		p.failEvent(ctx, journalID, logID, err)
		return err
	}

	if err := p.store.MarkEventStatus(ctx, journalID, billing.EventStatusCompleted); err != nil {
		p.logger.Warn("failed to update journal status",
			billing.F("event_id", event.ID),
			billing.F("error", err.Error()))
	}
	return nil
}

func (p *Provider) failEvent(ctx context.Context, journalID, logID int64, cause error) {
	if err := p.store.MarkFailed(ctx, logID, cause.Error()); err != nil {
		p.logger.Warn("failed to record processing failure",
			billing.F("error", err.Error()))
	}
	if err := p.store.MarkEventStatus(ctx, journalID, billing.EventStatusFailed); err != nil {
		p.logger.Warn("failed to update journal status",
			billing.F("error", err.Error()))
	}
}

// routeEvent dispatches the event payload to the matching entity handler.
// Unhandled event types complete with no entity effects.
func (p *Provider) routeEvent(ctx context.Context, tx billing.Tx, event *stripe.Event) ([]billing.EntityRef, error) {
	raw := event.Data.Raw

	switch event.Type {
	case "customer.created", "customer.updated", "customer.deleted":
		var pl customerPayload
		if err := decodePayload(raw, &pl); err != nil {
			return nil, err
		}
		if event.Type == "customer.deleted" {
			pl.Deleted = true
		}
		return p.applyCustomer(ctx, tx, &pl)

	case "product.created", "product.updated":
		var pl productPayload
		if err := decodePayload(raw, &pl); err != nil {
			return nil, err
		}
		return p.applyProduct(ctx, tx, &pl)

	case "price.created", "price.updated":
		var pl pricePayload
		if err := decodePayload(raw, &pl); err != nil {
			return nil, err
		}
		return p.applyPrice(ctx, tx, &pl)

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var pl subscriptionPayload
		if err := decodePayload(raw, &pl); err != nil {
			return nil, err
		}
		return p.applySubscription(ctx, tx, &pl)

	case "invoice.created", "invoice.finalized", "invoice.paid", "invoice.payment_succeeded":
		var pl invoicePayload
		if err := decodePayload(raw, &pl); err != nil {
			return nil, err
		}
		return p.applyInvoice(ctx, tx, &pl)

	case "invoiceitem.created", "invoiceitem.updated", "invoiceitem.deleted":
		var pl invoiceItemPayload
		if err := decodePayload(raw, &pl); err != nil {
			return nil, err
		}
		return p.applyInvoiceItem(ctx, tx, &pl, event.Type == "invoiceitem.deleted")

	case "payment_method.attached":
		var pl paymentMethodPayload
		if err := decodePayload(raw, &pl); err != nil {
			return nil, err
		}
		return p.applyPaymentMethod(ctx, tx, &pl)

	case "charge.succeeded":
		var pl chargePayload
		if err := decodePayload(raw, &pl); err != nil {
			return nil, err
		}
		return p.applyCharge(ctx, tx, &pl)

	case "payment_intent.created", "payment_intent.succeeded":
		var pl paymentIntentPayload
		if err := decodePayload(raw, &pl); err != nil {
			return nil, err
		}
		return p.applyPaymentIntent(ctx, tx, &pl)

	case "checkout.session.completed":
		// Acknowledged without entity effects: every entity the session
		// touches arrives through its own event.
		return nil, nil

	default:
		p.logger.Debug("unhandled event type",
			billing.F("event_type", string(event.Type)))
		return nil, nil
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
