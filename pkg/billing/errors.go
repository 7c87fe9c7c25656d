package billing

import "errors"

var (
	// ErrEntityNotFound is returned by Resolve when no local row carries the
	// requested external id. Absence is not itself a failure; the caller
	// decides whether the dependent write aborts or proceeds with a null
	// reference.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrDuplicateEvent is returned by RecordEvent when the external event id
	// has already been journaled. Duplicates are expected under at-least-once
	// delivery and must be skipped, not reprocessed.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrCustomerRequired is returned when a subscription or invoice payload
	// references a customer that has not been synchronized yet. The event is
	// failed so the provider redelivers it after the customer arrives.
	ErrCustomerRequired = errors.New("customer not resolved")

	// ErrInvalidWebhookSignature is returned when webhook signature
	// verification fails.
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be
	// decoded into its event-type shape.
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderNotConfigured is returned when a provider is constructed
	// without the settings it needs.
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrProviderAPIError is returned when an outbound provider API call
	// fails.
	ErrProviderAPIError = errors.New("billing provider API error")
)
