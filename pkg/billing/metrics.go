package billing

import "time"

// Metrics defines the interface for tracking synchronizer operations.
// All methods are optional - callers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the provider.
	// status: "success", "duplicate" or "error"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a
	// webhook event end to end.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook rejection before processing.
	// errorType: "signature_verification_failed", "payload_too_large",
	// "invalid_payload", "journal_error", "processing_error"
	RecordWebhookError(errorType string)

	// RecordUpsert records one entity upsert performed by a handler.
	RecordUpsert(kind EntityKind)

	// RecordSync records a backfill sync run for one entity kind.
	// status: "success" or "error"
	RecordSync(kind EntityKind, status string)

	// RecordSyncDuration records how long a backfill sync run took.
	RecordSyncDuration(duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordUpsert(_ EntityKind)                                 {}
func (n *NoopMetrics) RecordSync(_ EntityKind, _ string)                         {}
func (n *NoopMetrics) RecordSyncDuration(_ time.Duration)                        {}
