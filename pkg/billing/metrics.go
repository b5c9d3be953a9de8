package billing

import "time"

// Reconciliation outcomes reported through Metrics.RecordReconcile.
const (
	OutcomeUpserted  = "upserted"
	OutcomeDeleted   = "deleted"
	OutcomeBound     = "bound"
	OutcomeSkipped   = "skipped"
	OutcomeDiscarded = "discarded"
	OutcomeFailed    = "failed"
)

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// eventType: The provider event type (e.g., "customer.subscription.updated")
	// status: "success" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "missing_signature", "invalid_signature", "processing_error")
	RecordWebhookError(provider, errorType string)

	// RecordUserSync records a user synchronization operation.
	// status: "success" or "error"
	RecordUserSync(provider, status string)

	// RecordUserSyncDuration records how long a user sync took.
	RecordUserSyncDuration(provider string, duration time.Duration)

	// RecordReconcile records the outcome of one reconciliation step.
	// source: "session", "subscription", "deletion" or "sync"
	RecordReconcile(source, outcome string)

	// RecordAccessCheck records a gating decision.
	// status: one of the Access* statuses, or "error" when the store failed
	RecordAccessCheck(status string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/v1/subscriptions/{id}")
	// status: "success" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordUserSync(_, _ string)                                   {}
func (n *NoopMetrics) RecordUserSyncDuration(_ string, _ time.Duration)             {}
func (n *NoopMetrics) RecordReconcile(_, _ string)                                  {}
func (n *NoopMetrics) RecordAccessCheck(_ string)                                  {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
