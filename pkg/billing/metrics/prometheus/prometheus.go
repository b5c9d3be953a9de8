// Package prommetrics exports billing.Metrics as Prometheus collectors.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

const subsystem = "billing"

// Stripe API calls and webhook handling are dominated by network latency;
// the buckets stretch past the SDK's retry budget.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	webhookErrors   *prometheus.CounterVec
	userSyncs       *prometheus.CounterVec
	userSyncTime    *prometheus.HistogramVec
	reconciles      *prometheus.CounterVec
	accessChecks    *prometheus.CounterVec
	apiCalls        *prometheus.CounterVec
	apiCallTime     *prometheus.HistogramVec
}

// NewMetrics registers the billing collectors with reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   latencyBuckets,
		}, labels)
	}

	return &Metrics{
		webhookEvents: counter("webhook_events_total",
			"Webhook events handled, by provider event type and result.",
			"provider", "event_type", "status"),
		webhookDuration: histogram("webhook_processing_duration_seconds",
			"Time from webhook receipt to response.",
			"provider", "event_type"),
		webhookErrors: counter("webhook_errors_total",
			"Webhook requests rejected or failed, by reason.",
			"provider", "error_type"),
		userSyncs: counter("user_sync_total",
			"Manual resyncs of one user's subscription.",
			"provider", "status"),
		userSyncTime: histogram("user_sync_duration_seconds",
			"Duration of user resyncs.",
			"provider"),
		reconciles: counter("reconcile_total",
			"Subscription reconciliation steps by source and outcome.",
			"source", "outcome"),
		accessChecks: counter("access_checks_total",
			"Feature gating decisions by subscription status.",
			"status"),
		apiCalls: counter("api_calls_total",
			"Outbound billing provider API calls.",
			"provider", "endpoint", "status"),
		apiCallTime: histogram("api_call_duration_seconds",
			"Duration of outbound billing provider API calls.",
			"provider", "endpoint"),
	}
}

// DefaultMetrics returns a Metrics registered with the default registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEvents.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, d time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(d.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrors.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordUserSync(provider, status string) {
	m.userSyncs.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordUserSyncDuration(provider string, d time.Duration) {
	m.userSyncTime.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) RecordReconcile(source, outcome string) {
	m.reconciles.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) RecordAccessCheck(status string) {
	m.accessChecks.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCalls.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, d time.Duration) {
	m.apiCallTime.WithLabelValues(provider, endpoint).Observe(d.Seconds())
}
