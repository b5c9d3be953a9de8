package billing

import (
	"net/http"
	"time"
)

// DefaultUserIDMetadataKey is the provider metadata key that carries the
// application user id on checkout sessions and subscriptions.
const DefaultUserIDMetadataKey = "userId"

// DefaultWebhookTolerance is the maximum accepted age of a signed webhook.
const DefaultWebhookTolerance = 300 * time.Second

// Config defines the standard configuration all providers should accept
type Config struct {
	// Store receives reconciled subscription records.
	Store Storage

	// Identity receives customer bindings on checkout completion.
	Identity IdentityBridge

	// Guard optionally discards subscription events older than the last
	// admitted one for the same subscription. Nil disables ordering checks.
	Guard OrderingGuard

	// WebhookSecret is the signing secret used to verify incoming webhooks.
	WebhookSecret string

	// WebhookTolerance bounds the age of a webhook signature timestamp.
	// Defaults to DefaultWebhookTolerance.
	WebhookTolerance time.Duration

	// APIKey is used for outbound API calls to the billing provider
	// (subscription fetches, SyncUser, checkout and portal sessions).
	APIKey string

	// UserIDMetadataKey names the metadata key carrying the application
	// user id. Defaults to DefaultUserIDMetadataKey.
	UserIDMetadataKey string

	// PriceIDs restricts checkout to the listed prices. Empty allows any price.
	PriceIDs []string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation (e.g., OpenTelemetry).
	HTTPClient *http.Client

	// Logger receives structured logs. If nil, logs are discarded.
	Logger Logger

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics
}
