package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/resumegate/pkg/billing"
	"github.com/mihaimyh/resumegate/pkg/billing/internal"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// BackendURL overrides the Stripe API base URL, e.g. for stripe-mock.
	BackendURL string

	// MaxNetworkRetries overrides the SDK's retry count for API calls.
	// Nil keeps the SDK default.
	MaxNetworkRetries *int64

	// CustomerIDResolver is an optional fast path for mapping a user to a
	// Stripe customer, e.g. from the identity provider's metadata. It is
	// consulted after the local store and before the Search API.
	CustomerIDResolver func(ctx context.Context, userID string) (string, error)

	// RateLimitRequests and RateLimitWindow bound webhook requests per IP.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// TrustForwardedFor keys rate limiting on X-Forwarded-For.
	TrustForwardedFor bool
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	store              billing.Storage
	reconciler         *billing.Reconciler
	verifier           *Verifier
	stripeClient       *stripe.Client
	rateLimiter        *internal.RateLimiter
	customerIDResolver func(context.Context, string) (string, error)
	priceIDs           map[string]struct{}
	userIDKey          string
	webhookConfigured  bool
	metrics            billing.Metrics
	logger             billing.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil || config.Identity == nil {
		return nil, fmt.Errorf("%w: store and identity bridge are required", billing.ErrProviderNotConfigured)
	}

	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: stripe API key not set", billing.ErrProviderNotConfigured)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: config.MaxNetworkRetries,
	}
	if config.BackendURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(config.BackendURL, "/"))
	}
	stripeClient := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendCfg)))

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	userIDKey := config.UserIDMetadataKey
	if userIDKey == "" {
		userIDKey = billing.DefaultUserIDMetadataKey
	}

	p := &Provider{
		store:              config.Store,
		stripeClient:       stripeClient,
		customerIDResolver: config.CustomerIDResolver,
		priceIDs:           make(map[string]struct{}),
		userIDKey:          userIDKey,
		metrics:            metrics,
		logger:             logger.With(billing.F("provider", providerName)),
	}

	for _, id := range config.PriceIDs {
		if id = strings.TrimSpace(id); id != "" {
			p.priceIDs[id] = struct{}{}
		}
	}

	secret := strings.TrimSpace(config.WebhookSecret)
	p.webhookConfigured = secret != ""
	p.verifier = NewVerifier(secret, config.WebhookTolerance, userIDKey)

	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Store:    config.Store,
		Identity: config.Identity,
		Fetcher:  p,
		Guard:    config.Guard,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, err
	}
	p.reconciler = reconciler

	limit := config.RateLimitRequests
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	p.rateLimiter = internal.NewRateLimiter(limit, window)
	p.rateLimiter.TrustForwardedFor = config.TrustForwardedFor

	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// Reconciler exposes the reconciler driven by this provider's webhooks.
func (p *Provider) Reconciler() *billing.Reconciler {
	return p.reconciler
}
