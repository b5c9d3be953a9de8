package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/resumegate/pkg/billing"
	"github.com/mihaimyh/resumegate/pkg/summary"
)

// BillingService is the provider surface the API drives.
type BillingService interface {
	CheckoutURL(ctx context.Context, userID, priceID, successURL, cancelURL string) (string, error)
	PortalURL(ctx context.Context, userID, returnURL string) (string, error)
	SyncUser(ctx context.Context, userID string) (*billing.LocalSubscriptionRecord, error)
}

// SummaryGenerator writes resume summaries.
type SummaryGenerator interface {
	Generate(ctx context.Context, in *summary.Input) (string, error)
}

// Config holds configuration for the API handler
type Config struct {
	// Checker resolves subscription status (required)
	Checker *billing.AccessChecker

	// GetUserID extracts the authenticated user ID from the request (required)
	GetUserID func(*http.Request) string

	// Billing creates checkout/portal sessions and resyncs users.
	// Billing routes answer 503 when nil.
	Billing BillingService

	// Summaries generates resume summaries. The summary route answers 503 when nil.
	Summaries SummaryGenerator

	// CheckoutSuccessURL, CheckoutCancelURL and PortalReturnURL are where
	// Stripe sends the browser back to
	CheckoutSuccessURL string
	CheckoutCancelURL  string
	PortalReturnURL    string

	// AdminToken guards the admin routes. Admin routes answer 404 when empty.
	AdminToken string

	// Logger is optional
	Logger billing.Logger

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Checker == nil {
		return fmt.Errorf("checker is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContextFunc returns a GetUserID function backed by a typed context
// accessor such as auth.UserID
func FromContextFunc(get func(context.Context) (string, bool)) func(*http.Request) string {
	return func(r *http.Request) string {
		userID, _ := get(r.Context())
		return userID
	}
}
