// Package http provides HTTP middleware that gates handlers on an active subscription
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Checker resolves subscription status (required)
	Checker *billing.AccessChecker

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnSubscriptionRequired is called when the user has no current subscription
	// If nil, returns 402 Payment Required
	OnSubscriptionRequired func(w http.ResponseWriter, r *http.Request, status *billing.SubscriptionStatus)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "subscription:userID"

	// StatusKey is the context key for the admitted subscription status
	StatusKey ContextKey = "subscription:status"
)

// Middleware creates an HTTP middleware that requires a current subscription
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Checker == nil {
		panic("resumegate/http: Config.Checker is required")
	}
	if config.GetUserID == nil {
		panic("resumegate/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			status, err := config.Checker.Status(r.Context(), userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
				}
				return
			}

			if !status.HasAccess() {
				if config.OnSubscriptionRequired != nil {
					config.OnSubscriptionRequired(w, r, status)
				} else {
					writeError(w, http.StatusPaymentRequired, map[string]string{
						"error":  "Subscription required",
						"status": status.Status,
					})
				}
				return
			}

			ctx := context.WithValue(r.Context(), StatusKey, status)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates an HTTP middleware that requires a current subscription (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// StatusFromContext returns the subscription status admitted by Middleware
func StatusFromContext(ctx context.Context) (*billing.SubscriptionStatus, bool) {
	status, ok := ctx.Value(StatusKey).(*billing.SubscriptionStatus)
	return status, ok
}

func writeError(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Common extractors for convenience

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key any) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromContextFunc adapts a typed context accessor, e.g. auth.UserID
func FromContextFunc(get func(context.Context) (string, bool)) UserIDExtractor {
	return func(r *http.Request) string {
		userID, _ := get(r.Context())
		return userID
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
