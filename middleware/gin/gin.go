// Package gin gates Gin routes on the caller holding a current subscription.
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

// StatusKey is where Middleware stores the admitted *billing.SubscriptionStatus.
const StatusKey = "subscription"

// UserIDExtractor returns the authenticated user, or "" for anonymous requests.
type UserIDExtractor func(c *gongin.Context) string

// Config wires the gate. Checker and GetUserID are required; the On* hooks
// replace the default JSON responses and must write the response themselves.
type Config struct {
	Checker   *billing.AccessChecker
	GetUserID UserIDExtractor

	// OnSubscriptionRequired defaults to 402 with the resolved status.
	OnSubscriptionRequired func(c *gongin.Context, status *billing.SubscriptionStatus)
	// OnUnauthorized defaults to 401.
	OnUnauthorized func(c *gongin.Context)
	// OnError defaults to 500; err is never written to the client.
	OnError func(c *gongin.Context, err error)
}

func (cfg *Config) setDefaults() {
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = func(c *gongin.Context) {
			c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
		}
	}
	if cfg.OnSubscriptionRequired == nil {
		cfg.OnSubscriptionRequired = func(c *gongin.Context, status *billing.SubscriptionStatus) {
			c.JSON(http.StatusPaymentRequired, gongin.H{
				"error":  "Subscription required",
				"status": status.Status,
			})
		}
	}
	if cfg.OnError == nil {
		cfg.OnError = func(c *gongin.Context, _ error) {
			c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
		}
	}
}

// Middleware admits requests whose user has access and stores the resolved
// status under StatusKey. It panics on a missing Checker or GetUserID.
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Checker == nil {
		panic("resumegate/gin: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("resumegate/gin: Config.GetUserID is required")
	}
	cfg.setDefaults()

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			cfg.OnUnauthorized(c)
			c.Abort()
			return
		}

		status, err := cfg.Checker.Status(c.Request.Context(), userID)
		switch {
		case err != nil:
			cfg.OnError(c, err)
			c.Abort()
		case !status.HasAccess():
			cfg.OnSubscriptionRequired(c, status)
			c.Abort()
		default:
			c.Set(StatusKey, status)
			c.Next()
		}
	}
}

// StatusFromContext returns the status Middleware admitted the request with.
func StatusFromContext(c *gongin.Context) (*billing.SubscriptionStatus, bool) {
	val, ok := c.Get(StatusKey)
	if !ok {
		return nil, false
	}
	status, ok := val.(*billing.SubscriptionStatus)
	return status, ok
}

// FromContext reads a string value an upstream auth handler stored with c.Set.
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader reads the user ID from a request header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam reads the user ID from a route parameter.
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
