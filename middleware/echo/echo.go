// Package echo gates Echo routes on the caller holding a current subscription.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

// StatusKey is where Middleware stores the admitted *billing.SubscriptionStatus.
const StatusKey = "subscription"

// UserIDExtractor returns the authenticated user, or "" for anonymous requests.
type UserIDExtractor func(c echo.Context) string

// Config wires the gate. Checker and GetUserID are required.
type Config struct {
	Checker   *billing.AccessChecker
	GetUserID UserIDExtractor

	// Response hooks. Nil hooks answer 402, 401 and 500 with a JSON error body.
	OnSubscriptionRequired func(c echo.Context, status *billing.SubscriptionStatus) error
	OnUnauthorized         func(c echo.Context) error
	OnError                func(c echo.Context, err error) error
}

type errorBody struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
}

// Middleware admits requests whose user has access. It panics on a missing
// Checker or GetUserID.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Checker == nil {
		panic("resumegate/echo: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("resumegate/echo: Config.GetUserID is required")
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = defaultUnauthorized
	}
	if cfg.OnSubscriptionRequired == nil {
		cfg.OnSubscriptionRequired = defaultSubscriptionRequired
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				return cfg.OnUnauthorized(c)
			}

			status, err := cfg.Checker.Status(c.Request().Context(), userID)
			switch {
			case err != nil:
				return cfg.OnError(c, err)
			case !status.HasAccess():
				return cfg.OnSubscriptionRequired(c, status)
			}

			c.Set(StatusKey, status)
			return next(c)
		}
	}
}

// StatusFromContext returns the status Middleware admitted the request with.
func StatusFromContext(c echo.Context) (*billing.SubscriptionStatus, bool) {
	status, ok := c.Get(StatusKey).(*billing.SubscriptionStatus)
	return status, ok
}

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
}

func defaultSubscriptionRequired(c echo.Context, status *billing.SubscriptionStatus) error {
	return c.JSON(http.StatusPaymentRequired, errorBody{Error: "Subscription required", Status: status.Status})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, errorBody{Error: "Internal Server Error"})
}

// FromContext reads a string an upstream auth middleware stored with c.Set.
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		userID, _ := c.Get(key).(string)
		return userID
	}
}

// FromHeader reads the user ID from a request header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam reads the user ID from a path parameter.
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
