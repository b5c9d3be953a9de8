// Package fiber gates Fiber routes on the caller holding a current subscription.
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

// StatusKey is the Locals key Middleware stores the admitted
// *billing.SubscriptionStatus under.
const StatusKey = "subscription"

// UserIDExtractor returns the authenticated user, or "" for anonymous requests.
type UserIDExtractor func(c *fiber.Ctx) string

// Config wires the gate. Checker and GetUserID are required; nil hooks fall
// back to JSON error bodies with status 402, 401 and 500.
type Config struct {
	Checker   *billing.AccessChecker
	GetUserID UserIDExtractor

	OnSubscriptionRequired func(c *fiber.Ctx, status *billing.SubscriptionStatus) error
	OnUnauthorized         func(c *fiber.Ctx) error
	OnError                func(c *fiber.Ctx, err error) error
}

// Middleware admits requests whose user has access. Status lookups run on
// c.UserContext so deadlines set by upstream handlers apply.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Checker == nil {
		panic("resumegate/fiber: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("resumegate/fiber: Config.GetUserID is required")
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

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			return cfg.OnUnauthorized(c)
		}

		status, err := cfg.Checker.Status(c.UserContext(), userID)
		if err != nil {
			return cfg.OnError(c, err)
		}
		if !status.HasAccess() {
			return cfg.OnSubscriptionRequired(c, status)
		}

		c.Locals(StatusKey, status)
		return c.Next()
	}
}

// StatusFromContext returns the status Middleware admitted the request with.
func StatusFromContext(c *fiber.Ctx) (*billing.SubscriptionStatus, bool) {
	status, ok := c.Locals(StatusKey).(*billing.SubscriptionStatus)
	return status, ok
}

func respond(c *fiber.Ctx, code int, body fiber.Map) error {
	return c.Status(code).JSON(body)
}

func defaultUnauthorized(c *fiber.Ctx) error {
	return respond(c, fiber.StatusUnauthorized, fiber.Map{"error": "Unauthorized"})
}

func defaultSubscriptionRequired(c *fiber.Ctx, status *billing.SubscriptionStatus) error {
	return respond(c, fiber.StatusPaymentRequired, fiber.Map{
		"error":  "Subscription required",
		"status": status.Status,
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return respond(c, fiber.StatusInternalServerError, fiber.Map{"error": "Internal Server Error"})
}

// FromContext reads a string an upstream handler stored with c.Locals.
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		userID, _ := c.Locals(key).(string)
		return userID
	}
}

// FromHeader reads the user ID from a request header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam reads the user ID from a route parameter.
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
