// Package server assembles the HTTP surface of the service: the Stripe
// webhook, the authenticated billing and summary API, admin routes, health
// and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	subscriptionhttp "github.com/mihaimyh/resumegate/middleware/http"
	"github.com/mihaimyh/resumegate/pkg/api"
	"github.com/mihaimyh/resumegate/pkg/auth"
	"github.com/mihaimyh/resumegate/pkg/billing"
)

const defaultRequestTimeout = 60 * time.Second

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config wires the handlers served by NewRouter.
type Config struct {
	// API serves the authenticated and admin routes (required)
	API *api.Handler

	// Webhook receives Stripe notifications (required)
	Webhook http.Handler

	// Authenticate rejects unauthenticated requests and stores the user id
	// for auth.UserID (required)
	Authenticate func(http.Handler) http.Handler

	// Checker gates the summary route (required)
	Checker *billing.AccessChecker

	// Metrics is served on /metrics. Defaults to promhttp.Handler().
	Metrics http.Handler

	// HealthChecks run on /healthz, keyed by dependency name.
	HealthChecks map[string]HealthCheck

	// TrustProxyHeaders rewrites RemoteAddr from X-Forwarded-For and
	// X-Real-IP. Leave it off unless a proxy overwrites those headers;
	// otherwise clients can pick their own address and dodge per-IP limits.
	TrustProxyHeaders bool

	AllowedOrigins []string
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

func (c *Config) validate() error {
	switch {
	case c.API == nil:
		return errors.New("api handler is required")
	case c.Webhook == nil:
		return errors.New("webhook handler is required")
	case c.Authenticate == nil:
		return errors.New("authenticate middleware is required")
	case c.Checker == nil:
		return errors.New("access checker is required")
	}
	return nil
}

// NewRouter builds the chi router for the service.
func NewRouter(config Config) (http.Handler, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.Metrics == nil {
		config.Metrics = promhttp.Handler()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}

	gate := subscriptionhttp.Middleware(subscriptionhttp.Config{
		Checker:   config.Checker,
		GetUserID: subscriptionhttp.FromContextFunc(auth.UserID),
	})

	r := chi.NewRouter()
	r.Use(RequestID)
	if config.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(AccessLog(config.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(config.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", healthHandler(config.HealthChecks))
	r.Handle("/metrics", config.Metrics)

	// Stripe is configured with either path depending on the deployment.
	r.Handle("/webhook", config.Webhook)

	r.Route("/api", func(r chi.Router) {
		r.Handle("/stripe-webhook", config.Webhook)

		r.Group(func(r chi.Router) {
			r.Use(config.Authenticate)

			r.Get("/subscription", config.API.GetSubscription)
			r.Post("/billing/checkout", config.API.CreateCheckout)
			r.Post("/billing/portal", config.API.CreatePortal)
			r.With(gate).Post("/summary", config.API.GenerateSummary)
		})
	})

	r.Post("/admin/resync/{userID}", config.API.Resync)

	return r, nil
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		code := http.StatusOK
		if len(checks) > 0 {
			resp.Checks = make(map[string]string, len(checks))
		}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
