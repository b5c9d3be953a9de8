package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/resumegate/pkg/api"
	"github.com/mihaimyh/resumegate/pkg/auth"
	"github.com/mihaimyh/resumegate/pkg/billing"
	"github.com/mihaimyh/resumegate/pkg/billing/stripe"
	"github.com/mihaimyh/resumegate/pkg/summary"
	"github.com/mihaimyh/resumegate/storage/memory"
	"github.com/mihaimyh/resumegate/storage/storagetest"
)

const testUserHeader = "X-Test-User"

type stubSummaries struct{}

func (stubSummaries) Generate(context.Context, *summary.Input) (string, error) {
	return "Seasoned engineer.", nil
}

// headerAuth stands in for the Clerk verifier.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(testUserHeader)
		if userID == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

type nopIdentity struct{}

func (nopIdentity) BindCustomer(context.Context, string, string) error { return nil }

func newLimitedWebhook(t *testing.T, trustForwardedFor bool) http.Handler {
	t.Helper()
	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Store:    memory.New(),
			Identity: nopIdentity{},
			APIKey:   "sk_test_123",
		},
		RateLimitRequests: 2,
		RateLimitWindow:   time.Minute,
		TrustForwardedFor: trustForwardedFor,
	})
	require.NoError(t, err)
	return provider.WebhookHandler()
}

type testEnv struct {
	router       http.Handler
	store        *memory.Storage
	webhookCalls *atomic.Int32
	lastWebhook  *atomic.Value
}

func newTestEnv(t *testing.T, mutate func(c *Config)) *testEnv {
	t.Helper()

	store := memory.New()
	checker := billing.NewAccessChecker(store, billing.WithClock(func() time.Time {
		return time.Unix(1690000000, 0)
	}))

	handler, err := api.NewHandler(api.Config{
		Checker:    checker,
		GetUserID:  api.FromContextFunc(auth.UserID),
		Summaries:  stubSummaries{},
		AdminToken: "admin-secret",
	})
	require.NoError(t, err)

	calls := &atomic.Int32{}
	last := &atomic.Value{}
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		last.Store(r.Header.Get(RequestIDHeader))
		w.WriteHeader(http.StatusOK)
	})

	cfg := Config{
		API:            handler,
		Webhook:        webhook,
		Authenticate:   headerAuth,
		Checker:        checker,
		AllowedOrigins: []string{"https://app.example.com"},
		Logger:         zerolog.New(io.Discard),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	router, err := NewRouter(cfg)
	require.NoError(t, err)

	return &testEnv{router: router, store: store, webhookCalls: calls, lastWebhook: last}
}

func (e *testEnv) do(method, target, userID, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if userID != "" {
		req.Header.Set(testUserHeader, userID)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestNewRouter_RequiresDependencies(t *testing.T) {
	_, err := NewRouter(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api handler")
}

func TestRouter_RequestID(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/healthz", "", "")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
	req.Header.Set(RequestIDHeader, "req-123")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-123", env.lastWebhook.Load())
}

func TestRouter_WebhookPaths(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/webhook", "/api/stripe-webhook"} {
		rec := env.do(http.MethodPost, path, "", "{}")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	assert.Equal(t, int32(2), env.webhookCalls.Load())
}

func TestRouter_Health(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) {
			c.HealthChecks = map[string]HealthCheck{
				"store": func(context.Context) error { return nil },
			}
		})

		rec := env.do(http.MethodGet, "/healthz", "", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, "ok", body.Checks["store"])
	})

	t.Run("degraded", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) {
			c.HealthChecks = map[string]HealthCheck{
				"store": func(context.Context) error { return errors.New("connection refused") },
			}
		})

		rec := env.do(http.MethodGet, "/healthz", "", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body.Status)
		assert.Equal(t, "connection refused", body.Checks["store"])
	})
}

func TestRouter_Metrics(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		})
	})

	rec := env.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestRouter_SubscriptionRequiresAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/subscription", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/subscription", "user_1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status billing.SubscriptionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, billing.AccessNone, status.Status)
	assert.Equal(t, "user_1", status.UserID)
}

func TestRouter_SummaryIsGated(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"job_title":"Engineer"}`

	rec := env.do(http.MethodPost, "/api/summary", "user_1", body)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	require.NoError(t, env.store.UpsertByUser(context.Background(), storagetest.Record("user_1", "sub_1")))

	rec = env.do(http.MethodPost, "/api/summary", "user_1", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.SummaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Seasoned engineer.", resp.Summary)
}

func TestRouter_BillingUnavailableWithoutProvider(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/billing/checkout", "user_1", `{"price_id":"price_1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_AdminResyncRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/admin/resync/user_1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_CORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/subscription", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/subscription", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func countRateLimited(router http.Handler, requests int) int {
	limited := 0
	for i := 0; i < requests; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
		req.RemoteAddr = "198.51.100.7:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("203.0.113.%d", i))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	return limited
}

func TestRouter_WebhookRateLimitIgnoresForwardedHeaders(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Webhook = newLimitedWebhook(t, false)
	})

	// One socket rotating its forwarded address is still one client.
	assert.Equal(t, 8, countRateLimited(env.router, 10))
}

func TestRouter_TrustedProxyHeadersKeyTheLimiter(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Webhook = newLimitedWebhook(t, true)
		c.TrustProxyHeaders = true
	})

	assert.Equal(t, 0, countRateLimited(env.router, 10))
}
