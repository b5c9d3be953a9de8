package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/resumegate/pkg/billing"
	"github.com/mihaimyh/resumegate/pkg/summary"
	"github.com/mihaimyh/resumegate/storage/memory"
)

const (
	testUserID     = "user123"
	testAdminToken = "admin-secret"
)

var testNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

type fakeBilling struct {
	checkoutURL string
	portalURL   string
	synced      *billing.LocalSubscriptionRecord
	err         error

	gotUserID  string
	gotPriceID string
	gotSuccess string
	gotReturn  string
}

func (f *fakeBilling) CheckoutURL(_ context.Context, userID, priceID, successURL, _ string) (string, error) {
	f.gotUserID, f.gotPriceID, f.gotSuccess = userID, priceID, successURL
	return f.checkoutURL, f.err
}

func (f *fakeBilling) PortalURL(_ context.Context, userID, returnURL string) (string, error) {
	f.gotUserID, f.gotReturn = userID, returnURL
	return f.portalURL, f.err
}

func (f *fakeBilling) SyncUser(_ context.Context, userID string) (*billing.LocalSubscriptionRecord, error) {
	f.gotUserID = userID
	return f.synced, f.err
}

type fakeSummaries struct {
	out string
	err error
}

func (f *fakeSummaries) Generate(context.Context, *summary.Input) (string, error) {
	return f.out, f.err
}

type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) GetByUser(context.Context, string) (*billing.LocalSubscriptionRecord, error) {
	return nil, errors.New("connection refused")
}

func newTestHandler(t *testing.T, mutate func(*Config)) *Handler {
	t.Helper()

	storage := memory.New()
	require.NoError(t, storage.UpsertByUser(context.Background(), &billing.LocalSubscriptionRecord{
		UserID:               testUserID,
		StripeSubscriptionID: "sub_1",
		StripePriceID:        "price_basic",
		CurrentPeriodEnd:     testNow.Add(72 * time.Hour),
		CancelAtPeriodEnd:    true,
	}))

	config := Config{
		Checker:            billing.NewAccessChecker(storage, billing.WithClock(func() time.Time { return testNow })),
		GetUserID:          FromHeader("X-User-ID"),
		CheckoutSuccessURL: "https://app.example.com/billing/success",
		CheckoutCancelURL:  "https://app.example.com/billing",
		PortalReturnURL:    "https://app.example.com/billing",
		AdminToken:         testAdminToken,
	}
	if mutate != nil {
		mutate(&config)
	}

	handler, err := NewHandler(config)
	require.NoError(t, err)
	return handler
}

func doRequest(h http.HandlerFunc, method, target, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{GetUserID: FromHeader("X-User-ID")})
	assert.Error(t, err)

	_, err = NewHandler(Config{Checker: billing.NewAccessChecker(memory.New())})
	assert.Error(t, err)
}

func TestHandler_GetSubscription(t *testing.T) {
	h := newTestHandler(t, nil)

	t.Run("subscribed user", func(t *testing.T) {
		rec := doRequest(h.GetSubscription, http.MethodGet, "/api/subscription", testUserID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var status billing.SubscriptionStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, testUserID, status.UserID)
		assert.Equal(t, billing.AccessCanceling, status.Status)
		assert.Equal(t, "price_basic", status.PriceID)
		assert.True(t, status.CancelAtPeriodEnd)
		require.NotNil(t, status.CurrentPeriodEnd)
		assert.True(t, status.CurrentPeriodEnd.Equal(testNow.Add(72*time.Hour)))
	})

	t.Run("user without subscription", func(t *testing.T) {
		rec := doRequest(h.GetSubscription, http.MethodGet, "/api/subscription", "other", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var status billing.SubscriptionStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, billing.AccessNone, status.Status)
		assert.Nil(t, status.CurrentPeriodEnd)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rec := doRequest(h.GetSubscription, http.MethodGet, "/api/subscription", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("user id too long", func(t *testing.T) {
		rec := doRequest(h.GetSubscription, http.MethodGet, "/api/subscription", strings.Repeat("u", 256), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("storage failure", func(t *testing.T) {
		h := newTestHandler(t, func(c *Config) {
			c.Checker = billing.NewAccessChecker(&errorStorage{Storage: memory.New()})
		})
		rec := doRequest(h.GetSubscription, http.MethodGet, "/api/subscription", testUserID, "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection refused")
	})
}

func TestHandler_CreateCheckout(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fb := &fakeBilling{checkoutURL: "https://checkout.stripe.com/c/pay/cs_1"}
		h := newTestHandler(t, func(c *Config) { c.Billing = fb })

		rec := doRequest(h.CreateCheckout, http.MethodPost, "/api/billing/checkout", testUserID, `{"price_id":" price_basic "}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var body URLResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, fb.checkoutURL, body.URL)
		assert.Equal(t, testUserID, fb.gotUserID)
		assert.Equal(t, "price_basic", fb.gotPriceID)
		assert.Equal(t, "https://app.example.com/billing/success", fb.gotSuccess)
	})

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"missing price", `{}`, nil, http.StatusBadRequest},
		{"malformed body", `{`, nil, http.StatusBadRequest},
		{"price not allowed", `{"price_id":"price_x"}`, fmt.Errorf("%w: price_x", billing.ErrPriceNotAllowed), http.StatusBadRequest},
		{"stripe failure", `{"price_id":"price_basic"}`, fmt.Errorf("%w: boom", billing.ErrProviderAPIError), http.StatusBadGateway},
		{"unexpected failure", `{"price_id":"price_basic"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, func(c *Config) { c.Billing = &fakeBilling{err: tt.err} })
			rec := doRequest(h.CreateCheckout, http.MethodPost, "/api/billing/checkout", testUserID, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}

	t.Run("billing not configured", func(t *testing.T) {
		h := newTestHandler(t, nil)
		rec := doRequest(h.CreateCheckout, http.MethodPost, "/api/billing/checkout", testUserID, `{"price_id":"p"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHandler_CreatePortal(t *testing.T) {
	fb := &fakeBilling{portalURL: "https://billing.stripe.com/p/session/1"}
	h := newTestHandler(t, func(c *Config) { c.Billing = fb })

	rec := doRequest(h.CreatePortal, http.MethodPost, "/api/billing/portal", testUserID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), fb.portalURL)
	assert.Equal(t, "https://app.example.com/billing", fb.gotReturn)

	h = newTestHandler(t, func(c *Config) {
		c.Billing = &fakeBilling{err: billing.ErrCustomerNotFound}
	})
	rec = doRequest(h.CreatePortal, http.MethodPost, "/api/billing/portal", testUserID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, billing.ErrCustomerNotFound.Error(), decodeError(t, rec))
}

func newAdminRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/admin/resync/{userID}", h.Resync)
	return r
}

func TestHandler_Resync(t *testing.T) {
	synced := &billing.LocalSubscriptionRecord{UserID: "user_9", StripeSubscriptionID: "sub_9"}

	tests := []struct {
		name       string
		adminToken string
		header     string
		billing    *fakeBilling
		wantStatus int
	}{
		{"disabled without token", "", "Bearer " + testAdminToken, &fakeBilling{}, http.StatusNotFound},
		{"missing auth", testAdminToken, "", &fakeBilling{}, http.StatusUnauthorized},
		{"wrong token", testAdminToken, "Bearer nope", &fakeBilling{}, http.StatusUnauthorized},
		{"synced", testAdminToken, "Bearer " + testAdminToken, &fakeBilling{synced: synced}, http.StatusOK},
		{"no customer", testAdminToken, "Bearer " + testAdminToken, &fakeBilling{err: billing.ErrCustomerNotFound}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, func(c *Config) {
				c.AdminToken = tt.adminToken
				c.Billing = tt.billing
			})

			req := httptest.NewRequest(http.MethodPost, "/admin/resync/user_9", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			newAdminRouter(h).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "user_9", tt.billing.gotUserID)

				var body ResyncResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, "user_9", body.UserID)
				require.NotNil(t, body.Subscription)
				assert.Equal(t, "sub_9", body.Subscription.StripeSubscriptionID)
			}
		})
	}
}

func TestHandler_GenerateSummary(t *testing.T) {
	tests := []struct {
		name       string
		gen        *fakeSummaries
		body       string
		wantStatus int
	}{
		{"success", &fakeSummaries{out: "Great engineer."}, `{"job_title":"Engineer"}`, http.StatusOK},
		{"invalid input", &fakeSummaries{err: fmt.Errorf("%w: empty", summary.ErrInvalidInput)}, `{}`, http.StatusBadRequest},
		{"malformed body", &fakeSummaries{}, `not json`, http.StatusBadRequest},
		{"model failure", &fakeSummaries{err: summary.ErrCompletionFailed}, `{"job_title":"Engineer"}`, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, func(c *Config) { c.Summaries = tt.gen })
			rec := doRequest(h.GenerateSummary, http.MethodPost, "/api/summary", testUserID, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus == http.StatusOK {
				var body SummaryResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, "Great engineer.", body.Summary)
			}
		})
	}
}

func TestHandler_CustomOnError(t *testing.T) {
	var got error
	h := newTestHandler(t, func(c *Config) {
		c.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		}
	})

	rec := doRequest(h.GetSubscription, http.MethodGet, "/api/subscription", "", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, errUnauthenticated, got)
}
