package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/resumegate/pkg/billing"
	"github.com/mihaimyh/resumegate/storage/memory"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testUserID              = "user_2abc"
	testCustomerID          = "cus_test_123"
	testSubscriptionID      = "sub_test_123"
	testPriceIDBasic        = "price_basic_monthly"
	testPriceIDPro          = "price_pro_monthly"
	testPeriodEnd           = int64(1700000000)
)

type fakeIdentity struct {
	mu       sync.Mutex
	bindings map[string]string
	err      error
}

func (f *fakeIdentity) BindCustomer(_ context.Context, userID, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.bindings == nil {
		f.bindings = make(map[string]string)
	}
	f.bindings[userID] = customerID
	return nil
}

func (f *fakeIdentity) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bindings)
}

// fakeStripe serves the subset of the Stripe API used by the provider.
type fakeStripe struct {
	mu       sync.Mutex
	subs     map[string]map[string]interface{}
	requests []string
	lastForm map[string][]string
	fail     bool
}

func newFakeStripe(t *testing.T) (*fakeStripe, *httptest.Server) {
	t.Helper()
	f := &fakeStripe{subs: make(map[string]map[string]interface{})}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeStripe) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	_ = r.ParseForm()
	f.lastForm = r.Form

	w.Header().Set("Content-Type", "application/json")
	if f.fail {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
		return
	}

	switch {
	case r.Method == http.MethodGet && len(r.URL.Path) > len("/v1/subscriptions/") &&
		r.URL.Path[:len("/v1/subscriptions/")] == "/v1/subscriptions/" && r.URL.Path != "/v1/subscriptions/search":
		id := r.URL.Path[len("/v1/subscriptions/"):]
		sub, ok := f.subs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such subscription"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(sub)

	case r.Method == http.MethodGet && r.URL.Path == "/v1/subscriptions":
		customer := r.URL.Query().Get("customer")
		var data []interface{}
		for _, sub := range f.subs {
			if sub["customer"] == customer {
				data = append(data, sub)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list", "url": "/v1/subscriptions", "has_more": false, "data": data,
		})

	case r.Method == http.MethodGet && r.URL.Path == "/v1/subscriptions/search":
		var data []interface{}
		for _, sub := range f.subs {
			data = append(data, sub)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "search_result", "url": "/v1/subscriptions/search", "has_more": false, "data": data,
		})

	case r.Method == http.MethodGet && r.URL.Path == "/v1/customers/search":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "search_result", "url": "/v1/customers/search", "has_more": false, "data": []interface{}{},
		})

	case r.Method == http.MethodPost && r.URL.Path == "/v1/checkout/sessions":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "cs_test_1", "object": "checkout.session", "url": "https://checkout.stripe.test/cs_test_1",
		})

	case r.Method == http.MethodPost && r.URL.Path == "/v1/billing_portal/sessions":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "bps_test_1", "object": "billing_portal.session", "url": "https://billing.stripe.test/p/bps_test_1",
		})

	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"unknown route"}}`))
	}
}

func (f *fakeStripe) addSubscription(sub map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub["id"].(string)] = sub
}

func (f *fakeStripe) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeStripe) form(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v := f.lastForm[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// subscriptionObject builds a Stripe subscription JSON object.
func subscriptionObject(id, userID, status string, periodEnd int64) map[string]interface{} {
	md := map[string]interface{}{}
	if userID != "" {
		md["userId"] = userID
	}
	return map[string]interface{}{
		"id":                   id,
		"object":               "subscription",
		"customer":             testCustomerID,
		"status":               status,
		"cancel_at_period_end": false,
		"metadata":             md,
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":                 "si_" + id,
					"object":             "subscription_item",
					"current_period_end": periodEnd,
					"price":              map[string]interface{}{"id": testPriceIDBasic, "object": "price"},
				},
			},
		},
	}
}

func sessionObject(userID, subscriptionID string) map[string]interface{} {
	md := map[string]interface{}{}
	if userID != "" {
		md["userId"] = userID
	}
	obj := map[string]interface{}{
		"id":       "cs_test_1",
		"object":   "checkout.session",
		"customer": testCustomerID,
		"mode":     "subscription",
		"metadata": md,
	}
	if subscriptionID != "" {
		obj["subscription"] = subscriptionID
	}
	return obj
}

func eventPayload(t *testing.T, id, eventType string, created int64, object interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created,
		"api_version": stripe.APIVersion,
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func signatureFor(payload []byte, secret string, ts time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	})
	return signed.Header
}

func signedRequest(payload []byte, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signatureFor(payload, secret, time.Now()))
	return req
}

func newTestProvider(t *testing.T, backendURL string, identity billing.IdentityBridge) (*Provider, *memory.Storage) {
	t.Helper()
	store := memory.New()
	if identity == nil {
		identity = &fakeIdentity{}
	}
	p, err := NewProvider(Config{
		Config: billing.Config{
			Store:         store,
			Identity:      identity,
			APIKey:        testStripeAPIKey,
			WebhookSecret: testStripeWebhookSecret,
			PriceIDs:      []string{testPriceIDBasic, testPriceIDPro},
		},
		BackendURL:        backendURL,
		MaxNetworkRetries: stripe.Int64(0),
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p, store
}
