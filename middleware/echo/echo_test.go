package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/resumegate/pkg/billing"
	"github.com/mihaimyh/resumegate/storage/memory"
)

var testNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

// errorStorage is a mock storage that always fails on reads
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) GetByUser(context.Context, string) (*billing.LocalSubscriptionRecord, error) {
	return nil, errors.New("connection refused")
}

// Test helper to create a checker with one active and one expired user
func setupTestChecker(t *testing.T) *billing.AccessChecker {
	t.Helper()

	storage := memory.New()
	ctx := context.Background()
	if err := storage.UpsertByUser(ctx, &billing.LocalSubscriptionRecord{
		UserID:               "user1",
		StripeSubscriptionID: "sub_1",
		CurrentPeriodEnd:     testNow.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}
	if err := storage.UpsertByUser(ctx, &billing.LocalSubscriptionRecord{
		UserID:               "user2",
		StripeSubscriptionID: "sub_2",
		CurrentPeriodEnd:     testNow.Add(-24 * time.Hour),
	}); err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}

	return billing.NewAccessChecker(storage, billing.WithClock(func() time.Time { return testNow }))
}

func newEcho(cfg Config) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(cfg))
	e.GET("/api/test", func(c echo.Context) error {
		if _, ok := StatusFromContext(c); !ok {
			return c.String(http.StatusTeapot, "missing status")
		}
		return c.String(http.StatusOK, "success")
	})
	return e
}

func TestMiddleware_Success(t *testing.T) {
	e := newEcho(Config{
		Checker:   setupTestChecker(t),
		GetUserID: FromHeader("X-User-ID"),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "success" {
		t.Errorf("Expected body 'success', got %q", rec.Body.String())
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	e := newEcho(Config{
		Checker:   setupTestChecker(t),
		GetUserID: FromHeader("X-User-ID"),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_SubscriptionRequired(t *testing.T) {
	e := newEcho(Config{
		Checker:   setupTestChecker(t),
		GetUserID: FromHeader("X-User-ID"),
	})

	for _, userID := range []string{"user2", "nobody"} {
		req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
		req.Header.Set("X-User-ID", userID)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusPaymentRequired {
			t.Errorf("%s: expected status 402, got %d", userID, rec.Code)
		}
	}
}

func TestMiddleware_CustomSubscriptionRequired(t *testing.T) {
	var gotStatus string
	e := newEcho(Config{
		Checker:   setupTestChecker(t),
		GetUserID: FromHeader("X-User-ID"),
		OnSubscriptionRequired: func(c echo.Context, status *billing.SubscriptionStatus) error {
			gotStatus = status.Status
			return c.String(http.StatusForbidden, "upgrade")
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user2")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
	if gotStatus != billing.AccessExpired {
		t.Errorf("Expected status %q, got %q", billing.AccessExpired, gotStatus)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	e := newEcho(Config{
		Checker:   billing.NewAccessChecker(&errorStorage{Storage: memory.New()}),
		GetUserID: FromHeader("X-User-ID"),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestFromContext(t *testing.T) {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", "user1")
			return next(c)
		}
	})
	e.Use(Middleware(Config{
		Checker:   setupTestChecker(t),
		GetUserID: FromContext("UserID"),
	}))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rec.Code)
	}
}
