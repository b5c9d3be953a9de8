// Package storagetest holds behavioural tests shared by every
// billing.Storage backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

// Record builds a record with distinct, comparable field values.
func Record(userID, subID string) *billing.LocalSubscriptionRecord {
	return &billing.LocalSubscriptionRecord{
		UserID:               userID,
		StripeSubscriptionID: subID,
		StripeCustomerID:     "cus_" + userID,
		StripePriceID:        "price_basic",
		CurrentPeriodEnd:     time.Unix(1700000000, 0).UTC(),
		CancelAtPeriodEnd:    false,
		UpdatedAt:            time.Unix(1699000000, 0).UTC(),
	}
}

// Run exercises the billing.Storage contract. newStore must return an
// empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) billing.Storage) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetByUser(context.Background(), "nobody")
		assert.True(t, errors.Is(err, billing.ErrSubscriptionNotFound), "got %v", err)
	})

	t.Run("UpsertAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		want := Record("u1", "sub_1")

		require.NoError(t, s.UpsertByUser(ctx, want))
		got, err := s.GetByUser(ctx, "u1")
		require.NoError(t, err)
		assertRecord(t, want, got)
	})

	t.Run("UpsertReplacesAllFields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertByUser(ctx, Record("u1", "sub_1")))
		next := &billing.LocalSubscriptionRecord{
			UserID:               "u1",
			StripeSubscriptionID: "sub_2",
			StripeCustomerID:     "cus_other",
			StripePriceID:        "price_pro",
			CurrentPeriodEnd:     time.Unix(1800000000, 0).UTC(),
			CancelAtPeriodEnd:    true,
			UpdatedAt:            time.Unix(1799000000, 0).UTC(),
		}
		require.NoError(t, s.UpsertByUser(ctx, next))

		got, err := s.GetByUser(ctx, "u1")
		require.NoError(t, err)
		assertRecord(t, next, got)

		// The old subscription id no longer resolves to the user.
		require.NoError(t, s.DeleteBySubscriptionID(ctx, "sub_1"))
		_, err = s.GetByUser(ctx, "u1")
		assert.NoError(t, err)
	})

	t.Run("DeleteBySubscriptionID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertByUser(ctx, Record("u1", "sub_1")))
		require.NoError(t, s.UpsertByUser(ctx, Record("u2", "sub_2")))
		require.NoError(t, s.DeleteBySubscriptionID(ctx, "sub_1"))

		_, err := s.GetByUser(ctx, "u1")
		assert.True(t, errors.Is(err, billing.ErrSubscriptionNotFound), "got %v", err)
		_, err = s.GetByUser(ctx, "u2")
		assert.NoError(t, err)

		// Idempotent.
		assert.NoError(t, s.DeleteBySubscriptionID(ctx, "sub_1"))
		assert.NoError(t, s.DeleteBySubscriptionID(ctx, "sub_never"))
	})

	t.Run("DeleteByUser", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertByUser(ctx, Record("u1", "sub_1")))
		require.NoError(t, s.DeleteByUser(ctx, "u1"))
		_, err := s.GetByUser(ctx, "u1")
		assert.True(t, errors.Is(err, billing.ErrSubscriptionNotFound), "got %v", err)
		assert.NoError(t, s.DeleteByUser(ctx, "u1"))

		// The subscription id is released too.
		require.NoError(t, s.UpsertByUser(ctx, Record("u3", "sub_1")))
		got, err := s.GetByUser(ctx, "u3")
		require.NoError(t, err)
		assert.Equal(t, "sub_1", got.StripeSubscriptionID)
	})

	t.Run("ConcurrentIdenticalUpserts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := Record("u1", "sub_1")

		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.UpsertByUser(ctx, rec)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		got, err := s.GetByUser(ctx, "u1")
		require.NoError(t, err)
		assertRecord(t, rec, got)
	})
}

func assertRecord(t *testing.T, want, got *billing.LocalSubscriptionRecord) {
	t.Helper()
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.StripeSubscriptionID, got.StripeSubscriptionID)
	assert.Equal(t, want.StripeCustomerID, got.StripeCustomerID)
	assert.Equal(t, want.StripePriceID, got.StripePriceID)
	assert.True(t, want.CurrentPeriodEnd.Equal(got.CurrentPeriodEnd),
		"CurrentPeriodEnd: want %v, got %v", want.CurrentPeriodEnd, got.CurrentPeriodEnd)
	assert.Equal(t, want.CancelAtPeriodEnd, got.CancelAtPeriodEnd)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt),
		"UpdatedAt: want %v, got %v", want.UpdatedAt, got.UpdatedAt)
}
