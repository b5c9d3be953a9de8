package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/resumegate/pkg/billing"
	"github.com/mihaimyh/resumegate/storage/storagetest"
)

func TestSyncUser_PicksLatestBillable(t *testing.T) {
	fake, srv := newFakeStripe(t)
	fake.addSubscription(subscriptionObject("sub_old", testUserID, "active", testPeriodEnd))
	fake.addSubscription(subscriptionObject("sub_new", testUserID, "trialing", testPeriodEnd+3600))
	fake.addSubscription(subscriptionObject("sub_dead", testUserID, "canceled", testPeriodEnd+7200))
	p, store := newTestProvider(t, srv.URL, nil)
	ctx := context.Background()

	// Known customer from a previous record.
	stale := storagetest.Record(testUserID, "sub_gone")
	stale.StripeCustomerID = testCustomerID
	require.NoError(t, store.UpsertByUser(ctx, stale))

	rec, err := p.SyncUser(ctx, testUserID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "sub_new", rec.StripeSubscriptionID)
	assert.Equal(t, testPeriodEnd+3600, rec.CurrentPeriodEnd.Unix())
}

func TestSyncUser_NoCustomerSearchesSubscriptions(t *testing.T) {
	fake, srv := newFakeStripe(t)
	fake.addSubscription(subscriptionObject("sub_1", testUserID, "active", testPeriodEnd))
	fake.addSubscription(subscriptionObject("sub_x", "someone_else", "active", testPeriodEnd+10))
	p, _ := newTestProvider(t, srv.URL, nil)

	rec, err := p.SyncUser(context.Background(), testUserID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "sub_1", rec.StripeSubscriptionID)
}

func TestSyncUser_NothingBillableClearsRecord(t *testing.T) {
	fake, srv := newFakeStripe(t)
	fake.addSubscription(subscriptionObject("sub_1", testUserID, "canceled", testPeriodEnd))
	p, store := newTestProvider(t, srv.URL, nil)
	ctx := context.Background()

	existing := storagetest.Record(testUserID, "sub_1")
	existing.StripeCustomerID = testCustomerID
	require.NoError(t, store.UpsertByUser(ctx, existing))

	rec, err := p.SyncUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Nil(t, rec)
	_, err = store.GetByUser(ctx, testUserID)
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}

func TestSyncUser_APIError(t *testing.T) {
	fake, srv := newFakeStripe(t)
	fake.fail = true
	p, _ := newTestProvider(t, srv.URL, nil)

	_, err := p.SyncUser(context.Background(), testUserID)
	assert.True(t, errors.Is(err, billing.ErrProviderAPIError), "got %v", err)
}

func TestSyncUser_UsesResolver(t *testing.T) {
	fake, srv := newFakeStripe(t)
	fake.addSubscription(subscriptionObject("sub_1", "", "active", testPeriodEnd))
	p, _ := newTestProvider(t, srv.URL, nil)
	p.customerIDResolver = func(_ context.Context, userID string) (string, error) {
		if userID == testUserID {
			return testCustomerID, nil
		}
		return "", billing.ErrCustomerNotFound
	}

	rec, err := p.SyncUser(context.Background(), testUserID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, testUserID, rec.UserID)
}

func TestFetchSubscription(t *testing.T) {
	fake, srv := newFakeStripe(t)
	fake.addSubscription(subscriptionObject("sub_1", testUserID, "past_due", testPeriodEnd))
	p, _ := newTestProvider(t, srv.URL, nil)

	sub, err := p.FetchSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "past_due", sub.Status)
	assert.Equal(t, testPeriodEnd, sub.CurrentPeriodEndEpochSeconds)
	assert.True(t, sub.ObservedAt.IsZero())

	_, err = p.FetchSubscription(context.Background(), "sub_missing")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
}

func TestMetadataQuery(t *testing.T) {
	assert.Equal(t, `metadata['userId']:'u1'`, metadataQuery("userId", "u1"))
	assert.Equal(t, `metadata['userId']:'o\'brien'`, metadataQuery("userId", "o'brien"))
}

func TestNewProvider_Validation(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewProvider(Config{Config: billing.Config{Store: nil, Identity: &fakeIdentity{}, APIKey: "sk"}})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}
