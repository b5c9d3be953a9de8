// Package firestore provides a Firestore implementation of the billing.Storage interface.
// Each user owns one document keyed by user id; the subscription id is an
// indexed field so deletions can find their owner.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

const (
	fieldUserID            = "userId"
	fieldSubscriptionID    = "stripeSubscriptionId"
	fieldCustomerID        = "stripeCustomerId"
	fieldPriceID           = "stripePriceId"
	fieldCurrentPeriodEnd  = "currentPeriodEnd"
	fieldCancelAtPeriodEnd = "cancelAtPeriodEnd"
	fieldUpdatedAt         = "updatedAt"
)

// Storage implements billing.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for subscription records
	// Default: "billing_subscriptions"
	SubscriptionsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
	}, nil
}

func (s *Storage) collection() *firestore.CollectionRef {
	return s.client.Collection(s.subscriptionsCollection)
}

// GetByUser implements billing.SubscriptionReader
func (s *Storage) GetByUser(ctx context.Context, userID string) (*billing.LocalSubscriptionRecord, error) {
	snap, err := s.collection().Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrSubscriptionNotFound
	}

	return recordFromData(userID, snap.Data()), nil
}

// UpsertByUser implements billing.SubscriptionStore. A document owned by
// another user that carries the same subscription id is removed in the
// same transaction.
func (s *Storage) UpsertByUser(ctx context.Context, rec *billing.LocalSubscriptionRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid subscription record")
	}

	doc := s.collection().Doc(rec.UserID)
	owners := s.collection().Where(fieldSubscriptionID, "==", rec.StripeSubscriptionID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.Documents(owners).GetAll()
		if err != nil {
			return err
		}

		for _, snap := range snaps {
			if snap.Ref.ID == rec.UserID {
				continue
			}
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
		}

		return tx.Set(doc, dataFromRecord(rec))
	})
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// DeleteBySubscriptionID implements billing.SubscriptionStore
func (s *Storage) DeleteBySubscriptionID(ctx context.Context, subscriptionID string) error {
	query := s.collection().Where(fieldSubscriptionID, "==", subscriptionID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.Documents(query).GetAll()
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// DeleteByUser implements billing.SubscriptionStore
func (s *Storage) DeleteByUser(ctx context.Context, userID string) error {
	if _, err := s.collection().Doc(userID).Delete(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// GetBySubscriptionID returns the record holding subscriptionID.
func (s *Storage) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*billing.LocalSubscriptionRecord, error) {
	iter := s.collection().Where(fieldSubscriptionID, "==", subscriptionID).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}
	return recordFromData(snap.Ref.ID, snap.Data()), nil
}

// Close closes the underlying Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func dataFromRecord(rec *billing.LocalSubscriptionRecord) map[string]interface{} {
	return map[string]interface{}{
		fieldUserID:            rec.UserID,
		fieldSubscriptionID:    rec.StripeSubscriptionID,
		fieldCustomerID:        rec.StripeCustomerID,
		fieldPriceID:           rec.StripePriceID,
		fieldCurrentPeriodEnd:  rec.CurrentPeriodEnd.UTC(),
		fieldCancelAtPeriodEnd: rec.CancelAtPeriodEnd,
		fieldUpdatedAt:         rec.UpdatedAt.UTC(),
	}
}

func recordFromData(userID string, data map[string]interface{}) *billing.LocalSubscriptionRecord {
	return &billing.LocalSubscriptionRecord{
		UserID:               userID,
		StripeSubscriptionID: getString(data, fieldSubscriptionID),
		StripeCustomerID:     getString(data, fieldCustomerID),
		StripePriceID:        getString(data, fieldPriceID),
		CurrentPeriodEnd:     getTime(data, fieldCurrentPeriodEnd),
		CancelAtPeriodEnd:    getBool(data, fieldCancelAtPeriodEnd),
		UpdatedAt:            getTime(data, fieldUpdatedAt),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
