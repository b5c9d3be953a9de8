package billing

import "context"

// SubscriptionStore persists LocalSubscriptionRecords.
//
// Every operation must be safe under concurrent duplicate invocation with
// identical arguments. Last write wins: callers always pass a complete,
// authoritative record.
type SubscriptionStore interface {
	// UpsertByUser replaces the record for rec.UserID with rec.
	UpsertByUser(ctx context.Context, rec *LocalSubscriptionRecord) error

	// DeleteBySubscriptionID removes the record carrying the provider
	// subscription id. Deleting a missing record is not an error.
	DeleteBySubscriptionID(ctx context.Context, subscriptionID string) error

	// DeleteByUser removes the record for userID. Deleting a missing record
	// is not an error.
	DeleteByUser(ctx context.Context, userID string) error
}

// SubscriptionReader is the read side used for feature gating.
type SubscriptionReader interface {
	// GetByUser returns ErrSubscriptionNotFound when the user has no record.
	GetByUser(ctx context.Context, userID string) (*LocalSubscriptionRecord, error)
}

// Storage is a store that supports both reconciliation writes and gating reads.
type Storage interface {
	SubscriptionStore
	SubscriptionReader
}
