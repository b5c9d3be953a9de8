// Package firestore binds billing customers to users stored in a Firestore
// collection, for deployments that keep user profiles there instead of in
// an external identity provider.
package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

const customerIDField = "stripeCustomerId"

// Config holds the Firestore identity configuration
type Config struct {
	// UsersCollection is the collection of user documents keyed by user id
	// Default: "users"
	UsersCollection string
}

// Bridge implements billing.IdentityBridge on Firestore
type Bridge struct {
	client          *firestore.Client
	usersCollection string
}

// New creates a Firestore identity bridge
func New(client *firestore.Client, config Config) (*Bridge, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	return &Bridge{client: client, usersCollection: config.UsersCollection}, nil
}

// BindCustomer implements billing.IdentityBridge. Other fields of the
// user document are left untouched.
func (b *Bridge) BindCustomer(ctx context.Context, userID, customerID string) error {
	doc := b.client.Collection(b.usersCollection).Doc(userID)
	_, err := doc.Set(ctx, map[string]interface{}{customerIDField: customerID}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("%w: %w", billing.ErrIdentityWriteFailed, err)
	}
	return nil
}

// CustomerID returns the bound customer id or billing.ErrCustomerNotFound.
func (b *Bridge) CustomerID(ctx context.Context, userID string) (string, error) {
	snap, err := b.client.Collection(b.usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", billing.ErrCustomerNotFound
		}
		return "", fmt.Errorf("failed to get user: %w", err)
	}

	customerID, _ := snap.Data()[customerIDField].(string)
	if customerID == "" {
		return "", billing.ErrCustomerNotFound
	}
	return customerID, nil
}
