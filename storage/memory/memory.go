// Package memory provides an in-memory implementation of the billing.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

// Storage implements billing.Storage using in-memory maps
type Storage struct {
	mu      sync.RWMutex
	byUser  map[string]*billing.LocalSubscriptionRecord
	bySubID map[string]string // subscription id -> user id
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		byUser:  make(map[string]*billing.LocalSubscriptionRecord),
		bySubID: make(map[string]string),
	}
}

// GetByUser implements billing.SubscriptionReader
func (s *Storage) GetByUser(_ context.Context, userID string) (*billing.LocalSubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byUser[userID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}

	// Return a copy to prevent external mutations
	recCopy := *rec
	return &recCopy, nil
}

// UpsertByUser implements billing.SubscriptionStore
func (s *Storage) UpsertByUser(_ context.Context, rec *billing.LocalSubscriptionRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid subscription record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byUser[rec.UserID]; ok {
		delete(s.bySubID, prev.StripeSubscriptionID)
	}
	// A subscription id belongs to one user at a time.
	if owner, ok := s.bySubID[rec.StripeSubscriptionID]; ok && owner != rec.UserID {
		delete(s.byUser, owner)
	}

	recCopy := *rec
	s.byUser[rec.UserID] = &recCopy
	if rec.StripeSubscriptionID != "" {
		s.bySubID[rec.StripeSubscriptionID] = rec.UserID
	}
	return nil
}

// DeleteBySubscriptionID implements billing.SubscriptionStore
func (s *Storage) DeleteBySubscriptionID(_ context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if userID, ok := s.bySubID[subscriptionID]; ok {
		delete(s.byUser, userID)
		delete(s.bySubID, subscriptionID)
	}
	return nil
}

// DeleteByUser implements billing.SubscriptionStore
func (s *Storage) DeleteByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.byUser[userID]; ok {
		delete(s.bySubID, rec.StripeSubscriptionID)
		delete(s.byUser, userID)
	}
	return nil
}

// Len returns the number of stored records.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser)
}
