// Package tiered provides a Hot/Cold tiered storage adapter that puts a fast
// cache (Hot) in front of the durable source of truth (Cold).
package tiered

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

// ErrHotStale is returned when Cold was written but Hot may still serve the
// previous state. The write is safe to retry: Cold operations are idempotent.
var ErrHotStale = errors.New("tiered storage: hot tier may be stale")

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory) serving access checks
	Hot billing.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold billing.Storage

	// ErrorHandler is called when a Hot write fails after Cold succeeded.
	// Essential for monitoring consistency drift.
	ErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture:
// - Read-Through: GetByUser (Hot → Cold → populate Hot)
// - Write-Through: upserts and deletes (Cold → Hot)
type Storage struct {
	hot  billing.Storage
	cold billing.Storage
	conf Config
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	return &Storage{
		hot:  config.Hot,
		cold: config.Cold,
		conf: config,
	}, nil
}

func (s *Storage) reportHot(op string, err error) {
	if err != nil && s.conf.ErrorHandler != nil {
		s.conf.ErrorHandler(fmt.Errorf("tiered storage: hot %s failed: %w", op, err))
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetByUser implements billing.SubscriptionReader with read-through strategy.
func (s *Storage) GetByUser(ctx context.Context, userID string) (*billing.LocalSubscriptionRecord, error) {
	// 1. Try Hot
	rec, err := s.hot.GetByUser(ctx, userID)
	if err == nil {
		return rec, nil
	}

	// 2. Try Cold (Source of Truth)
	rec, err = s.cold.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair)
	s.reportHot("fill", s.hot.UpsertByUser(ctx, rec))

	return rec, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Subscription state must be durable first.

// UpsertByUser implements billing.SubscriptionStore with write-through strategy.
func (s *Storage) UpsertByUser(ctx context.Context, rec *billing.LocalSubscriptionRecord) error {
	// 1. Write Cold (Durability)
	if err := s.cold.UpsertByUser(ctx, rec); err != nil {
		return err
	}

	// 2. Write Hot (Availability)
	// A stale Hot record would keep serving the old state, so evict it
	// when the write fails and let the next read repair it.
	if err := s.hot.UpsertByUser(ctx, rec); err != nil {
		s.reportHot("upsert", err)
		return s.evict(ctx, rec.UserID)
	}
	return nil
}

// DeleteBySubscriptionID implements billing.SubscriptionStore with write-through strategy.
// A failed Hot delete is returned: the Hot record would keep granting access.
func (s *Storage) DeleteBySubscriptionID(ctx context.Context, subscriptionID string) error {
	if err := s.cold.DeleteBySubscriptionID(ctx, subscriptionID); err != nil {
		return err
	}
	if err := s.hot.DeleteBySubscriptionID(ctx, subscriptionID); err != nil {
		s.reportHot("delete", err)
		return fmt.Errorf("%w: delete subscription %s: %w", ErrHotStale, subscriptionID, err)
	}
	return nil
}

// DeleteByUser implements billing.SubscriptionStore with write-through strategy.
func (s *Storage) DeleteByUser(ctx context.Context, userID string) error {
	if err := s.cold.DeleteByUser(ctx, userID); err != nil {
		return err
	}
	return s.evict(ctx, userID)
}

func (s *Storage) evict(ctx context.Context, userID string) error {
	if err := s.hot.DeleteByUser(ctx, userID); err != nil {
		s.reportHot("evict", err)
		return fmt.Errorf("%w: evict user %s: %w", ErrHotStale, userID, err)
	}
	return nil
}
