// Package postgres provides a PostgreSQL implementation of the billing.Storage interface.
// Each record is one row keyed by user_id; stripe_subscription_id is unique.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

// Storage implements billing.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// MigrateOnStart applies embedded schema migrations in New.
	MigrateOnStart bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.MigrateOnStart {
		if err := Migrate(config.ConnectionString); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetByUser implements billing.SubscriptionReader
func (s *Storage) GetByUser(ctx context.Context, userID string) (*billing.LocalSubscriptionRecord, error) {
	var rec billing.LocalSubscriptionRecord

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, stripe_subscription_id, stripe_customer_id, stripe_price_id,
				current_period_end, cancel_at_period_end, updated_at
			FROM subscriptions WHERE user_id = $1`,
		userID).Scan(
		&rec.UserID,
		&rec.StripeSubscriptionID,
		&rec.StripeCustomerID,
		&rec.StripePriceID,
		&rec.CurrentPeriodEnd,
		&rec.CancelAtPeriodEnd,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	rec.CurrentPeriodEnd = rec.CurrentPeriodEnd.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// UpsertByUser implements billing.SubscriptionStore.
// A subscription id held by another user is released in the same
// transaction so the unique index never rejects a legitimate transfer.
func (s *Storage) UpsertByUser(ctx context.Context, rec *billing.LocalSubscriptionRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid subscription record")
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM subscriptions WHERE stripe_subscription_id = $1 AND user_id <> $2`,
			rec.StripeSubscriptionID, rec.UserID,
		); err != nil {
			return fmt.Errorf("failed to release subscription id: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO subscriptions (user_id, stripe_subscription_id, stripe_customer_id, stripe_price_id,
					current_period_end, cancel_at_period_end, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (user_id) DO UPDATE SET
					stripe_subscription_id = EXCLUDED.stripe_subscription_id,
					stripe_customer_id = EXCLUDED.stripe_customer_id,
					stripe_price_id = EXCLUDED.stripe_price_id,
					current_period_end = EXCLUDED.current_period_end,
					cancel_at_period_end = EXCLUDED.cancel_at_period_end,
					updated_at = EXCLUDED.updated_at`,
			rec.UserID, rec.StripeSubscriptionID, rec.StripeCustomerID, rec.StripePriceID,
			rec.CurrentPeriodEnd.UTC(), rec.CancelAtPeriodEnd, updatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}
		return nil
	})
}

// DeleteBySubscriptionID implements billing.SubscriptionStore
func (s *Storage) DeleteBySubscriptionID(ctx context.Context, subscriptionID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE stripe_subscription_id = $1`, subscriptionID,
	); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// DeleteByUser implements billing.SubscriptionStore
func (s *Storage) DeleteByUser(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE user_id = $1`, userID,
	); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// GetBySubscriptionID returns the record carrying subscriptionID.
func (s *Storage) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*billing.LocalSubscriptionRecord, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM subscriptions WHERE stripe_subscription_id = $1`, subscriptionID,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return s.GetByUser(ctx, userID)
}
