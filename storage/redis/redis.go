// Package redis provides a Redis implementation of the billing.Storage interface.
// Multi-key updates run as Lua scripts so the user record and the
// subscription index never disagree.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

const defaultKeyPrefix = "resumegate:"

// Storage implements billing.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "resumegate:")
	KeyPrefix string

	// RecordTTL expires subscription records (0 = no expiration). Set it
	// when Redis is used as a cache in front of a durable store.
	RecordTTL time.Duration

	// OrderingTTL bounds how long the last-seen event time per
	// subscription is remembered by OrderingGuard (default: 30 days)
	OrderingTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   defaultKeyPrefix,
		RecordTTL:   0,
		OrderingTTL: billing.DefaultOrderingTTL,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
// All keys of one user are touched by a single script, so cluster
// deployments should use a KeyPrefix with a hash tag, e.g. "{resumegate}:".
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}
	if config.OrderingTTL <= 0 {
		config.OrderingTTL = DefaultConfig().OrderingTTL
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// KEYS: user record, subscription index
	// ARGV: record json, subscription id, user id, index prefix, user prefix, ttl ms
	s.scripts["upsert"] = redis.NewScript(`
		local userKey = KEYS[1]
		local subKey = KEYS[2]
		local subID = ARGV[2]
		local userID = ARGV[3]
		local ttl = tonumber(ARGV[6])

		local prev = redis.call('GET', userKey)
		if prev then
			local ok, old = pcall(cjson.decode, prev)
			if ok and old.stripe_subscription_id and old.stripe_subscription_id ~= subID then
				local oldKey = ARGV[4] .. old.stripe_subscription_id
				if redis.call('GET', oldKey) == userID then
					redis.call('DEL', oldKey)
				end
			end
		end

		local owner = redis.call('GET', subKey)
		if owner and owner ~= userID then
			redis.call('DEL', ARGV[5] .. owner)
		end

		if ttl > 0 then
			redis.call('SET', userKey, ARGV[1], 'PX', ttl)
			redis.call('SET', subKey, userID, 'PX', ttl)
		else
			redis.call('SET', userKey, ARGV[1])
			redis.call('SET', subKey, userID)
		end
		return 1
	`)

	// KEYS: subscription index
	// ARGV: subscription id, user prefix
	s.scripts["deleteBySubscription"] = redis.NewScript(`
		local subKey = KEYS[1]
		local owner = redis.call('GET', subKey)
		if not owner then
			return 0
		end

		local userKey = ARGV[2] .. owner
		local cur = redis.call('GET', userKey)
		if cur then
			local ok, rec = pcall(cjson.decode, cur)
			if ok and rec.stripe_subscription_id == ARGV[1] then
				redis.call('DEL', userKey)
			end
		end
		redis.call('DEL', subKey)
		return 1
	`)

	// KEYS: user record
	// ARGV: user id, index prefix
	s.scripts["deleteByUser"] = redis.NewScript(`
		local userKey = KEYS[1]
		local cur = redis.call('GET', userKey)
		if not cur then
			return 0
		end

		local ok, rec = pcall(cjson.decode, cur)
		if ok and rec.stripe_subscription_id then
			local subKey = ARGV[2] .. rec.stripe_subscription_id
			if redis.call('GET', subKey) == ARGV[1] then
				redis.call('DEL', subKey)
			end
		end
		redis.call('DEL', userKey)
		return 1
	`)

	// KEYS: ordering key
	// ARGV: event time (unix ms), ttl ms
	s.scripts["admit"] = redis.NewScript(`
		local key = KEYS[1]
		local at = tonumber(ARGV[1])
		local prev = redis.call('GET', key)
		if prev and at < tonumber(prev) then
			return 0
		end
		redis.call('SET', key, ARGV[1], 'PX', tonumber(ARGV[2]))
		return 1
	`)
}

func (s *Storage) userPrefix() string {
	return s.config.KeyPrefix + "sub:user:"
}

func (s *Storage) subPrefix() string {
	return s.config.KeyPrefix + "sub:id:"
}

func (s *Storage) userKey(userID string) string {
	return s.userPrefix() + userID
}

func (s *Storage) subKey(subscriptionID string) string {
	return s.subPrefix() + subscriptionID
}

func (s *Storage) orderKey(subscriptionID string) string {
	return s.config.KeyPrefix + "order:" + subscriptionID
}

// GetByUser implements billing.SubscriptionReader
func (s *Storage) GetByUser(ctx context.Context, userID string) (*billing.LocalSubscriptionRecord, error) {
	data, err := s.client.Get(ctx, s.userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var rec billing.LocalSubscriptionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &rec, nil
}

// GetBySubscriptionID looks a record up through the subscription index.
func (s *Storage) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*billing.LocalSubscriptionRecord, error) {
	userID, err := s.client.Get(ctx, s.subKey(subscriptionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscription: %w", err)
	}

	rec, err := s.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.StripeSubscriptionID != subscriptionID {
		return nil, billing.ErrSubscriptionNotFound
	}
	return rec, nil
}

// UpsertByUser implements billing.SubscriptionStore
func (s *Storage) UpsertByUser(ctx context.Context, rec *billing.LocalSubscriptionRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid subscription record")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	keys := []string{s.userKey(rec.UserID), s.subKey(rec.StripeSubscriptionID)}
	args := []interface{}{
		data,
		rec.StripeSubscriptionID,
		rec.UserID,
		s.subPrefix(),
		s.userPrefix(),
		s.config.RecordTTL.Milliseconds(),
	}

	if err := s.scripts["upsert"].Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// DeleteBySubscriptionID implements billing.SubscriptionStore
func (s *Storage) DeleteBySubscriptionID(ctx context.Context, subscriptionID string) error {
	keys := []string{s.subKey(subscriptionID)}
	err := s.scripts["deleteBySubscription"].Run(ctx, s.client, keys, subscriptionID, s.userPrefix()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// DeleteByUser implements billing.SubscriptionStore
func (s *Storage) DeleteByUser(ctx context.Context, userID string) error {
	keys := []string{s.userKey(userID)}
	err := s.scripts["deleteByUser"].Run(ctx, s.client, keys, userID, s.subPrefix()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// OrderingGuard is a billing.OrderingGuard shared by every replica that
// points at the same Redis.
type OrderingGuard struct {
	storage *Storage
}

// NewOrderingGuard returns a guard storing its watermarks next to s's records.
func NewOrderingGuard(s *Storage) *OrderingGuard {
	return &OrderingGuard{storage: s}
}

// Admit implements billing.OrderingGuard. Events at the same instant as the
// newest one seen are admitted; strictly older ones are not.
func (g *OrderingGuard) Admit(ctx context.Context, subscriptionID string, at time.Time) (bool, error) {
	s := g.storage
	keys := []string{s.orderKey(subscriptionID)}
	res, err := s.scripts["admit"].Run(ctx, s.client, keys, at.UnixMilli(), s.config.OrderingTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to check event order: %w", err)
	}
	return res == 1, nil
}
