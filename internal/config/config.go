// Package config loads the service configuration from the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
	StoreTiered    = "tiered"
)

// Identity backends.
const (
	IdentityClerk     = "clerk"
	IdentityFirestore = "firestore"
)

// Ordering guard modes.
const (
	GuardOff    = "off"
	GuardMemory = "memory"
	GuardRedis  = "redis"
)

// Config holds all the configuration variables for the service.
type Config struct {
	AppEnv   string `mapstructure:"APP_ENV"`
	Port     string `mapstructure:"PORT"`
	AppURL   string `mapstructure:"APP_URL"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreBackend       string `mapstructure:"STORE_BACKEND"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix     string `mapstructure:"REDIS_KEY_PREFIX"`
	FirestoreProjectID string `mapstructure:"FIRESTORE_PROJECT_ID"`
	MigrateOnStart     bool   `mapstructure:"MIGRATE_ON_START"`

	StripeSecretKey         string        `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret     string        `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeWebhookTolerance  time.Duration `mapstructure:"STRIPE_WEBHOOK_TOLERANCE"`
	StripeUserIDMetadataKey string        `mapstructure:"STRIPE_USER_ID_METADATA_KEY"`
	StripePriceIDs          []string      `mapstructure:"STRIPE_PRICE_IDS"`
	StripeAPIURL            string        `mapstructure:"STRIPE_API_URL"`
	OrderingGuard           string        `mapstructure:"ORDERING_GUARD"`
	AccessGracePeriod       time.Duration `mapstructure:"ACCESS_GRACE_PERIOD"`

	IdentityBackend string `mapstructure:"IDENTITY_BACKEND"`
	ClerkSecretKey  string `mapstructure:"CLERK_SECRET_KEY"`
	ClerkAPIURL     string `mapstructure:"CLERK_API_URL"`
	ClerkJWKSURL    string `mapstructure:"CLERK_JWKS_URL"`
	ClerkIssuer     string `mapstructure:"CLERK_ISSUER"`

	OpenAIAPIKey  string `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel   string `mapstructure:"OPENAI_MODEL"`
	OpenAIBaseURL string `mapstructure:"OPENAI_BASE_URL"`

	// TrustProxyHeaders honours X-Forwarded-For and X-Real-IP for client
	// addresses. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool `mapstructure:"TRUST_PROXY_HEADERS"`

	AdminToken         string        `mapstructure:"ADMIN_TOKEN"`
	CORSAllowedOrigins []string      `mapstructure:"CORS_ALLOWED_ORIGINS"`
	HTTPReadTimeout    time.Duration `mapstructure:"HTTP_READ_TIMEOUT"`
	HTTPWriteTimeout   time.Duration `mapstructure:"HTTP_WRITE_TIMEOUT"`
}

var keys = []string{
	"APP_ENV", "PORT", "APP_URL", "LOG_LEVEL",
	"STORE_BACKEND", "DATABASE_URL", "REDIS_URL", "REDIS_KEY_PREFIX", "FIRESTORE_PROJECT_ID", "MIGRATE_ON_START",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_WEBHOOK_TOLERANCE", "STRIPE_USER_ID_METADATA_KEY",
	"STRIPE_PRICE_IDS", "STRIPE_API_URL", "ORDERING_GUARD", "ACCESS_GRACE_PERIOD",
	"IDENTITY_BACKEND", "CLERK_SECRET_KEY", "CLERK_API_URL", "CLERK_JWKS_URL", "CLERK_ISSUER",
	"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL",
	"ADMIN_TOKEN", "CORS_ALLOWED_ORIGINS", "HTTP_READ_TIMEOUT", "HTTP_WRITE_TIMEOUT",
	"TRUST_PROXY_HEADERS",
}

// LoadConfig reads configuration from environment variables, falling back
// to a .env file in path. Environment variables win over the file.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("APP_URL", "http://localhost:3000")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("STORE_BACKEND", StoreMemory)
	viper.SetDefault("REDIS_KEY_PREFIX", "resumegate:")
	viper.SetDefault("STRIPE_WEBHOOK_TOLERANCE", "300s")
	viper.SetDefault("STRIPE_USER_ID_METADATA_KEY", "userId")
	viper.SetDefault("ORDERING_GUARD", GuardOff)
	viper.SetDefault("ACCESS_GRACE_PERIOD", "0s")
	viper.SetDefault("IDENTITY_BACKEND", IdentityClerk)
	viper.SetDefault("CLERK_API_URL", "https://api.clerk.com")
	viper.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	viper.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	viper.SetDefault("HTTP_READ_TIMEOUT", "10s")
	viper.SetDefault("HTTP_WRITE_TIMEOUT", "30s")
	viper.SetDefault("TRUST_PROXY_HEADERS", false)

	// Bind every key so Unmarshal sees variables that have no default.
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}

	config.StoreBackend = strings.ToLower(strings.TrimSpace(config.StoreBackend))
	config.IdentityBackend = strings.ToLower(strings.TrimSpace(config.IdentityBackend))
	config.OrderingGuard = strings.ToLower(strings.TrimSpace(config.OrderingGuard))
	config.AppURL = strings.TrimRight(strings.TrimSpace(config.AppURL), "/")
	config.StripePriceIDs = splitList(config.StripePriceIDs)
	config.CORSAllowedOrigins = splitList(config.CORSAllowedOrigins)

	return config, nil
}

// splitList normalizes a list that may have arrived as one comma-separated
// string or as already-split elements.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	require := func(value, key, reason string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required %s", key, reason))
		}
	}

	require(c.StripeSecretKey, "STRIPE_SECRET_KEY", "for Stripe API calls")
	require(c.ClerkJWKSURL, "CLERK_JWKS_URL", "to authenticate API requests")

	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		require(c.DatabaseURL, "DATABASE_URL", "when STORE_BACKEND=postgres")
	case StoreRedis:
		require(c.RedisURL, "REDIS_URL", "when STORE_BACKEND=redis")
	case StoreFirestore:
		require(c.FirestoreProjectID, "FIRESTORE_PROJECT_ID", "when STORE_BACKEND=firestore")
	case StoreTiered:
		require(c.DatabaseURL, "DATABASE_URL", "when STORE_BACKEND=tiered")
		require(c.RedisURL, "REDIS_URL", "when STORE_BACKEND=tiered")
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.IdentityBackend {
	case IdentityClerk:
		require(c.ClerkSecretKey, "CLERK_SECRET_KEY", "when IDENTITY_BACKEND=clerk")
	case IdentityFirestore:
		require(c.FirestoreProjectID, "FIRESTORE_PROJECT_ID", "when IDENTITY_BACKEND=firestore")
	default:
		errs = append(errs, fmt.Errorf("unknown IDENTITY_BACKEND %q", c.IdentityBackend))
	}

	switch c.OrderingGuard {
	case GuardOff, GuardMemory:
	case GuardRedis:
		require(c.RedisURL, "REDIS_URL", "when ORDERING_GUARD=redis")
	default:
		errs = append(errs, fmt.Errorf("unknown ORDERING_GUARD %q", c.OrderingGuard))
	}

	if c.StripeWebhookTolerance < 0 {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_TOLERANCE must not be negative"))
	}
	if c.AccessGracePeriod < 0 {
		errs = append(errs, errors.New("ACCESS_GRACE_PERIOD must not be negative"))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether APP_ENV selects production behavior.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// CheckoutSuccessURL is where Stripe returns the browser after payment.
func (c *Config) CheckoutSuccessURL() string {
	return c.AppURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"
}

// CheckoutCancelURL is where Stripe returns the browser on cancel.
func (c *Config) CheckoutCancelURL() string {
	return c.AppURL + "/billing"
}

// PortalReturnURL is where the billing portal links back to.
func (c *Config) PortalReturnURL() string {
	return c.AppURL + "/billing"
}
