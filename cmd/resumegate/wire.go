package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/resumegate/internal/config"
	"github.com/mihaimyh/resumegate/internal/server"
	"github.com/mihaimyh/resumegate/pkg/api"
	"github.com/mihaimyh/resumegate/pkg/auth"
	"github.com/mihaimyh/resumegate/pkg/billing"
	zerologadapter "github.com/mihaimyh/resumegate/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/resumegate/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/resumegate/pkg/billing/stripe"
	"github.com/mihaimyh/resumegate/pkg/identity/clerk"
	idfirestore "github.com/mihaimyh/resumegate/pkg/identity/firestore"
	"github.com/mihaimyh/resumegate/pkg/summary"
	fsstore "github.com/mihaimyh/resumegate/storage/firestore"
	"github.com/mihaimyh/resumegate/storage/memory"
	"github.com/mihaimyh/resumegate/storage/postgres"
	redisstore "github.com/mihaimyh/resumegate/storage/redis"
	"github.com/mihaimyh/resumegate/storage/tiered"
)

const (
	metricsNamespace = "resumegate"

	// hotRecordTTL bounds how stale the Redis tier can get if a hot write
	// is lost in tiered mode.
	hotRecordTTL = 24 * time.Hour

	breakerFailures = 5
	breakerReset    = 30 * time.Second
)

// customerDirectory is an identity bridge that can also read bindings back.
type customerDirectory interface {
	billing.IdentityBridge
	CustomerID(ctx context.Context, userID string) (string, error)
}

type deps struct {
	cfg    config.Config
	logger zerolog.Logger

	router  http.Handler
	health  map[string]server.HealthCheck
	closers []func()

	redis     *redisstore.Storage
	firestore *firestore.Client
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// newRegistry returns the registry served on /metrics, with the runtime and
// process collectors promhttp.Handler would expose.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// build constructs every component selected by cfg and registers metrics
// with reg.
func build(ctx context.Context, cfg config.Config, logger zerolog.Logger, reg *prometheus.Registry) (_ *deps, err error) {
	d := &deps{cfg: cfg, logger: logger, health: map[string]server.HealthCheck{}}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	billingLogger := zerologadapter.NewLogger(&logger)
	metrics := prommetrics.NewMetrics(reg, metricsNamespace)

	store, err := d.buildStore(ctx)
	if err != nil {
		return nil, err
	}

	identity, err := d.buildIdentity(ctx)
	if err != nil {
		return nil, err
	}

	guard, err := d.buildGuard(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.StripeWebhookSecret == "" {
		logger.Warn().Msg("STRIPE_WEBHOOK_SECRET not set; webhook will answer 503")
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Store:             store,
			Identity:          identity,
			Guard:             guard,
			WebhookSecret:     cfg.StripeWebhookSecret,
			WebhookTolerance:  cfg.StripeWebhookTolerance,
			APIKey:            cfg.StripeSecretKey,
			UserIDMetadataKey: cfg.StripeUserIDMetadataKey,
			PriceIDs:          cfg.StripePriceIDs,
			Logger:            billingLogger,
			Metrics:           metrics,
		},
		BackendURL:         cfg.StripeAPIURL,
		CustomerIDResolver: identity.CustomerID,
		TrustForwardedFor:  cfg.TrustProxyHeaders,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe provider: %w", err)
	}

	checker := billing.NewAccessChecker(store,
		billing.WithGracePeriod(cfg.AccessGracePeriod),
		billing.WithAccessMetrics(metrics))

	verifier, err := auth.NewClerkVerifier(auth.Config{
		JWKSURL: cfg.ClerkJWKSURL,
		Issuer:  cfg.ClerkIssuer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session verifier: %w", err)
	}

	apiConfig := api.Config{
		Checker:            checker,
		GetUserID:          api.FromContextFunc(auth.UserID),
		Billing:            provider,
		CheckoutSuccessURL: cfg.CheckoutSuccessURL(),
		CheckoutCancelURL:  cfg.CheckoutCancelURL(),
		PortalReturnURL:    cfg.PortalReturnURL(),
		AdminToken:         cfg.AdminToken,
		Logger:             billingLogger,
	}
	if cfg.OpenAIAPIKey != "" {
		completer, err := summary.NewOpenAI(summary.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create completion client: %w", err)
		}
		generator, err := summary.NewGenerator(completer)
		if err != nil {
			return nil, err
		}
		apiConfig.Summaries = generator
	} else {
		logger.Warn().Msg("OPENAI_API_KEY not set; summary generation disabled")
	}

	handler, err := api.NewHandler(apiConfig)
	if err != nil {
		return nil, err
	}

	d.router, err = server.NewRouter(server.Config{
		API:               handler,
		Webhook:           provider.WebhookHandler(),
		Authenticate:      verifier.Middleware,
		Checker:           checker,
		Metrics:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		HealthChecks:      d.health,
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *deps) buildStore(ctx context.Context) (billing.Storage, error) {
	var store billing.Storage

	switch d.cfg.StoreBackend {
	case config.StoreMemory:
		d.logger.Warn().Msg("using in-memory subscription store; records are lost on restart")
		return memory.New(), nil

	case config.StorePostgres:
		pg, err := d.postgres(ctx)
		if err != nil {
			return nil, err
		}
		store = pg

	case config.StoreRedis:
		rs, err := d.redisStore(ctx, 0)
		if err != nil {
			return nil, err
		}
		store = rs

	case config.StoreFirestore:
		client, err := d.firestoreClient(ctx)
		if err != nil {
			return nil, err
		}
		fs, err := fsstore.New(client, fsstore.Config{})
		if err != nil {
			return nil, err
		}
		store = fs

	case config.StoreTiered:
		pg, err := d.postgres(ctx)
		if err != nil {
			return nil, err
		}
		rs, err := d.redisStore(ctx, hotRecordTTL)
		if err != nil {
			return nil, err
		}
		ts, err := tiered.New(tiered.Config{
			Hot:  rs,
			Cold: pg,
			ErrorHandler: func(err error) {
				d.logger.Warn().Err(err).Msg("hot tier write failed")
			},
		})
		if err != nil {
			return nil, err
		}
		store = ts

	default:
		return nil, fmt.Errorf("unknown store backend %q", d.cfg.StoreBackend)
	}

	breaker := billing.NewDefaultCircuitBreaker(breakerFailures, breakerReset, func(state billing.CircuitBreakerState) {
		d.logger.Warn().Str("state", string(state)).Msg("subscription store circuit breaker changed state")
	})
	return billing.NewCircuitBreakerStore(store, breaker), nil
}

func (d *deps) buildIdentity(ctx context.Context) (customerDirectory, error) {
	switch d.cfg.IdentityBackend {
	case config.IdentityClerk:
		return clerk.New(clerk.Config{
			SecretKey: d.cfg.ClerkSecretKey,
			APIURL:    d.cfg.ClerkAPIURL,
		})
	case config.IdentityFirestore:
		client, err := d.firestoreClient(ctx)
		if err != nil {
			return nil, err
		}
		return idfirestore.New(client, idfirestore.Config{})
	default:
		return nil, fmt.Errorf("unknown identity backend %q", d.cfg.IdentityBackend)
	}
}

func (d *deps) buildGuard(ctx context.Context) (billing.OrderingGuard, error) {
	switch d.cfg.OrderingGuard {
	case config.GuardOff:
		return nil, nil
	case config.GuardMemory:
		return billing.NewMemoryOrderingGuard(), nil
	case config.GuardRedis:
		rs, err := d.redisStore(ctx, 0)
		if err != nil {
			return nil, err
		}
		return redisstore.NewOrderingGuard(rs), nil
	default:
		return nil, fmt.Errorf("unknown ordering guard %q", d.cfg.OrderingGuard)
	}
}

func (d *deps) postgres(ctx context.Context) (*postgres.Storage, error) {
	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = d.cfg.DatabaseURL
	pgConfig.MigrateOnStart = d.cfg.MigrateOnStart

	pg, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	d.closers = append(d.closers, pg.Close)
	d.health["postgres"] = pg.Ping
	return pg, nil
}

// redisStore connects once; the store and the ordering guard share it.
// recordTTL applies only to the first call.
func (d *deps) redisStore(ctx context.Context, recordTTL time.Duration) (*redisstore.Storage, error) {
	if d.redis != nil {
		return d.redis, nil
	}

	opts, err := redis.ParseURL(d.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	rsConfig := redisstore.DefaultConfig()
	rsConfig.KeyPrefix = d.cfg.RedisKeyPrefix
	rsConfig.RecordTTL = recordTTL

	rs, err := redisstore.New(client, rsConfig)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	d.closers = append(d.closers, func() { _ = rs.Close() })
	d.health["redis"] = rs.Ping
	d.redis = rs
	return rs, nil
}

func (d *deps) firestoreClient(ctx context.Context) (*firestore.Client, error) {
	if d.firestore != nil {
		return d.firestore, nil
	}

	client, err := firestore.NewClient(ctx, d.cfg.FirestoreProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	d.closers = append(d.closers, func() { _ = client.Close() })
	d.firestore = client
	return client, nil
}
