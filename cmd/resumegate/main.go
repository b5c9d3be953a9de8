// Command resumegate runs the subscription billing backend: the Stripe
// webhook, the authenticated billing API and the gated summary generator.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/resumegate/internal/config"
	"github.com/mihaimyh/resumegate/internal/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// .env is optional; real deployments inject the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
	logger.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	deps, err := build(ctx, cfg, logger, newRegistry())
	if err != nil {
		return err
	}
	defer deps.close()

	srv := server.New(":"+cfg.Port, deps.router, cfg.HTTPReadTimeout, cfg.HTTPWriteTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr()).
			Str("store", cfg.StoreBackend).
			Str("identity", cfg.IdentityBackend).
			Str("ordering_guard", cfg.OrderingGuard).
			Msg("API listening")
		if err := srv.Run(gctx, shutdownTimeout); err != nil {
			return err
		}
		logger.Info().Msg("shutdown complete")
		return nil
	})
	return g.Wait()
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "resumegate").Logger()
	if cfg.AppEnv == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger
}
