package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/api"
	"signal-trading-bot/internal/database"
	"signal-trading-bot/internal/distributor"
	"signal-trading-bot/internal/events"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/logging"
	"signal-trading-bot/internal/monitor"
	"signal-trading-bot/internal/notification"
	"signal-trading-bot/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
	logger.Info().Msg("signal trading bot starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The vault master secret must resolve before anything touches
	// credentials; the process refuses to start without it.
	masterSecret, err := vault.ResolveMasterSecret(ctx, cfg.Vault)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve vault master secret")
	}
	credVault, err := vault.New(masterSecret, cfg.Vault.KDFSalt)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize credential vault")
	}

	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}
	repo := database.NewRepository(db)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, using in-memory sessions")
			redisClient = nil
		}
		pingCancel()
	}
	sessions := database.NewSessionStore(redisClient, cfg.Redis.SessionTTL)

	registry := exchange.NewRegistry(cfg.Exchanges, cfg.Engines.AdapterTimeout)
	logger.Info().Strs("venues", registry.Venues()).Msg("exchange adapters ready")

	notifier := notification.NewManager(cfg.Notification, logging.Component(logger, "notification"))
	bus := events.NewBus()

	dist := distributor.New(repo, credVault, registry, notifier, bus,
		cfg.Trading, cfg.Engines, logging.Component(logger, "distributor"))
	mon := monitor.New(repo, credVault, registry, notifier, bus,
		cfg.Engines, logging.Component(logger, "monitor"))

	go dist.Run(ctx)
	go mon.Run(ctx)

	server := api.NewServer(cfg.Server, cfg.Trading, repo, sessions, credVault,
		registry, mon, bus, logging.Component(logger, "api"))
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	// Stop the engines first so no new orders go out, then drain HTTP.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info().Msg("shutdown complete")
}
