package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-outbox-dispatcher/dispatchservice"
	"github.com/tinywideclouds/go-outbox-dispatcher/dispatchservice/config"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/metrics"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/pipeline"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/platform/expo"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/recipients"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/storage/cache"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/storage/memory"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/storage/postgres"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/storage/supabase"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/tokens"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
)

//go:embed local.yaml
var configFile []byte

// backend is everything a store driver provides.
type backend interface {
	dispatch.ClaimStore
	dispatch.RecipientSource
	dispatch.ProfileSource
	dispatch.TokenSource
}

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-outbox-dispatcher")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Deferred closes inside run complete before exit.
	if err := run(ctx, logger); err != nil {
		logger.Error("Service shutdown with error", "err", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		return fmt.Errorf("unmarshal embedded yaml config: %w", err)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// --- Metrics ---
	m := metrics.New(logger)
	if cfg.PushgatewayURL != "" {
		m.WithPushgateway(cfg.PushgatewayURL)
		logger.Info("Metrics push enabled", "url", cfg.PushgatewayURL)
	}

	// --- Store ---
	var dispatcher *pipeline.Dispatcher
	if cfg.Store.Configured() {
		store, closeStore, err := newBackend(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("store %s: %w", cfg.Store.Driver, err)
		}
		defer closeStore()

		// --- Token Source (Decorated) ---
		var tokenSource dispatch.TokenSource = store
		if cfg.Redis.Enabled {
			logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
			redisClient, err := cache.NewRedisClient(ctx, cache.RedisOptions{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			if err != nil {
				return err
			}
			defer redisClient.Close()
			tokenSource = cache.NewCachedTokenSource(tokenSource, redisClient, cfg.Redis.TTL, logger)
			logger.Info("TokenSource upgraded", "type", "redis_cached_"+cfg.Store.Driver, "ttl", cfg.Redis.TTL)
		}

		// --- Gateway ---
		gateway := expo.NewClient(expo.Config{
			BaseURL:     cfg.Gateway.URL,
			AccessToken: cfg.Gateway.AccessToken,
			Timeout:     cfg.Gateway.Timeout,
		}, nil, logger)

		dispatcher = pipeline.NewDispatcher(
			store,
			recipients.NewResolver(store, store, logger),
			tokens.NewDirectory(tokenSource),
			m.Gateway(gateway),
			logger,
			pipeline.WithReclaimAfter(cfg.StaleClaimAfter),
			pipeline.WithObserver(m),
		)
	}

	// --- Service ---
	service := dispatchservice.New(cfg, dispatcher, m.Handler(), logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown failed", "err", err)
		}
	}()

	logger.Info("Starting service...", "addr", cfg.ListenAddr, "driver", cfg.Store.Driver)
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverSupabase:
		client := supabase.NewClient(supabase.Config{
			URL:            cfg.Store.SupabaseURL,
			ServiceRoleKey: cfg.Store.SupabaseServiceRoleKey,
			Timeout:        cfg.Gateway.Timeout,
		}, nil, logger)
		return client, func() {}, nil
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewStore(pool, logger), pool.Close, nil
	case config.DriverMemory:
		logger.Warn("Using in-memory store; nothing is persisted")
		return memory.NewStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}
