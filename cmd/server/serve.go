package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"gstpos/backend/internal/cache"
	"gstpos/backend/internal/checkout"
	"gstpos/backend/internal/config"
	"gstpos/backend/internal/events"
	"gstpos/backend/internal/httpapi"
	"gstpos/backend/internal/logging"
	"gstpos/backend/internal/service"
	"gstpos/backend/internal/store"
	"gstpos/backend/internal/store/memory"
	"gstpos/backend/internal/store/sqlstore"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := validateSecurityConfig(cfg); err != nil {
				return fmt.Errorf("invalid security configuration: %w", err)
			}
			return serve(cmd.Context(), cfg, logging.New(cfg.LogLevel, cfg.LogPretty))
		},
	}
}

func serve(parent context.Context, cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	closers := make([]func() error, 0, 3)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn().Err(err).Msg("close error")
			}
		}
	}()

	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	repo, closeRepo, err := openRepository(startupCtx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeRepo)

	engineOpts := []checkout.Option{
		checkout.WithLogger(logging.Component(logger, "checkout")),
		checkout.WithSellerStateCode(cfg.SellerStateCode),
		checkout.WithDefaultTaxMode(cfg.DefaultTaxMode),
		checkout.WithLoyaltyUnit(cfg.LoyaltyUnitCents),
	}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}, logging.Component(logger, "kafka-publisher"))
		closers = append(closers, publisher.Close)
		engineOpts = append(engineOpts, checkout.WithPublisher(publisher))
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("events: kafka")
	} else {
		logger.Info().Msg("events: disabled")
	}
	engine := checkout.New(repo, engineOpts...)

	serviceOpts := []service.Option{service.WithLogger(logging.Component(logger, "service"))}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisTransactionCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(startupCtx); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, transaction cache disabled")
			_ = redisCache.Close()
		} else {
			closers = append(closers, redisCache.Close)
			serviceOpts = append(serviceOpts, service.WithTransactionCache(redisCache, cfg.TransactionCacheTTL))
			logger.Info().Str("addr", cfg.RedisAddr).Msg("cache: redis")
		}
	} else {
		logger.Info().Msg("cache: noop")
	}
	svc := service.New(repo, engine, serviceOpts...)

	auth := httpapi.NewAuthManager(startupCtx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logging.Component(logger, "http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Address()).Msg("POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown error")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// openRepository selects the store backend. A configured database that cannot
// be reached is fatal; there is no silent fallback to memory.
func openRepository(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Repository, func() error, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn().Msg("repository: in-memory, data is lost on restart")
		return memory.NewSeeded(), func() error { return nil }, nil
	case config.BackendPostgres, config.BackendSQLite:
		db, err := openSQLStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate %s: %w", cfg.StoreBackend, err)
		}
		logger.Info().Str("backend", cfg.StoreBackend).Msg("repository: sql")
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported STORE_BACKEND %q", cfg.StoreBackend)
	}
}

func openSQLStore(ctx context.Context, cfg config.Config) (*sqlstore.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := sqlstore.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable: %w", err)
		}
		return db, nil
	case config.BackendSQLite:
		db, err := sqlstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite unavailable: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("STORE_BACKEND %q has no schema to manage", cfg.StoreBackend)
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	for _, r := range cfg.ManagerPIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("MANAGER_PIN must contain digits only")
		}
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that repeat one digit, run sequentially
// in either direction, or appear on a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "121212": true,
		"112233": true, "123123": true, "101010": true, "246810": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
