/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the fuel ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML, .env, FUEL_* variables, flags)
  2. Open the store (SQLite or PostgreSQL)
  3. Connect Redis when configured, for cross-process pair locks
  4. Build the ledger engine, pricing and deal services
  5. Configure HTTP router
  6. Start the reconciliation scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port, overrides http.addr
  -db      Database DSN, overrides database.dsn
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (http.shutdown_timeout)
  3. Stop the scheduler
  4. Close Redis and database connections

EXAMPLES:
  ./server -db=":memory:"
  FUEL_DB_DRIVER=postgres FUEL_DB_DSN=postgres://... ./server
  FUEL_REDIS_ADDR=localhost:6379 ./server -config fuel.yaml

SEE ALSO:
  - config/config.go: Configuration layers
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-ledger/api"
	"github.com/warp/fuel-ledger/config"
	"github.com/warp/fuel-ledger/deals"
	"github.com/warp/fuel-ledger/inventory"
	"github.com/warp/fuel-ledger/lock"
	"github.com/warp/fuel-ledger/metrics"
	"github.com/warp/fuel-ledger/pricing"
	"github.com/warp/fuel-ledger/store/postgres"
	"github.com/warp/fuel-ledger/store/sqlite"
)

// appStore is what both SQL backends provide.
type appStore interface {
	api.Store
	deals.Store
	pricing.Store
	pricing.VolumeSource
	Close() error
}

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dsn := flag.String("db", "", "database DSN (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Addr = fmt.Sprintf(":%d", *port)
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	logger := config.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer store.Close()
	logger.WithField("driver", cfg.Database.Driver).Info("store ready")

	// Pair locks: in-process unless Redis is configured
	var locker inventory.Locker = inventory.NewKeyedMutex()
	if cfg.Redis.Addr != "" {
		rdb, err := lock.Connect(ctx, cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		locker = lock.NewRedis(rdb, cfg.Redis, logger)
	}

	policy, err := inventory.ParseNegativeBalancePolicy(cfg.Ledger.NegativeBalance)
	if err != nil {
		return err
	}
	mode := pricing.ModeAdvisory
	if cfg.Pricing.StrictOverlap {
		mode = pricing.ModeStrict
	}

	collector := metrics.New()
	engine := inventory.NewEngine(store,
		inventory.WithLocker(locker),
		inventory.WithPolicy(policy),
		inventory.WithRetries(cfg.Ledger.Retries),
		inventory.WithLogger(logger),
		inventory.WithRecorder(collector),
	)
	selection := pricing.NewAggregator(store, store, logger)
	prices := pricing.NewService(store, logger,
		pricing.WithMode(mode),
		pricing.WithLocker(locker),
		pricing.WithRecorder(collector),
		pricing.WithVolumeRefresher(selection),
	)

	dealService := deals.NewService(engine, store, logger)
	handler := api.NewHandler(api.Deps{
		Store:     store,
		Engine:    engine,
		Prices:    prices,
		Selection: selection,
		Deals:     dealService,
		Logger:    logger,
	})

	// Create router
	router := api.NewRouter(handler, api.RouterConfig{
		Logger:         logger,
		Metrics:        collector,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Auth:           api.AuthConfig{Secret: cfg.Auth.Secret, Issuer: cfg.Auth.Issuer},
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
		TrustProxy:     cfg.HTTP.TrustProxy,
		DevRoutes:      cfg.HTTP.DevRoutes,
	})

	scheduler := api.NewReconciliationScheduler(engine, logger, collector).TrackCompensations(dealService)
	scheduler.CheckInterval = cfg.Ledger.ReconcileEvery
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":             cfg.HTTP.Addr,
			"negative_balance": policy,
			"overlap_mode":     mode,
			"redis_locks":      cfg.Redis.Addr != "",
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (appStore, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.DSN)
	default:
		return sqlite.New(cfg.DSN)
	}
}
