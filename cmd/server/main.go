/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Initialize SQLite store (and seed the catalog if configured)
  3. Wire the Redis catalog cache when an address is configured
  4. Build ledger, bonus, rewards and checkout engines
  5. Start the maintenance scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port, overrides the configuration
  -db      SQLite database path, overrides the configuration
           Use ":memory:" for in-memory database

ENVIRONMENT:
  LOYALTY_* variables and an optional .env file. See config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, waiting for running jobs
  4. Close Redis and the database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -config=loyalty.yaml -db="./data/loyalty.db"

  # Run with in-memory database and no atomic procedure
  LOYALTY_ATOMIC_CLAIMS=false ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Maintenance jobs
  - store/sqlite/sqlite.go: Database implementation
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
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/checkout"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/logger"
	"github.com/warp/loyalty-engine/rewards"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Server failed")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx := context.Background()

	var opts []sqlite.Option
	if !cfg.Database.AtomicClaims {
		opts = append(opts, sqlite.WithoutAtomicClaims())
	}
	store, err := sqlite.New(cfg.Database.Path, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	if cfg.Database.CatalogSeed != "" {
		all, err := factory.LoadCatalog(cfg.Database.CatalogSeed)
		if err != nil {
			return err
		}
		if err := factory.SeedCatalog(ctx, store, all); err != nil {
			return fmt.Errorf("failed to seed catalog: %w", err)
		}
		log.WithField("rewards", len(all)).Info("Catalog seeded")
	}

	l := ledger.NewLedger(store,
		ledger.WithTiers(cfg.Program.Tiers),
		ledger.WithTimeout(cfg.Program.CallTimeout),
		ledger.WithLogger(log),
	)

	bonusEngine := bonus.NewEngine(l, store, cfg.Program.Bonus, log)
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	bonusEngine.Location = loc

	rewardsEngine := rewards.NewEngine(store, cfg.Program.CallTimeout, log)
	checkoutService := checkout.NewService(l, store, cfg.Program.Checkout, log)

	handler := api.NewHandler(l, bonusEngine, rewardsEngine, checkoutService, store, log)

	if cfg.Redis.Addr != "" {
		client := cache.NewClient(cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.CatalogTTL,
		})
		defer client.Close()

		catalogCache := cache.NewCatalogCache(client, store, cfg.Redis.CatalogTTL, log)
		if err := catalogCache.Ping(ctx); err != nil {
			log.WithError(err).Warn("Redis unreachable, catalog reads fall through to the database")
		}
		rewardsEngine.Catalog = catalogCache
		handler.Cache = catalogCache
	}

	scheduler, err := api.NewScheduler(handler, cfg.Program.Jobs, cfg.Program.ReservationTTL)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Stop(); err != nil {
			log.WithError(err).Warn("Scheduler did not stop cleanly")
		}
	}()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":          cfg.Server.Port,
			"db":            cfg.Database.Path,
			"atomic_claims": cfg.Database.AtomicClaims,
			"redis":         cfg.Redis.Addr != "",
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server stopped")
	return nil
}
