/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the collectible ledger server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load config (file + LEDGER_* env)
  2. Build the logger
  3. Open the store (sqlite or postgres)
  4. Build the wallet locker (in-process or redis)
  5. Create API handler and router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Optional config file (yaml, json, toml)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Close store and redis connections
  4. Exit

EXAMPLES:
  # Single process, file database
  LEDGER_STORE_SQLITE_PATH=./data/ledger.db ./server

  # Several replicas sharing postgres and redis
  LEDGER_STORE_DRIVER=postgres \
  LEDGER_STORE_POSTGRES_DSN=postgres://ledger@db/ledger \
  LEDGER_LOCK_BACKEND=redis LEDGER_REDIS_ADDR=redis:6379 ./server

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/mahall/collectible-ledger/api"
	"github.com/mahall/collectible-ledger/config"
	"github.com/mahall/collectible-ledger/ledger"
	"github.com/mahall/collectible-ledger/lock"
	"github.com/mahall/collectible-ledger/logging"
	"github.com/mahall/collectible-ledger/store/postgres"
	"github.com/mahall/collectible-ledger/store/sqlite"
)

// ledgerStore is what the server needs from either store driver.
type ledgerStore interface {
	ledger.TxStore
	api.Pinger
	io.Closer
}

func main() {
	// Flags
	configPath := flag.String("config", "", "Optional config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped with error")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	log.WithField("driver", cfg.Store.Driver).Info("store ready")

	// Initialize locker
	locker, closeLocker, err := newLocker(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("lock backend: %w", err)
	}
	defer closeLocker()
	log.WithField("backend", cfg.Lock.Backend).Info("wallet locks ready")

	// Initialize handler
	handler := api.NewHandler(store, ledger.Options{
		Locker:       locker,
		Logger:       log,
		MaxRetries:   cfg.Ledger.MaxRetries,
		RetryBackoff: cfg.Ledger.RetryBackoff,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, log, cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Server.Port).Info("server starting")
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

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (ledgerStore, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.PostgresDSN)
	default:
		return sqlite.New(cfg.SQLitePath)
	}
}

// newLocker returns the wallet locker and a func releasing its resources.
func newLocker(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (ledger.KeyLocker, func(), error) {
	if cfg.Lock.Backend != "redis" {
		return lock.NewLocal(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}

	locker := lock.NewRedis(client,
		lock.WithTTL(cfg.Lock.TTL),
		lock.WithRetryInterval(cfg.Lock.RetryInterval),
		lock.WithLogger(log),
	)
	return locker, func() { client.Close() }, nil
}
