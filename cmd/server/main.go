/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the coin ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file + LEDGER_* environment)
  2. Configure logging
  3. Open the store (memory, SQLite, or PostgreSQL with migrations)
  4. Build locker, payout notifier, poster, bonus issuer, withdrawal engine
  5. Start the withdrawal sweeper
  6. Start HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (optional; defaults apply without it)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the sweeper
  4. Close notifier, lock client and store
  5. Exit

EXAMPLES:
  # Run with the example file
  ./server -config=config/config.example.yaml

  # In-memory store, text logs
  LEDGER_STORE_DRIVER=memory LEDGER_LOG_FORMAT=text ./server

SEE ALSO:
  - config/config.go: Configuration keys and defaults
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
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
	"github.com/warp/coin-ledger/api"
	"github.com/warp/coin-ledger/bonus"
	"github.com/warp/coin-ledger/config"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/ledger/store"
	"github.com/warp/coin-ledger/lock"
	"github.com/warp/coin-ledger/logging"
	"github.com/warp/coin-ledger/notify"
	"github.com/warp/coin-ledger/profile"
	"github.com/warp/coin-ledger/store/postgres"
	"github.com/warp/coin-ledger/store/sqlite"
	"github.com/warp/coin-ledger/withdrawal"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	// Initialize store
	stores, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer stores.close()

	locker, closeLocker, err := newLocker(ctx, cfg.Lock)
	if err != nil {
		return fmt.Errorf("create locker: %w", err)
	}
	defer closeLocker()

	payout, closePayout, err := newNotifier(cfg.Payout)
	if err != nil {
		return fmt.Errorf("create payout notifier: %w", err)
	}
	defer closePayout()

	bonusCfg, err := cfg.Bonus.Build()
	if err != nil {
		return err
	}

	// Domain wiring
	poster := ledger.NewPoster(stores.ledger, locker, ledger.WithLockTimeout(cfg.Lock.Timeout))
	issuer := bonus.NewIssuer(poster, stores.profiles, bonusCfg)
	engine := withdrawal.NewEngine(stores.withdrawals, poster, stores.profiles, payout, locker, withdrawal.Options{
		LockTimeout:     cfg.Lock.Timeout,
		RecheckIdentity: cfg.Withdrawal.RecheckIdentity,
	})

	sweeper := withdrawal.NewSweeper(engine, stores.withdrawals, cfg.Withdrawal.TTL)
	sweeper.Pruner = stores.ledger
	if cfg.Withdrawal.SweepInterval > 0 {
		sweeper.CheckInterval = cfg.Withdrawal.SweepInterval
	}
	sweeper.Start()
	defer sweeper.Stop()

	handler := api.NewHandler(poster, issuer, engine, stores.profiles)
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"port":   cfg.Server.Port,
			"store":  cfg.Store.Driver,
			"lock":   cfg.Lock.Driver,
			"payout": cfg.Payout.Driver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down server")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// backend groups the three persistence interfaces. The SQL stores
// implement all of them on one connection.
type backend struct {
	ledger      ledger.Store
	withdrawals withdrawal.Repository
	profiles    profile.Directory
	close       func()
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (backend, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn("using in-memory store; state is lost on exit")
		return backend{
			ledger:      store.NewMemory(),
			withdrawals: withdrawal.NewMemoryRepository(),
			profiles:    profile.NewMemory(),
			close:       func() {},
		}, nil

	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return backend{}, err
		}
		log.WithField("path", cfg.SQLitePath).Info("sqlite store opened")
		return backend{ledger: s, withdrawals: s, profiles: s, close: func() { s.Close() }}, nil

	case "postgres":
		if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
			return backend{}, err
		}
		s, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return backend{}, err
		}
		log.Info("postgres store opened")
		return backend{ledger: s, withdrawals: s, profiles: s, close: s.Close}, nil
	}
	return backend{}, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func newLocker(ctx context.Context, cfg config.LockConfig) (ledger.Locker, func(), error) {
	switch cfg.Driver {
	case "local":
		return lock.NewKeyed(), func() {}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		log.WithField("addr", cfg.Redis.Addr).Info("redis locker connected")
		return lock.NewRedis(client, lock.RedisOptions{TTL: cfg.Redis.TTL}), func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown lock driver %q", cfg.Driver)
}

func newNotifier(cfg config.PayoutConfig) (withdrawal.PayoutNotifier, func(), error) {
	switch cfg.Driver {
	case "log", "":
		return notify.Log{}, func() {}, nil

	case "kafka":
		k, err := notify.DialKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, nil, err
		}
		return k, func() {
			if err := k.Close(); err != nil {
				log.WithError(err).Warn("failed to close kafka producer")
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown payout driver %q", cfg.Driver)
}
