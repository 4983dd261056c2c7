// Package cli provides the initialization shared by cmd/economat and
// cmd/economat-cli: environment, logging, configuration and the wiring of the
// ledger client, cache, journal and event publisher into the engine services.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"economat/internal/audit"
	"economat/internal/bulk"
	"economat/internal/cache"
	"economat/internal/capital"
	"economat/internal/config"
	"economat/internal/events"
	"economat/internal/expense"
	"economat/internal/injection"
	"economat/internal/ledger"
	applog "economat/internal/log"
	"economat/internal/storage"
)

// TokenEnv is the variable the ledger credential is read from on every call.
const TokenEnv = "LEDGER_TOKEN"

const cacheSweepInterval = time.Minute

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// SetupLogger builds the process logger from cfg and installs it as the slog
// default. A nil cfg gives the bootstrap logger used before config is loaded.
func SetupLogger(cfg *config.Config) *applog.Logger {
	lc := applog.DefaultConfig()
	if cfg != nil {
		lc.Level = applog.ParseLevel(cfg.LogLevel)
		lc.Format = cfg.LogFormat
	}
	logger := applog.New(lc)
	slog.SetDefault(logger.Logger)
	return logger
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *applog.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", applog.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// App holds every long-lived component. Publisher and CacheManager may be nil.
type App struct {
	Config       *config.Config
	Logger       *applog.Logger
	Ledger       *ledger.Client
	CacheManager *cache.Manager
	Journal      *storage.Journal
	Publisher    *events.Publisher
	Recorder     audit.Recorder

	Capital   *capital.Service
	Expenses  *expense.Service
	Bulk      *bulk.Coordinator
	Injection *injection.Gateway

	closers []func() error
}

// Bootstrap connects every configured backend and builds the services.
// On error, whatever was already opened is closed.
func Bootstrap(ctx context.Context, cfg *config.Config, logger *applog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	rc, err := app.buildCache(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	lcfg := ledger.DefaultConfig(cfg.LedgerBaseURL)
	lcfg.StandardTimeout = cfg.LedgerTimeout
	lcfg.HeavyTimeout = cfg.LedgerHeavyTimeout
	lcfg.DefaultTTL = cfg.CacheTTL
	lcfg.LiveTTL = cfg.CacheLiveTTL
	app.Ledger, err = ledger.New(lcfg,
		ledger.WithTokenSource(ledger.EnvToken(TokenEnv)),
		ledger.WithCache(rc),
		ledger.WithLogger(logger),
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("create ledger client: %w", err)
	}

	if err := app.buildRecorder(); err != nil {
		app.Close()
		return nil, err
	}

	app.Capital = capital.NewService(app.Ledger, logger)
	app.Expenses = expense.NewService(app.Ledger, app.Recorder, logger)
	app.Bulk = bulk.NewCoordinator(app.Ledger, app.Recorder, logger, bulk.Config{Concurrency: cfg.BulkConcurrency})
	app.Injection = injection.NewGateway(app.Ledger, app.Recorder, logger)
	return app, nil
}

func (a *App) buildCache(ctx context.Context) (cache.ResponseCache, error) {
	switch a.Config.CacheBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: a.Config.RedisAddr})
		rc := cache.NewRedis(client, "economat")
		a.closers = append(a.closers, rc.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("connect to Redis at %s: %w", a.Config.RedisAddr, err)
		}
		a.Logger.Info("Initialized Redis response cache", "addr", a.Config.RedisAddr)
		return rc, nil
	default:
		mem := cache.NewMemory(a.Config.CacheMaxEntries, a.Config.CacheTTL)
		a.CacheManager = cache.NewManager(a.Logger)
		a.CacheManager.Register(mem)
		a.closers = append(a.closers, func() error { a.CacheManager.Stop(); return nil })
		a.Logger.Info("Initialized memory response cache", "max_entries", a.Config.CacheMaxEntries)
		return mem, nil
	}
}

// buildRecorder opens the journal and, when configured, the event publisher.
// A broker that cannot be reached only disables events.
func (a *App) buildRecorder() error {
	var recorders audit.Fanout
	if a.Config.JournalDBPath != "" {
		j, err := storage.NewJournal(a.Config.JournalDBPath, a.Logger)
		if err != nil {
			return fmt.Errorf("open decision journal: %w", err)
		}
		a.Journal = j
		a.closers = append(a.closers, j.Close)
		recorders = append(recorders, j)
	}
	if a.Config.AMQPURL != "" {
		p, err := events.NewPublisher(a.Config.AMQPURL, a.Config.AMQPExchange, a.Config.AMQPQueue, a.Logger)
		if err != nil {
			a.Logger.Warn("Event publishing disabled", applog.FieldError, err)
		} else {
			a.Publisher = p
			a.closers = append(a.closers, p.Close)
			recorders = append(recorders, p)
		}
	}
	a.Recorder = recorders
	return nil
}

// StartBackground starts the periodic cache sweep when the memory cache is used.
func (a *App) StartBackground() {
	if a.CacheManager != nil {
		a.CacheManager.StartCleanup(cacheSweepInterval)
	}
}

// Close releases every backend in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("Close failed", applog.FieldError, err)
		}
	}
	a.closers = nil
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *applog.Logger, timeout time.Duration, cleanup func(ctx context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		if cleanup != nil {
			cleanup(shutdownCtx)
		}
		cancel()

		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
		} else {
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled and cleanup finished.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
