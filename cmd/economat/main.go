package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"economat/internal/cli"
	apphttp "economat/internal/http"
	applog "economat/internal/log"
)

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(nil)
	cfg := cli.LoadAndValidateConfig(logger)
	logger = cli.SetupLogger(cfg)

	app, err := cli.Bootstrap(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize engine", applog.FieldError, err)
		os.Exit(1)
	}
	defer app.Close()
	app.StartBackground()

	if err := app.Ledger.HealthCheck(context.Background()); err != nil {
		logger.Warn("Ledger unreachable at startup, serving in offline mode", applog.FieldError, err)
	}

	deps := apphttp.Deps{
		Capital:   app.Capital,
		Expenses:  app.Expenses,
		Bulk:      app.Bulk,
		Injection: app.Injection,
		Ledger:    app.Ledger,
	}
	if app.Journal != nil {
		deps.Journal = app.Journal
	}

	srv := apphttp.NewServer(apphttp.Config{
		Addr:      ":" + cfg.Port,
		RateLimit: cfg.RateLimit,
	}, deps, logger)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
	})

	logger.Info("Starting economat server",
		"port", cfg.Port,
		"ledger", cfg.LedgerBaseURL,
		"cache_backend", cfg.CacheBackend,
		"events", app.Publisher != nil,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		app.Close()
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
