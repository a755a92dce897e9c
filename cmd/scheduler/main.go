package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/cockroachdb/errors"

	"jobscheduler/internal/app"
	"jobscheduler/internal/config"
	"jobscheduler/internal/logging"
	"jobscheduler/internal/telemetry"
)

func main() {
	cfg, err := config.Load(envFile())
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatalw("Startup failed", "error", err)
	}
	defer a.Close()

	go a.Health.Watch(ctx)
	sched := a.Scheduler()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnw("Metrics server stopped", "error", err)
		}
	}()

	logger.Infow("Scheduler worker started",
		"worker_id", cfg.ResolveWorkerID(),
		"poll_interval", cfg.PollInterval,
		"backoff_initial", cfg.BackoffInitial,
		"stale_run_after", cfg.StaleRunAfter,
	)
	if err := sched.Run(ctx); err != nil {
		logger.Errorw("Scheduler stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
	logger.Infow("Scheduler worker stopped")
}

func envFile() string {
	if v := os.Getenv("ENV_FILE"); v != "" {
		return v
	}
	return ".env"
}
