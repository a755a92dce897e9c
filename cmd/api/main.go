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
	"jobscheduler/internal/scheduler"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatalw("Startup failed", "error", err)
	}
	defer a.Close()

	go a.Health.Watch(ctx)

	// RUN_SCHEDULER embeds a scheduler loop for single-process deployments.
	var sched *scheduler.Scheduler
	if cfg.RunScheduler {
		sched = a.Scheduler()
		go func() {
			if err := sched.Run(ctx); err != nil {
				logger.Errorw("Scheduler stopped", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           a.API().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Infow("API listening", "addr", httpServer.Addr, "store", cfg.StoreDriver, "bus", cfg.BusDriver, "embedded_scheduler", cfg.RunScheduler)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("Listen failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if sched != nil {
		sched.Wait()
	}
	logger.Infow("API stopped")
}

func envFile() string {
	if v := os.Getenv("ENV_FILE"); v != "" {
		return v
	}
	return ".env"
}
