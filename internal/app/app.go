// Package app assembles the engine's components from configuration. The api,
// scheduler and jobctl binaries share it so they agree on backends and keys.
package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"jobscheduler/internal/api"
	"jobscheduler/internal/config"
	"jobscheduler/internal/executor"
	"jobscheduler/internal/health"
	"jobscheduler/internal/history"
	"jobscheduler/internal/jobs"
	"jobscheduler/internal/mail"
	"jobscheduler/internal/queue"
	"jobscheduler/internal/ratelimit"
	"jobscheduler/internal/scheduler"
	"jobscheduler/internal/storage"
	"jobscheduler/internal/store"
)

// App holds the long-lived components of one process.
type App struct {
	Config  config.Config
	Log     *zap.SugaredLogger
	Store   store.Store
	Bus     queue.Bus
	Redis   *redis.Client
	Files   *storage.Store
	Mail    *mail.SMTP
	Jobs    *jobs.Service
	History *history.Recorder
	Health  *health.Aggregator

	loop loopRef
}

// loopRef lets the health aggregator, which the scheduler uses as its gate,
// read the heartbeat of a scheduler built after it.
type loopRef struct {
	s atomic.Pointer[scheduler.Scheduler]
}

func (l *loopRef) LastHeartbeat() time.Time {
	if s := l.s.Load(); s != nil {
		return s.LastHeartbeat()
	}
	return time.Time{}
}

// Build connects to the configured backends. Postgres migrations run when
// migrate is set. Object storage and mail are built lazily by their SDKs and
// never fail here; their outages surface through health.
func Build(ctx context.Context, cfg config.Config, log *zap.SugaredLogger, migrate bool) (*App, error) {
	a := &App{Config: cfg, Log: log}

	switch cfg.StoreDriver {
	case "memory":
		a.Store = store.NewMemory()
	default:
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, errors.Wrap(err, "connect postgres")
		}
		if migrate {
			if err := pg.RunMigrations(ctx); err != nil {
				pg.Close()
				return nil, errors.Wrap(err, "run migrations")
			}
		}
		a.Store = pg
	}

	switch cfg.BusDriver {
	case "memory":
		a.Bus = queue.NewMemoryBus()
	default:
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.Bus = queue.NewRedisBus(a.Redis, log, queue.Options{})
	}

	files, err := storage.New(ctx, storage.Options{
		Bucket:           cfg.S3Bucket,
		Region:           cfg.S3Region,
		Endpoint:         cfg.S3Endpoint,
		AccessKey:        cfg.S3AccessKey,
		SecretKey:        cfg.S3SecretKey,
		PathStyle:        cfg.S3PathStyle,
		MaxArtifactBytes: cfg.BinaryMaxArtifactBytes,
		AllowLocal:       cfg.AllowLocalArtifacts,
		UploadTTL:        cfg.UploadURLTTL,
	}, log)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "object storage")
	}
	a.Files = files

	a.Mail = mail.NewSMTP(mail.Options{
		Enabled:     cfg.MailEnabled,
		Host:        cfg.MailHost,
		Port:        cfg.MailPort,
		Username:    cfg.MailUsername,
		Password:    cfg.MailPassword,
		SenderEmail: cfg.MailSenderEmail,
		SenderName:  cfg.MailSenderName,
		Timeout:     cfg.MailTimeout,
	}, log)

	a.History = history.New(a.Store)
	a.Jobs = jobs.New(a.Store, a.Bus, log, jobs.Options{
		DefaultMaxAttempts:  cfg.MaxAttempts,
		AllowLocalArtifacts: cfg.AllowLocalArtifacts,
	})
	a.Health = health.New(map[string]health.Probe{
		health.Database: a.Store.Ping,
		health.Storage:  a.Files.Ping,
		health.Bus:      a.Bus.Ping,
		health.Email:    a.Mail.Probe,
	}, a.Bus, &a.loop, health.Options{
		ProbeTimeout: cfg.HealthProbeTimeout,
		HeartbeatTTL: cfg.HeartbeatTTL,
		Refresh:      cfg.HealthRefreshInterval,
	}, log)
	return a, nil
}

// Scheduler builds this process's scheduler loop, gated on the cached health
// snapshot. Call Health.Watch alongside it to keep the gate current.
func (a *App) Scheduler() *scheduler.Scheduler {
	cfg := a.Config
	set := executor.Set{
		Binary: executor.NewBinary(a.Files, executor.BinaryOptions{
			Timeout:        cfg.BinaryTimeout,
			MemoryLimitMB:  cfg.BinaryMemoryLimitMB,
			MaxOutputBytes: cfg.BinaryMaxOutputBytes,
			WorkDir:        cfg.BinaryWorkDir,
			KillGrace:      config.ProcessKillGrace,
		}, a.Log),
		Email: executor.NewEmail(a.Mail, cfg.MailRatePerSec, a.Log),
	}
	s := scheduler.New(a.Store, a.Bus, a.History, set, a.Health, a.Log, scheduler.Options{
		WorkerID:       cfg.ResolveWorkerID(),
		PollInterval:   cfg.PollInterval,
		BatchSize:      cfg.DispatchBatchSize,
		MaxConcurrent:  cfg.MaxConcurrentRuns,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		DeferDelay:     cfg.DeferDelay,
		StaleRunAfter:  cfg.StaleRunAfter,
		RunRetention:   cfg.RunRetention,

		CancelCheckInterval: cfg.CancelCheckInterval,
	})
	a.loop.s.Store(s)
	return s
}

// Limiter meters job creation: shared through Redis when the bus is Redis,
// per process otherwise.
func (a *App) Limiter() api.Limiter {
	if a.Redis != nil {
		return ratelimit.NewTokenBucket(a.Redis, a.Config.RateLimitCapacity, a.Config.RateLimitRefill)
	}
	return ratelimit.NewLocal(a.Config.RateLimitCapacity, a.Config.RateLimitRefill)
}

// API builds the HTTP server over this process's components.
func (a *App) API() *api.Server {
	return api.New(a.Config, api.Deps{
		Jobs:    a.Jobs,
		History: a.History,
		Health:  a.Health,
		Mail:    a.Mail,
		Files:   a.Files,
		Limiter: a.Limiter(),
	}, a.Log)
}

// Close releases connections.
func (a *App) Close() {
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			a.Log.Warnw("Close bus", "error", err)
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
