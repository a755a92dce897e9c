// Package scheduler finds due jobs, claims them with a compare-and-swap and
// dispatches each claimed job to its executor.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/executor"
	"jobscheduler/internal/history"
	"jobscheduler/internal/logging"
	"jobscheduler/internal/models"
	"jobscheduler/internal/queue"
	"jobscheduler/internal/store"
	"jobscheduler/internal/telemetry"
)

const (
	// purgeEvery throttles the run-history retention sweep.
	purgeEvery = time.Hour
	// subscribeBackoffMax caps the delay between bus resubscribe attempts.
	subscribeBackoffMax = time.Minute
)

// Gate reports whether a named dependency is currently usable.
type Gate interface {
	Available(dependency string) bool
}

// Options tunes the loop.
type Options struct {
	WorkerID       string
	PollInterval   time.Duration
	BatchSize      int
	MaxConcurrent  int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	DeferDelay     time.Duration
	StaleRunAfter  time.Duration
	RunRetention   time.Duration

	// CancelCheckInterval throttles how often a checkpoint re-reads the
	// stored status, which catches cancels whose bus event was lost.
	CancelCheckInterval time.Duration
	Now                 func() time.Time
}

// Scheduler is one worker's loop. Any number of them may share a store; the
// claim CAS guarantees each fire is dispatched once.
type Scheduler struct {
	store     store.Store
	bus       queue.Bus
	history   *history.Recorder
	executors executor.Set
	gate      Gate
	log       *zap.SugaredLogger
	opts      Options

	slots chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	running map[string]*atomic.Bool

	lastBeat  atomic.Int64
	lastPurge time.Time
}

// New builds a scheduler. gate may be nil, in which case every dependency is
// assumed available.
func New(st store.Store, bus queue.Bus, rec *history.Recorder, set executor.Set, gate Gate, log *zap.SugaredLogger, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 30 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.DeferDelay <= 0 {
		opts.DeferDelay = time.Minute
	}
	if opts.CancelCheckInterval <= 0 {
		opts.CancelCheckInterval = 5 * time.Second
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "scheduler"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:     st,
		bus:       bus,
		history:   rec,
		executors: set,
		gate:      gate,
		log:       logging.Component(log, "scheduler").With(logging.FieldWorkerID, opts.WorkerID),
		opts:      opts,
		slots:     make(chan struct{}, opts.MaxConcurrent),
		running:   make(map[string]*atomic.Bool),
	}
}

// Run loops until ctx is cancelled, then waits for in-flight runs. A lost
// bus subscription is retried with backoff; polling continues meanwhile.
func (s *Scheduler) Run(ctx context.Context) error {
	var (
		events   <-chan queue.Event
		failures int
		retryAt  time.Time
	)
	subscribe := func() {
		ch, err := s.bus.Subscribe(ctx)
		if err != nil {
			failures++
			wait := backoffWithJitter(s.opts.PollInterval, subscribeBackoffMax, failures)
			retryAt = time.Now().Add(wait)
			s.log.Warnw("Bus subscribe failed; polling until retry", "error", err, "retry_in", wait)
			return
		}
		if failures > 0 {
			s.log.Infow("Bus subscription restored", "failures", failures)
		}
		events, failures = ch, 0
	}
	subscribe()
	s.log.Infow("Scheduler started", "poll_interval", s.opts.PollInterval, "max_concurrent", s.opts.MaxConcurrent)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("Scheduler stopping; waiting for in-flight runs")
			s.wg.Wait()
			return nil
		case ev, ok := <-events:
			if !ok {
				events, retryAt = nil, time.Now()
				if ctx.Err() == nil {
					s.log.Warnw("Bus subscription closed; resubscribing")
				}
				continue
			}
			if ev.Kind == queue.EventCancel {
				s.signalCancel(ev.JobID)
				continue
			}
		case <-timer.C:
		}

		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Warnw("Scheduler tick failed", "error", err)
		}
		if events == nil && ctx.Err() == nil && !time.Now().Before(retryAt) {
			subscribe()
		}
		timer.Reset(s.nextWait(ctx))
	}
}

// Wait blocks until every dispatched run has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// LastHeartbeat is the time of the latest loop iteration.
func (s *Scheduler) LastHeartbeat() time.Time {
	ns := s.lastBeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Tick runs one iteration: heartbeat, stale-run recovery, retention, then
// claim and dispatch of due jobs. It returns how many jobs were dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.opts.Now()
	telemetry.SchedulerTicks.Inc()
	s.heartbeat(ctx, now)
	s.reapStale(ctx, now)
	s.purge(ctx, now)

	// Gated types are left out of the query so their backlog cannot fill
	// the batch and starve the types that can run.
	var gated []models.JobType
	for _, t := range models.AllJobTypes {
		if !s.gateOpen(t) {
			gated = append(gated, t)
			telemetry.Deferrals.WithLabelValues(string(t)).Inc()
			s.log.Debugw("Dependency down; holding job type", logging.FieldJobType, t, "dependency", executor.Dependency(t))
		}
	}
	due, err := s.store.ListDue(ctx, now, s.opts.BatchSize, gated...)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		select {
		case s.slots <- struct{}{}:
		default:
			return dispatched, nil
		}
		claimed, err := s.claim(ctx, job, now)
		if err != nil {
			<-s.slots
			if !apperr.IsConflict(err) && !apperr.IsNotFound(err) {
				s.log.Warnw("Claim failed", logging.FieldJobID, job.ID, "error", err)
			}
			continue
		}
		dispatched++
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.dispatch(context.WithoutCancel(ctx), claimed)
		}()
	}
	return dispatched, nil
}

// claim wins the job for this worker. DueBy rejects a stale read of a job
// another worker already ran and rescheduled.
func (s *Scheduler) claim(ctx context.Context, job models.Job, now time.Time) (models.Job, error) {
	worker := s.opts.WorkerID
	claimed, err := s.store.Transition(ctx, job.ID, store.Transition{
		From:      models.StatusPending,
		To:        models.StatusRunning,
		At:        now,
		DueBy:     &now,
		ClaimedBy: &worker,
	})
	if err != nil {
		if apperr.IsConflict(err) {
			telemetry.ClaimConflicts.Inc()
		}
		return models.Job{}, err
	}
	telemetry.Claims.WithLabelValues(string(job.Type)).Inc()
	if err := s.bus.Unschedule(ctx, job.ID); err != nil {
		s.log.Debugw("Unschedule after claim failed", logging.FieldJobID, job.ID, "error", err)
	}
	return claimed, nil
}

func (s *Scheduler) gateOpen(t models.JobType) bool {
	if s.gate == nil {
		return true
	}
	return s.gate.Available(executor.Dependency(t))
}

// nextWait is the poll interval, shortened to the earliest wake entry when
// that is sooner. Overdue entries are ignored; the poll already covers them.
func (s *Scheduler) nextWait(ctx context.Context) time.Duration {
	wait := s.opts.PollInterval
	at, ok, err := s.bus.Earliest(ctx)
	if err != nil || !ok {
		return wait
	}
	if d := at.Sub(s.opts.Now()); d > 0 && d < wait {
		return d
	}
	return wait
}

func (s *Scheduler) heartbeat(ctx context.Context, now time.Time) {
	s.lastBeat.Store(now.UnixNano())
	telemetry.HeartbeatSeconds.Set(float64(now.Unix()))
	if err := s.bus.Heartbeat(ctx, s.opts.WorkerID, now); err != nil {
		s.log.Debugw("Heartbeat publish failed", "error", err)
	}
}

// register returns the cancel flag for a job this worker is running.
func (s *Scheduler) register(id string) *atomic.Bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag := &atomic.Bool{}
	s.running[id] = flag
	return flag
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Scheduler) isRunningHere(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// signalCancel trips the checkpoint of a run on this worker, if any.
func (s *Scheduler) signalCancel(id string) {
	s.mu.Lock()
	flag, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		flag.Store(true)
		s.log.Infow("Cancellation requested for running job", logging.FieldJobID, id)
	}
}

// reapStale returns jobs whose worker vanished mid-run to PENDING, recording
// the abandoned attempt as a retryable failure.
func (s *Scheduler) reapStale(ctx context.Context, now time.Time) {
	if s.opts.StaleRunAfter <= 0 {
		return
	}
	stale, err := s.store.ListStale(ctx, now.Add(-s.opts.StaleRunAfter), s.opts.BatchSize)
	if err != nil {
		s.log.Warnw("List stale runs failed", "error", err)
		return
	}
	for _, job := range stale {
		if s.isRunningHere(job.ID) {
			continue
		}
		owner := "unknown worker"
		if job.ClaimedBy != nil {
			owner = *job.ClaimedBy
		}
		started := now
		if job.ClaimedAt != nil {
			started = *job.ClaimedAt
		}
		telemetry.StaleRecovered.Inc()
		s.log.Warnw("Recovering stale run", logging.FieldJobID, job.ID, "claimed_by", owner, "claimed_at", started)
		s.complete(ctx, job, executor.Retryable("run abandoned by "+owner), started, now)
	}
}

func (s *Scheduler) purge(ctx context.Context, now time.Time) {
	if s.opts.RunRetention <= 0 || now.Sub(s.lastPurge) < purgeEvery {
		return
	}
	s.lastPurge = now
	n, err := s.history.Purge(ctx, now.Add(-s.opts.RunRetention))
	if err != nil {
		s.log.Warnw("Run history purge failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Infow("Purged run history", "purged", n)
	}
}
