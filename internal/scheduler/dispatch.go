package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/executor"
	"jobscheduler/internal/logging"
	"jobscheduler/internal/models"
	"jobscheduler/internal/recurrence"
	"jobscheduler/internal/store"
	"jobscheduler/internal/telemetry"
)

// dispatch runs one claimed job to completion and applies the outcome.
func (s *Scheduler) dispatch(ctx context.Context, job models.Job) {
	flag := s.register(job.ID)
	defer s.release(job.ID)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	start := s.opts.Now()

	var lastCheck atomic.Int64
	lastCheck.Store(start.UnixNano())
	checkpoint := func() error {
		if !flag.Load() {
			if now := s.opts.Now(); now.Sub(time.Unix(0, lastCheck.Load())) >= s.opts.CancelCheckInterval {
				lastCheck.Store(now.UnixNano())
				s.checkStored(ctx, job.ID, flag)
			}
		}
		if flag.Load() {
			return apperr.ErrCancelled
		}
		return nil
	}

	stopLease := s.holdLease(ctx, job.ID, flag)
	defer stopLease()

	// A cancel can land between the claim and register; its event is gone by
	// now, so the stored status is the source of truth.
	current, err := s.store.GetJob(ctx, job.ID)
	switch {
	case apperr.IsNotFound(err):
		s.log.Infow("Claimed job was deleted before it started", logging.FieldJobID, job.ID)
		return
	case err == nil && current.Status == models.StatusCancelled:
		flag.Store(true)
	}

	var outcome executor.Outcome
	if ex, err := s.executors.For(job.Type); err != nil {
		outcome = executor.Fatal(err.Error())
	} else {
		outcome = ex.Execute(ctx, job, checkpoint)
	}
	stopLease()
	s.complete(ctx, job, outcome, start, s.opts.Now())
}

// checkStored trips flag when the stored job was cancelled or deleted.
func (s *Scheduler) checkStored(ctx context.Context, id string, flag *atomic.Bool) {
	current, err := s.store.GetJob(ctx, id)
	switch {
	case apperr.IsNotFound(err):
		flag.Store(true)
	case err != nil:
		s.log.Debugw("Cancel check read failed", logging.FieldJobID, id, "error", err)
	case current.Status == models.StatusCancelled:
		flag.Store(true)
	}
}

// holdLease refreshes claimed_at while the run is live so other workers do
// not reap it. The renewal is owner-guarded; losing it trips the checkpoint.
// The returned stop is idempotent and waits for the renewer to exit.
func (s *Scheduler) holdLease(ctx context.Context, id string, flag *atomic.Bool) func() {
	every := s.opts.StaleRunAfter / 3
	if every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		worker := s.opts.WorkerID
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			_, err := s.store.Transition(ctx, id, store.Transition{
				From:      models.StatusRunning,
				To:        models.StatusRunning,
				At:        s.opts.Now(),
				OwnedBy:   &worker,
				ClaimedBy: &worker,
			})
			switch {
			case err == nil:
			case apperr.IsConflict(err) || apperr.IsNotFound(err):
				flag.Store(true)
				s.log.Infow("Lease lost; job changed while running", logging.FieldJobID, id)
				return
			default:
				s.log.Warnw("Lease renewal failed", logging.FieldJobID, id, "error", err)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

// complete records the attempt and moves the job out of RUNNING.
func (s *Scheduler) complete(ctx context.Context, job models.Job, o executor.Outcome, start, finish time.Time) {
	log := s.log.With(logging.FieldJobID, job.ID, logging.FieldJobType, job.Type)

	if o.Kind == executor.KindDeferred {
		next := finish.Add(s.opts.DeferDelay)
		telemetry.Deferrals.WithLabelValues(string(job.Type)).Inc()
		log.Infow("Dispatch deferred", logging.FieldReason, o.Reason, logging.FieldNextRun, next)
		s.transition(ctx, job, store.Transition{
			From:         models.StatusRunning,
			To:           models.StatusPending,
			At:           finish,
			NextRun:      &next,
			ReleaseClaim: true,
		}, &next)
		return
	}

	attempt := job.Retry.Attempt + 1
	rec := models.RunRecord{
		JobID:            job.ID,
		ExecutorType:     job.Type,
		StartedAt:        start,
		FinishedAt:       finish,
		Reason:           o.Reason,
		ExitCode:         o.ExitCode,
		Output:           o.Output,
		FailedRecipients: o.FailedRecipients,
		WorkerID:         s.opts.WorkerID,
	}
	switch o.Kind {
	case executor.KindSuccess:
		rec.Outcome = models.OutcomeSuccess
	case executor.KindCancelled:
		rec.Outcome = models.OutcomeCancelled
	case executor.KindRetryable:
		rec.Outcome, rec.Retryable = models.OutcomeFailure, true
	default:
		rec.Outcome = models.OutcomeFailure
	}
	if _, err := s.history.Record(ctx, rec); err != nil {
		log.Errorw("Run record lost", logging.FieldOutcome, rec.Outcome, "error", err)
	}
	telemetry.Runs.WithLabelValues(string(job.Type), string(rec.Outcome)).Inc()
	telemetry.RunDuration.WithLabelValues(string(job.Type)).Observe(finish.Sub(start).Seconds())
	log.Infow("Run finished",
		logging.FieldOutcome, o.Kind.String(),
		logging.FieldAttempt, attempt,
		logging.FieldDuration, finish.Sub(start).Milliseconds(),
		logging.FieldReason, o.Reason,
	)

	switch o.Kind {
	case executor.KindSuccess:
		s.succeed(ctx, job, start, finish)
	case executor.KindRetryable:
		limit := job.MaxAttempts
		if limit <= 0 {
			limit = s.opts.MaxAttempts
		}
		retry := models.RetryState{Attempt: attempt, Recipients: pendingRecipients(job, o)}
		if attempt >= limit {
			s.fail(ctx, job, retry, start, finish, "retry limit reached: "+o.Reason)
			return
		}
		next := finish.Add(backoffWithJitter(s.opts.BackoffInitial, s.opts.BackoffMax, attempt))
		msg := o.Reason
		log.Infow("Retry scheduled", logging.FieldAttempt, attempt, logging.FieldNextRun, next)
		s.transition(ctx, job, store.Transition{
			From:         models.StatusRunning,
			To:           models.StatusPending,
			At:           finish,
			NextRun:      &next,
			LastRun:      &start,
			ErrorMessage: &msg,
			Retry:        &retry,
			ReleaseClaim: true,
		}, &next)
	case executor.KindCancelled:
		// Cancel already stored CANCELLED; this only covers a run cancelled
		// by some other checkpoint.
		s.transition(ctx, job, store.Transition{
			From:         models.StatusRunning,
			To:           models.StatusCancelled,
			At:           finish,
			LastRun:      &start,
			ClearNextRun: true,
			ReleaseClaim: true,
		}, nil)
	default:
		s.fail(ctx, job, models.RetryState{Attempt: attempt, Recipients: pendingRecipients(job, o)}, start, finish, o.Reason)
	}
}

// pendingRecipients is the email subset still owed the message. An outcome
// that names no recipients, such as a reaped run, keeps the current set
// rather than widening it back to everyone.
func pendingRecipients(job models.Job, o executor.Outcome) []string {
	if job.Type != models.JobTypeEmail {
		return nil
	}
	if len(o.FailedRecipients) > 0 {
		return o.FailedRecipients
	}
	return job.Retry.Recipients
}

// succeed completes a ONCE job or schedules the next fire of a recurring one.
func (s *Scheduler) succeed(ctx context.Context, job models.Job, start, finish time.Time) {
	t := store.Transition{
		From:                models.StatusRunning,
		To:                  models.StatusCompleted,
		At:                  finish,
		ClearNextRun:        true,
		LastRun:             &start,
		ClearError:          true,
		Retry:               &models.RetryState{},
		IncrementExecutions: true,
		ReleaseClaim:        true,
	}
	var wake *time.Time
	if job.RepeatPattern.Recurring() {
		rule, err := recurrence.Compile(job.RepeatPattern, job.RepeatExpression, job.Timezone, job.ScheduledTime, job.DelayMinutes)
		if err != nil {
			s.log.Errorw("Stored recurrence no longer compiles; completing job", logging.FieldJobID, job.ID, "error", err)
		} else if next, ok := rule.Next(finish); ok {
			t.To = models.StatusPending
			t.ClearNextRun = false
			t.NextRun = &next
			wake = &next
		}
	}
	s.transition(ctx, job, t, wake)
}

// fail moves the job to FAILED, keeping the pending recipients so a later
// re-enable does not resend to anyone already delivered to.
func (s *Scheduler) fail(ctx context.Context, job models.Job, retry models.RetryState, start, finish time.Time, reason string) {
	if !s.transition(ctx, job, store.Transition{
		From:         models.StatusRunning,
		To:           models.StatusFailed,
		At:           finish,
		ClearNextRun: true,
		LastRun:      &start,
		ErrorMessage: &reason,
		Retry:        &retry,
		ReleaseClaim: true,
	}, nil) {
		return
	}
	telemetry.DeadLetters.Inc()
	if err := s.bus.DeadLetter(ctx, job.ID); err != nil {
		s.log.Warnw("Dead-letter publish failed", logging.FieldJobID, job.ID, "error", err)
	}
	s.log.Warnw("Job failed", logging.FieldJobID, job.ID, logging.FieldAttempt, retry.Attempt, logging.FieldReason, reason)
}

// transition applies t and indexes the wake time when one is given. A
// conflict means an operator cancelled or deleted the job mid-run.
func (s *Scheduler) transition(ctx context.Context, job models.Job, t store.Transition, wake *time.Time) bool {
	if t.From == models.StatusRunning && job.ClaimedBy != nil {
		owner := *job.ClaimedBy
		t.OwnedBy = &owner
	}
	if _, err := s.store.Transition(ctx, job.ID, t); err != nil {
		if apperr.IsConflict(err) || apperr.IsNotFound(err) {
			s.log.Infow("Job changed while running; result kept in history only", logging.FieldJobID, job.ID, logging.FieldStatus, t.To)
			return false
		}
		s.log.Errorw("Final transition failed", logging.FieldJobID, job.ID, logging.FieldStatus, t.To, "error", err)
		return false
	}
	if wake != nil {
		if err := s.bus.Schedule(ctx, job.ID, *wake); err != nil {
			s.log.Debugw("Wake index update failed", logging.FieldJobID, job.ID, "error", err)
		}
	}
	return true
}
