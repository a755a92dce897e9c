// Package jobs is the job store's service layer: it validates drafts, assigns
// identity, computes the first fire time and applies every operator-visible
// status change as a compare-and-swap on the underlying store.
package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/logging"
	"jobscheduler/internal/models"
	"jobscheduler/internal/queue"
	"jobscheduler/internal/recurrence"
	"jobscheduler/internal/store"
	"jobscheduler/internal/telemetry"
)

// DefaultTimezone applies when a draft names no zone.
const DefaultTimezone = "Asia/Kolkata"

// casRetries bounds how often an operator action re-reads a job that moved
// underneath it.
const casRetries = 3

// Draft is a job as submitted, before validation.
type Draft struct {
	Type             models.JobType
	Name             string
	ScheduledTime    time.Time
	Timezone         string
	RepeatPattern    models.RepeatPattern
	RepeatExpression string
	DelayMinutes     int
	MaxAttempts      int

	Binary *models.BinaryPayload
	Email  *models.EmailPayload
}

// Options configures a Service.
type Options struct {
	DefaultMaxAttempts  int
	AllowLocalArtifacts bool
	Now                 func() time.Time
}

// Stats counts jobs per status.
type Stats struct {
	PendingCount   int `json:"pendingCount"`
	RunningCount   int `json:"runningCount"`
	CompletedCount int `json:"completedCount"`
	FailedCount    int `json:"failedCount"`
	CancelledCount int `json:"cancelledCount"`
	TotalCount     int `json:"totalCount"`
}

// Service owns job creation and operator status changes.
type Service struct {
	store store.Store
	bus   queue.Bus
	log   *zap.SugaredLogger
	opts  Options
}

// New builds a Service.
func New(st store.Store, bus queue.Bus, log *zap.SugaredLogger, opts Options) *Service {
	if opts.DefaultMaxAttempts < 1 {
		opts.DefaultMaxAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: st, bus: bus, log: logging.Component(log, "jobs"), opts: opts}
}

// Create validates the draft and persists a PENDING job. Nothing is stored
// when validation fails.
func (s *Service) Create(ctx context.Context, d Draft) (models.Job, error) {
	now := s.opts.Now()
	job, err := s.validate(d)
	if err != nil {
		return models.Job{}, err
	}
	rule, err := recurrence.Compile(job.RepeatPattern, job.RepeatExpression, job.Timezone, job.ScheduledTime, job.DelayMinutes)
	if err != nil {
		return models.Job{}, err
	}
	next, err := initialFire(rule, now)
	if err != nil {
		return models.Job{}, err
	}

	job.ID = uuid.NewString()
	job.Status = models.StatusPending
	job.NextRun = &next
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := s.store.InsertJob(ctx, job); err != nil {
		return models.Job{}, errors.Wrap(err, "insert job")
	}
	telemetry.JobsCreated.WithLabelValues(string(job.Type)).Inc()
	s.log.Infow("Job created",
		logging.FieldJobID, job.ID,
		logging.FieldJobType, job.Type,
		logging.FieldNextRun, next,
		"pattern", job.RepeatPattern,
	)
	s.wake(ctx, job.ID, next)
	return job.InZone(), nil
}

// initialFire is the first fire for ONCE jobs even if it is past (it runs
// immediately); recurring jobs with a past anchor start at the next future fire.
func initialFire(rule recurrence.Rule, now time.Time) (time.Time, error) {
	first := rule.First()
	if rule.Pattern() == models.RepeatOnce || !first.Before(now) {
		return first, nil
	}
	next, ok := rule.Next(now)
	if !ok {
		return time.Time{}, apperr.InvalidPattern("repeat rule has no future fire time")
	}
	return next, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	return job.InZone(), nil
}

// List returns jobs matching f, ordered by scheduled time unless f says otherwise.
func (s *Service) List(ctx context.Context, f store.Filter) ([]models.Job, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, apperr.Invalid("unknown job type %q", f.Type)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Invalid("unknown job status %q", f.Status)
	}
	jobs, err := s.store.ListJobs(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		jobs[i] = jobs[i].InZone()
	}
	return jobs, nil
}

// Count is the number of jobs matching f, ignoring its limit and offset.
func (s *Service) Count(ctx context.Context, f store.Filter) (int, error) {
	f.Limit, f.Offset = 0, 0
	return s.store.CountJobs(ctx, f)
}

// UpdateStatus moves a job from expected to next if that edge is legal and
// the stored status still equals expected.
func (s *Service) UpdateStatus(ctx context.Context, id string, expected, next models.JobStatus) (models.Job, error) {
	if !expected.Valid() || !next.Valid() {
		return models.Job{}, apperr.Invalid("unknown status in %s -> %s", expected, next)
	}
	if !models.CanTransition(expected, next) {
		return models.Job{}, apperr.Invalid("illegal transition %s -> %s", expected, next)
	}
	now := s.opts.Now()
	t := store.Transition{From: expected, To: next, At: now}
	if expected == models.StatusRunning {
		t.ReleaseClaim = true
	}
	if next == models.StatusPending && expected != models.StatusPending {
		t.NextRun = &now
		t.Retry = &models.RetryState{}
		t.ClearError = true
	}
	if next.Terminal() {
		t.ClearNextRun = true
	}
	job, err := s.store.Transition(ctx, id, t)
	if err != nil {
		return models.Job{}, err
	}
	switch {
	case next.Terminal():
		s.unschedule(ctx, id)
	case next == models.StatusPending && job.NextRun != nil:
		s.wake(ctx, id, *job.NextRun)
	}
	return job.InZone(), nil
}

// Delete removes a job. Its run history is retained.
func (s *Service) Delete(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.unschedule(ctx, id)
	if job.Status == models.StatusRunning {
		s.publish(ctx, queue.Event{Kind: queue.EventCancel, JobID: id})
	}
	s.log.Infow("Job deleted", logging.FieldJobID, id, logging.FieldStatus, job.Status)
	return nil
}

// Cancel stops a job from firing again. A PENDING job is cancelled in place;
// a RUNNING job is marked CANCELLED and its worker is told to stop at the
// next checkpoint. Terminal jobs are a conflict.
func (s *Service) Cancel(ctx context.Context, id string) (models.Job, error) {
	return s.retryCAS(ctx, id, func(job models.Job, now time.Time) (store.Transition, error) {
		switch job.Status {
		case models.StatusPending:
			return store.Transition{From: job.Status, To: models.StatusCancelled, At: now, ClearNextRun: true}, nil
		case models.StatusRunning:
			return store.Transition{From: job.Status, To: models.StatusCancelled, At: now, ClearNextRun: true, ReleaseClaim: true}, nil
		default:
			return store.Transition{}, apperr.Conflict("job %s is already %s", id, job.Status)
		}
	}, func(prev, job models.Job) {
		s.unschedule(ctx, id)
		if prev.Status == models.StatusRunning {
			s.publish(ctx, queue.Event{Kind: queue.EventCancel, JobID: id})
		}
		s.log.Infow("Job cancelled", logging.FieldJobID, id, "from", prev.Status)
	})
}

// RunNow makes a PENDING job due immediately.
func (s *Service) RunNow(ctx context.Context, id string) (models.Job, error) {
	return s.retryCAS(ctx, id, func(job models.Job, now time.Time) (store.Transition, error) {
		if job.Status != models.StatusPending {
			return store.Transition{}, apperr.Conflict("job %s is %s, only PENDING jobs can run now", id, job.Status)
		}
		return store.Transition{From: job.Status, To: models.StatusPending, At: now, NextRun: &now}, nil
	}, func(_, job models.Job) {
		s.wake(ctx, id, *job.NextRun)
		s.log.Infow("Job queued for immediate execution", logging.FieldJobID, id)
	})
}

// Reenable returns a FAILED or CANCELLED job to PENDING with a fresh fire
// time and the attempt counter reset. ONCE jobs fire immediately. An email
// job keeps its pending recipient subset so delivered recipients are not
// sent to again.
func (s *Service) Reenable(ctx context.Context, id string) (models.Job, error) {
	return s.retryCAS(ctx, id, func(job models.Job, now time.Time) (store.Transition, error) {
		if job.Status != models.StatusFailed && job.Status != models.StatusCancelled {
			return store.Transition{}, apperr.Conflict("job %s is %s, only FAILED or CANCELLED jobs can be re-enabled", id, job.Status)
		}
		next := now
		if job.RepeatPattern.Recurring() {
			rule, err := recurrence.Compile(job.RepeatPattern, job.RepeatExpression, job.Timezone, job.ScheduledTime, job.DelayMinutes)
			if err != nil {
				return store.Transition{}, err
			}
			if next, err = initialFire(rule, now); err != nil {
				return store.Transition{}, err
			}
		}
		return store.Transition{
			From:       job.Status,
			To:         models.StatusPending,
			At:         now,
			NextRun:    &next,
			ClearError: true,
			Retry:      &models.RetryState{Recipients: job.Retry.Recipients},
		}, nil
	}, func(prev, job models.Job) {
		s.wake(ctx, id, *job.NextRun)
		s.log.Infow("Job re-enabled", logging.FieldJobID, id, "from", prev.Status, logging.FieldNextRun, *job.NextRun)
	})
}

// Stats counts jobs per status.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		PendingCount:   counts[models.StatusPending],
		RunningCount:   counts[models.StatusRunning],
		CompletedCount: counts[models.StatusCompleted],
		FailedCount:    counts[models.StatusFailed],
		CancelledCount: counts[models.StatusCancelled],
	}
	for _, n := range counts {
		st.TotalCount += n
	}
	return st, nil
}

// DeadLetters lists the most recently failed job ids.
func (s *Service) DeadLetters(ctx context.Context, count int64) ([]string, error) {
	return s.bus.PeekDeadLetters(ctx, count)
}

// retryCAS reads the job, asks plan for a transition and applies it,
// re-reading on a lost race. after runs once the transition lands.
func (s *Service) retryCAS(
	ctx context.Context,
	id string,
	plan func(job models.Job, now time.Time) (store.Transition, error),
	after func(prev, job models.Job),
) (models.Job, error) {
	var lastErr error
	for i := 0; i < casRetries; i++ {
		prev, err := s.store.GetJob(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		t, err := plan(prev, s.opts.Now())
		if err != nil {
			return models.Job{}, err
		}
		job, err := s.store.Transition(ctx, id, t)
		if err == nil {
			after(prev, job)
			return job.InZone(), nil
		}
		if !apperr.IsConflict(err) {
			return models.Job{}, err
		}
		lastErr = err
	}
	return models.Job{}, lastErr
}

// wake indexes the job and nudges schedulers. Both are hints: the poll
// finds the job regardless, so failures are logged only.
func (s *Service) wake(ctx context.Context, id string, at time.Time) {
	if err := s.bus.Schedule(ctx, id, at); err != nil {
		s.log.Warnw("Failed to index wake time", logging.FieldJobID, id, "error", err)
	}
	s.publish(ctx, queue.Event{Kind: queue.EventWake, JobID: id})
}

func (s *Service) unschedule(ctx context.Context, id string) {
	if err := s.bus.Unschedule(ctx, id); err != nil {
		s.log.Warnw("Failed to drop wake time", logging.FieldJobID, id, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, ev queue.Event) {
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Warnw("Failed to publish bus event", logging.FieldJobID, ev.JobID, "kind", ev.Kind, "error", err)
	}
}
