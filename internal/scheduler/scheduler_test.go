package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobscheduler/internal/executor"
	"jobscheduler/internal/history"
	"jobscheduler/internal/models"
	"jobscheduler/internal/queue"
	"jobscheduler/internal/store"
)

var t0 = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type execFunc func(ctx context.Context, job models.Job, cp executor.Checkpoint) executor.Outcome

func (f execFunc) Execute(ctx context.Context, job models.Job, cp executor.Checkpoint) executor.Outcome {
	return f(ctx, job, cp)
}

type gateFunc func(string) bool

func (g gateFunc) Available(dep string) bool { return g(dep) }

type env struct {
	store *store.Memory
	bus   *queue.MemoryBus
	clock *clock
	sched *Scheduler
	calls atomic.Int32
}

func newEnv(t *testing.T, fn execFunc, opts Options) *env {
	t.Helper()
	e := &env{store: store.NewMemory(), bus: queue.NewMemoryBus(), clock: &clock{t: t0}}
	wrapped := execFunc(func(ctx context.Context, job models.Job, cp executor.Checkpoint) executor.Outcome {
		e.calls.Add(1)
		return fn(ctx, job, cp)
	})
	opts.Now = e.clock.Now
	if opts.WorkerID == "" {
		opts.WorkerID = "w1"
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = time.Minute
		opts.BackoffMax = time.Hour
	}
	e.sched = New(e.store, e.bus, history.New(e.store), executor.Set{Binary: wrapped, Email: wrapped}, nil, nil, opts)
	return e
}

func (e *env) insert(t *testing.T, id string, pattern models.RepeatPattern, next time.Time, mutate ...func(*models.Job)) {
	t.Helper()
	job := models.Job{
		ID:            id,
		Type:          models.JobTypeEmail,
		Name:          id,
		Status:        models.StatusPending,
		ScheduledTime: next,
		Timezone:      "UTC",
		RepeatPattern: pattern,
		MaxAttempts:   3,
		NextRun:       &next,
		CreatedAt:     t0,
		UpdatedAt:     t0,
		Email:         &models.EmailPayload{Recipients: []string{"a@example.com", "b@example.com"}, Subject: "s", BodyContent: "b"},
	}
	for _, m := range mutate {
		m(&job)
	}
	require.NoError(t, e.store.InsertJob(context.Background(), job))
}

func (e *env) tick(t *testing.T) int {
	t.Helper()
	n, err := e.sched.Tick(context.Background())
	require.NoError(t, err)
	e.sched.Wait()
	return n
}

func (e *env) job(t *testing.T, id string) models.Job {
	t.Helper()
	j, err := e.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (e *env) runs(t *testing.T, id string) []models.RunRecord {
	t.Helper()
	runs, err := e.store.ListRuns(context.Background(), id)
	require.NoError(t, err)
	return runs
}

func succeed(context.Context, models.Job, executor.Checkpoint) executor.Outcome {
	return executor.Success("ok")
}

func TestOnceJobCompletesAndNeverReturns(t *testing.T) {
	e := newEnv(t, succeed, Options{})
	e.insert(t, "once", models.RepeatOnce, t0)

	assert.Equal(t, 1, e.tick(t))
	j := e.job(t, "once")
	assert.Equal(t, models.StatusCompleted, j.Status)
	assert.Nil(t, j.NextRun)
	assert.Nil(t, j.ClaimedBy)
	assert.Equal(t, 1, j.ExecutionCount)
	require.NotNil(t, j.LastRun)

	runs := e.runs(t, "once")
	require.Len(t, runs, 1)
	assert.Equal(t, models.OutcomeSuccess, runs[0].Outcome)
	assert.Equal(t, 1, runs[0].AttemptNumber)
	assert.Equal(t, "w1", runs[0].WorkerID)

	e.clock.Set(t0.Add(48 * time.Hour))
	assert.Equal(t, 0, e.tick(t))
	assert.Equal(t, int32(1), e.calls.Load())
}

func TestRecurringJobNextRunStrictlyIncreases(t *testing.T) {
	e := newEnv(t, succeed, Options{})
	e.insert(t, "daily", models.RepeatDaily, t0)

	prev := t0
	for i := 0; i < 5; i++ {
		require.Equal(t, 1, e.tick(t), "fire %d", i)
		j := e.job(t, "daily")
		require.Equal(t, models.StatusPending, j.Status)
		require.NotNil(t, j.NextRun)
		assert.True(t, j.NextRun.After(prev), "nextRun must strictly increase")
		assert.False(t, j.NextRun.Before(e.clock.Now()), "nextRun is never in the past")
		assert.Equal(t, i+1, j.ExecutionCount)
		prev = *j.NextRun
		e.clock.Set(*j.NextRun)
	}
	assert.True(t, prev.Equal(t0.AddDate(0, 0, 5)))

	at, ok, err := e.bus.Earliest(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(prev), "the wake index follows the new fire time")
}

func TestRetryUntilCeilingThenFailed(t *testing.T) {
	e := newEnv(t, func(context.Context, models.Job, executor.Checkpoint) executor.Outcome {
		return executor.Retryable("exit status 1")
	}, Options{})
	e.insert(t, "flaky", models.RepeatDaily, t0)

	for attempt := 1; attempt <= 2; attempt++ {
		require.Equal(t, 1, e.tick(t))
		j := e.job(t, "flaky")
		require.Equal(t, models.StatusPending, j.Status, "attempt %d stays pending", attempt)
		assert.Equal(t, attempt, j.Retry.Attempt)
		wait := j.NextRun.Sub(e.clock.Now())
		base := time.Minute << (attempt - 1)
		assert.GreaterOrEqual(t, wait, base/2)
		assert.Less(t, wait, base)
		e.clock.Set(*j.NextRun)
	}

	require.Equal(t, 1, e.tick(t))
	j := e.job(t, "flaky")
	assert.Equal(t, models.StatusFailed, j.Status)
	assert.Nil(t, j.NextRun, "failed recurring jobs are not rescheduled")
	require.NotNil(t, j.ErrorMessage)
	assert.Contains(t, *j.ErrorMessage, "exit status 1")

	runs := e.runs(t, "flaky")
	require.Len(t, runs, 3)
	for i, r := range runs {
		assert.Equal(t, i+1, r.AttemptNumber)
		assert.Equal(t, models.OutcomeFailure, r.Outcome)
		assert.True(t, r.Retryable)
	}

	dlq, err := e.bus.PeekDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"flaky"}, dlq)
}

func TestFatalFailsImmediately(t *testing.T) {
	e := newEnv(t, func(context.Context, models.Job, executor.Checkpoint) executor.Outcome {
		return executor.Fatal("artifact not found")
	}, Options{})
	e.insert(t, "broken", models.RepeatOnce, t0)

	e.tick(t)
	j := e.job(t, "broken")
	assert.Equal(t, models.StatusFailed, j.Status)
	runs := e.runs(t, "broken")
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Retryable)
}

func TestDeferredConsumesNoAttempt(t *testing.T) {
	e := newEnv(t, func(context.Context, models.Job, executor.Checkpoint) executor.Outcome {
		return executor.Deferred("mail transport not configured")
	}, Options{DeferDelay: 5 * time.Minute})
	e.insert(t, "mail", models.RepeatOnce, t0)

	e.tick(t)
	j := e.job(t, "mail")
	assert.Equal(t, models.StatusPending, j.Status)
	assert.Zero(t, j.Retry.Attempt)
	assert.True(t, j.NextRun.Equal(t0.Add(5*time.Minute)))
	assert.Empty(t, e.runs(t, "mail"), "deferrals are not attempts")
}

func TestGateHoldsJobsWhileDependencyDown(t *testing.T) {
	e := newEnv(t, succeed, Options{})
	var storageUp atomic.Bool
	e.sched.gate = gateFunc(func(dep string) bool { return dep != "storage" || storageUp.Load() })
	e.insert(t, "bin", models.RepeatOnce, t0, func(j *models.Job) {
		j.Type = models.JobTypeBinary
		j.Email = nil
		j.Binary = &models.BinaryPayload{ArtifactReference: "s3://a/b"}
	})
	e.insert(t, "mail", models.RepeatOnce, t0)

	assert.Equal(t, 1, e.tick(t), "only the email job passes the gate")
	assert.Equal(t, models.StatusPending, e.job(t, "bin").Status)
	assert.Nil(t, e.job(t, "bin").ClaimedBy)

	storageUp.Store(true)
	assert.Equal(t, 1, e.tick(t))
	assert.Equal(t, models.StatusCompleted, e.job(t, "bin").Status)
}

func TestEmailRetryNarrowsRecipients(t *testing.T) {
	var seen [][]string
	var mu sync.Mutex
	e := newEnv(t, func(_ context.Context, job models.Job, _ executor.Checkpoint) executor.Outcome {
		mu.Lock()
		seen = append(seen, job.Retry.Recipients)
		mu.Unlock()
		if len(job.Retry.Recipients) == 0 {
			o := executor.Retryable("1 of 2 recipients failed")
			o.FailedRecipients = []string{"b@example.com"}
			return o
		}
		return executor.Success("delivered")
	}, Options{})
	e.insert(t, "mail", models.RepeatOnce, t0)

	e.tick(t)
	j := e.job(t, "mail")
	assert.Equal(t, []string{"b@example.com"}, j.Retry.Recipients)
	assert.Equal(t, []string{"b@example.com"}, e.runs(t, "mail")[0].FailedRecipients)

	e.clock.Set(*j.NextRun)
	e.tick(t)
	assert.Equal(t, models.StatusCompleted, e.job(t, "mail").Status)
	require.Len(t, seen, 2)
	assert.Equal(t, []string{"b@example.com"}, seen[1])
	assert.Empty(t, e.job(t, "mail").Retry.Recipients, "success resets the retry state")
}

func TestCancelWhileRunning(t *testing.T) {
	started := make(chan struct{})
	e := newEnv(t, func(_ context.Context, _ models.Job, cp executor.Checkpoint) executor.Outcome {
		close(started)
		deadline := time.After(5 * time.Second)
		for cp() == nil {
			select {
			case <-deadline:
				return executor.Success("never cancelled")
			case <-time.After(5 * time.Millisecond):
			}
		}
		return executor.Cancelled("checkpoint")
	}, Options{})
	e.insert(t, "long", models.RepeatDaily, t0)
	ctx := context.Background()

	n, err := e.sched.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	<-started

	_, err = e.store.Transition(ctx, "long", store.Transition{From: models.StatusRunning, To: models.StatusCancelled, At: t0, ClearNextRun: true, ReleaseClaim: true})
	require.NoError(t, err)
	e.sched.signalCancel("long")
	e.sched.Wait()

	j := e.job(t, "long")
	assert.Equal(t, models.StatusCancelled, j.Status, "the run's result never overrides a cancel")
	runs := e.runs(t, "long")
	require.Len(t, runs, 1)
	assert.Equal(t, models.OutcomeCancelled, runs[0].Outcome)
}

func TestCancelledBeforeDispatchTripsCheckpoint(t *testing.T) {
	var sawCancel atomic.Bool
	e := newEnv(t, func(_ context.Context, _ models.Job, cp executor.Checkpoint) executor.Outcome {
		if cp() != nil {
			sawCancel.Store(true)
			return executor.Cancelled("before start")
		}
		return executor.Success("ran")
	}, Options{})
	e.insert(t, "j", models.RepeatOnce, t0)
	ctx := context.Background()

	worker := "w1"
	claimed, err := e.store.Transition(ctx, "j", store.Transition{From: models.StatusPending, To: models.StatusRunning, At: t0, ClaimedBy: &worker})
	require.NoError(t, err)
	_, err = e.store.Transition(ctx, "j", store.Transition{From: models.StatusRunning, To: models.StatusCancelled, At: t0})
	require.NoError(t, err)

	e.sched.dispatch(ctx, claimed)
	assert.True(t, sawCancel.Load())
	assert.Equal(t, models.StatusCancelled, e.job(t, "j").Status)
}

func TestConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, func(context.Context, models.Job, executor.Checkpoint) executor.Outcome {
		<-release
		return executor.Success("ok")
	}, Options{MaxConcurrent: 1})
	e.insert(t, "a", models.RepeatOnce, t0)
	e.insert(t, "b", models.RepeatOnce, t0.Add(-time.Minute))

	n, err := e.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusRunning, e.job(t, "b").Status, "earliest nextRun goes first")
	assert.Equal(t, models.StatusPending, e.job(t, "a").Status)

	close(release)
	e.sched.Wait()
	assert.Equal(t, 1, e.tick(t))
	assert.Equal(t, models.StatusCompleted, e.job(t, "a").Status)
}

func TestCompetingSchedulersDispatchOnce(t *testing.T) {
	st := store.NewMemory()
	bus := queue.NewMemoryBus()
	clk := &clock{t: t0}
	var mu sync.Mutex
	count := map[string]int{}
	ex := execFunc(func(_ context.Context, job models.Job, _ executor.Checkpoint) executor.Outcome {
		mu.Lock()
		count[job.ID]++
		mu.Unlock()
		return executor.Success("ok")
	})

	seed := &env{store: st}
	for i := 0; i < 50; i++ {
		seed.insert(t, fmt.Sprintf("job-%02d", i), models.RepeatDaily, t0)
	}

	var scheds []*Scheduler
	for i := 0; i < 4; i++ {
		scheds = append(scheds, New(st, bus, history.New(st), executor.Set{Binary: ex, Email: ex}, nil, nil, Options{
			WorkerID:      fmt.Sprintf("w%d", i),
			MaxConcurrent: 64,
			Now:           clk.Now,
		}))
	}
	var wg sync.WaitGroup
	for _, s := range scheds {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			_, err := s.Tick(context.Background())
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()
	for _, s := range scheds {
		s.Wait()
	}

	require.Len(t, count, 50)
	for id, n := range count {
		assert.Equal(t, 1, n, "job %s dispatched %d times", id, n)
	}
}

func TestStaleRunIsRecovered(t *testing.T) {
	e := newEnv(t, succeed, Options{StaleRunAfter: 40 * time.Minute})
	claimedAt := t0.Add(-time.Hour)
	dead := "dead-worker"
	e.insert(t, "stuck", models.RepeatOnce, t0.Add(-2*time.Hour), func(j *models.Job) {
		j.Status = models.StatusRunning
		j.ClaimedBy = &dead
		j.ClaimedAt = &claimedAt
	})

	assert.Equal(t, 0, e.tick(t), "recovered jobs wait out their backoff")
	j := e.job(t, "stuck")
	assert.Equal(t, models.StatusPending, j.Status)
	assert.Equal(t, 1, j.Retry.Attempt)
	assert.Nil(t, j.ClaimedBy)

	runs := e.runs(t, "stuck")
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Retryable)
	assert.Contains(t, runs[0].Reason, "dead-worker")

	e.clock.Set(*j.NextRun)
	assert.Equal(t, 1, e.tick(t))
	assert.Equal(t, models.StatusCompleted, e.job(t, "stuck").Status)
}

func TestRetentionPurge(t *testing.T) {
	e := newEnv(t, succeed, Options{RunRetention: 24 * time.Hour})
	_, err := e.store.AppendRun(context.Background(), models.RunRecord{JobID: "old", StartedAt: t0.Add(-72 * time.Hour), FinishedAt: t0.Add(-72 * time.Hour)})
	require.NoError(t, err)

	e.tick(t)
	assert.Empty(t, e.runs(t, "old"))
}

func TestRunLoopDispatchesAndStops(t *testing.T) {
	st := store.NewMemory()
	bus := queue.NewMemoryBus()
	done := make(chan string, 1)
	ex := execFunc(func(_ context.Context, job models.Job, _ executor.Checkpoint) executor.Outcome {
		done <- job.ID
		return executor.Success("ok")
	})
	s := New(st, bus, history.New(st), executor.Set{Email: ex}, nil, nil, Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return !s.LastHeartbeat().IsZero() }, 2*time.Second, 10*time.Millisecond)

	// With an hour-long poll only the wake event can get this job picked up.
	seed := &env{store: st}
	seed.insert(t, "now", models.RepeatOnce, time.Now().Add(-time.Second))
	require.NoError(t, bus.Publish(ctx, queue.Event{Kind: queue.EventWake, JobID: "now"}))

	select {
	case id := <-done:
		assert.Equal(t, "now", id)
	case <-time.After(5 * time.Second):
		t.Fatal("wake event did not trigger a dispatch")
	}

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, models.StatusCompleted, seedJob(t, st, "now").Status)
}

func seedJob(t *testing.T, st store.Store, id string) models.Job {
	t.Helper()
	j, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestReapedEmailKeepsNarrowedRecipients(t *testing.T) {
	var seen [][]string
	var mu sync.Mutex
	e := newEnv(t, func(_ context.Context, job models.Job, _ executor.Checkpoint) executor.Outcome {
		mu.Lock()
		seen = append(seen, job.Retry.Recipients)
		mu.Unlock()
		return executor.Success("delivered")
	}, Options{StaleRunAfter: 40 * time.Minute})
	claimedAt := t0.Add(-time.Hour)
	dead := "dead"
	e.insert(t, "mail", models.RepeatOnce, t0.Add(-2*time.Hour), func(j *models.Job) {
		j.Status = models.StatusRunning
		j.ClaimedBy = &dead
		j.ClaimedAt = &claimedAt
		j.Retry = models.RetryState{Attempt: 1, Recipients: []string{"b@example.com"}}
	})

	e.tick(t)
	j := e.job(t, "mail")
	assert.Equal(t, models.StatusPending, j.Status)
	assert.Equal(t, 2, j.Retry.Attempt)
	assert.Equal(t, []string{"b@example.com"}, j.Retry.Recipients, "a reaped run must not widen the recipient set")

	e.clock.Set(*j.NextRun)
	e.tick(t)
	require.Len(t, seen, 1)
	assert.Equal(t, []string{"b@example.com"}, seen[0])
}

func TestFailedEmailKeepsPendingRecipients(t *testing.T) {
	e := newEnv(t, func(context.Context, models.Job, executor.Checkpoint) executor.Outcome {
		o := executor.Retryable("1 of 2 recipients failed")
		o.FailedRecipients = []string{"b@example.com"}
		return o
	}, Options{})
	e.insert(t, "mail", models.RepeatOnce, t0, func(j *models.Job) { j.MaxAttempts = 1 })

	e.tick(t)
	j := e.job(t, "mail")
	assert.Equal(t, models.StatusFailed, j.Status)
	assert.Equal(t, []string{"b@example.com"}, j.Retry.Recipients)
}

func TestGatedBacklogDoesNotStarveOtherTypes(t *testing.T) {
	e := newEnv(t, succeed, Options{BatchSize: 2})
	e.sched.gate = gateFunc(func(dep string) bool { return dep != "email" })
	e.insert(t, "mail-1", models.RepeatOnce, t0.Add(-2*time.Minute))
	e.insert(t, "mail-2", models.RepeatOnce, t0.Add(-time.Minute))
	e.insert(t, "mail-3", models.RepeatOnce, t0.Add(-time.Minute))
	e.insert(t, "bin", models.RepeatOnce, t0, func(j *models.Job) {
		j.Type = models.JobTypeBinary
		j.Email = nil
		j.Binary = &models.BinaryPayload{ArtifactReference: "jobs/run.sh"}
	})

	assert.Equal(t, 1, e.tick(t))
	assert.Equal(t, models.StatusCompleted, e.job(t, "bin").Status)
	assert.Equal(t, int32(1), e.calls.Load())
	for _, id := range []string{"mail-1", "mail-2", "mail-3"} {
		assert.Equal(t, models.StatusPending, e.job(t, id).Status)
	}
}

func TestCheckpointSeesStoredCancelWithoutEvent(t *testing.T) {
	started := make(chan struct{})
	e := newEnv(t, func(_ context.Context, _ models.Job, cp executor.Checkpoint) executor.Outcome {
		close(started)
		deadline := time.After(5 * time.Second)
		for cp() == nil {
			select {
			case <-deadline:
				return executor.Success("never cancelled")
			case <-time.After(5 * time.Millisecond):
			}
		}
		return executor.Cancelled("checkpoint")
	}, Options{CancelCheckInterval: time.Minute})
	e.insert(t, "long", models.RepeatOnce, t0)
	ctx := context.Background()

	_, err := e.sched.Tick(ctx)
	require.NoError(t, err)
	<-started

	// No bus event: only the stored status says the job was cancelled.
	_, err = e.store.Transition(ctx, "long", store.Transition{From: models.StatusRunning, To: models.StatusCancelled, At: t0, ClearNextRun: true, ReleaseClaim: true})
	require.NoError(t, err)
	e.clock.Set(t0.Add(time.Minute))
	e.sched.Wait()

	assert.Equal(t, models.StatusCancelled, e.job(t, "long").Status)
	runs := e.runs(t, "long")
	require.Len(t, runs, 1)
	assert.Equal(t, models.OutcomeCancelled, runs[0].Outcome)
}

func TestLeaseRenewedWhileRunning(t *testing.T) {
	release := make(chan struct{})
	var sawLoss atomic.Bool
	e := newEnv(t, func(_ context.Context, _ models.Job, cp executor.Checkpoint) executor.Outcome {
		<-release
		deadline := time.After(5 * time.Second)
		for cp() == nil {
			select {
			case <-deadline:
				return executor.Success("lease never lost")
			case <-time.After(5 * time.Millisecond):
			}
		}
		sawLoss.Store(true)
		return executor.Cancelled("lease lost")
	}, Options{StaleRunAfter: 30 * time.Millisecond, CancelCheckInterval: time.Hour})
	e.insert(t, "long", models.RepeatOnce, t0)
	ctx := context.Background()

	_, err := e.sched.Tick(ctx)
	require.NoError(t, err)

	renewed := t0.Add(time.Hour)
	e.clock.Set(renewed)
	require.Eventually(t, func() bool {
		j := e.job(t, "long")
		return j.ClaimedAt != nil && j.ClaimedAt.Equal(renewed)
	}, 2*time.Second, 5*time.Millisecond)

	// Another worker takes the run over; the next renewal loses the CAS.
	w1, w2 := "w1", "w2"
	_, err = e.store.Transition(ctx, "long", store.Transition{From: models.StatusRunning, To: models.StatusRunning, At: renewed, OwnedBy: &w1, ClaimedBy: &w2})
	require.NoError(t, err)
	close(release)
	e.sched.Wait()

	assert.True(t, sawLoss.Load())
	j := e.job(t, "long")
	assert.Equal(t, models.StatusRunning, j.Status, "the new owner's run is left alone")
	require.NotNil(t, j.ClaimedBy)
	assert.Equal(t, "w2", *j.ClaimedBy)
}

type flakyBus struct {
	*queue.MemoryBus
	subscribes atomic.Int32
}

func (b *flakyBus) Subscribe(ctx context.Context) (<-chan queue.Event, error) {
	if b.subscribes.Add(1) == 1 {
		return nil, fmt.Errorf("redis: connection refused")
	}
	return b.MemoryBus.Subscribe(ctx)
}

func TestRunResubscribesAfterSubscribeFailure(t *testing.T) {
	st := store.NewMemory()
	bus := &flakyBus{MemoryBus: queue.NewMemoryBus()}
	started := make(chan struct{})
	cancelled := make(chan struct{})
	ex := execFunc(func(_ context.Context, _ models.Job, cp executor.Checkpoint) executor.Outcome {
		close(started)
		deadline := time.After(5 * time.Second)
		for cp() == nil {
			select {
			case <-deadline:
				return executor.Success("never cancelled")
			case <-time.After(5 * time.Millisecond):
			}
		}
		close(cancelled)
		return executor.Cancelled("checkpoint")
	})
	s := New(st, bus, history.New(st), executor.Set{Email: ex}, nil, nil, Options{
		PollInterval:        10 * time.Millisecond,
		CancelCheckInterval: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return bus.subscribes.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	seed := &env{store: st}
	seed.insert(t, "long", models.RepeatOnce, time.Now().Add(-time.Second))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not dispatched")
	}
	require.NoError(t, bus.Publish(ctx, queue.Event{Kind: queue.EventCancel, JobID: "long"}))

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel event never reached the run")
	}
	cancel()
	require.NoError(t, <-stopped)
}
