package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"jobscheduler/internal/models"
)

// Store is the full persistence surface shared by the Postgres and memory backends.
type Store interface {
	InsertJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f Filter) ([]models.Job, error)
	CountJobs(ctx context.Context, f Filter) (int, error)
	DeleteJob(ctx context.Context, id string) error
	Transition(ctx context.Context, id string, t Transition) (models.Job, error)
	ListDue(ctx context.Context, now time.Time, limit int, skip ...models.JobType) ([]models.Job, error)
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]models.Job, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)

	AppendRun(ctx context.Context, rec models.RunRecord) (models.RunRecord, error)
	ListRuns(ctx context.Context, jobID string) ([]models.RunRecord, error)
	PurgeRuns(ctx context.Context, finishedBefore time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close()
}

// Sort keys accepted by Filter.SortBy.
const (
	SortScheduledTime = "scheduledTime"
	SortCreatedAt     = "createdAt"
	SortNextRun       = "nextRun"
	SortName          = "name"
)

// Filter narrows ListJobs. Zero values mean "no constraint"; the default
// order is scheduledTime ascending.
type Filter struct {
	Type     models.JobType
	Status   models.JobStatus
	SortBy   string
	SortDesc bool
	Limit    int
	Offset   int
}

// Transition is a compare-and-swap on a job's status plus the field changes
// that go with it. The update applies only when the stored status equals From
// and, when DueBy is set, the job's next run is at or before DueBy. OwnedBy
// additionally requires the job to be claimed by that worker.
type Transition struct {
	From models.JobStatus
	To   models.JobStatus
	At   time.Time

	DueBy   *time.Time
	OwnedBy *string

	NextRun      *time.Time
	ClearNextRun bool
	LastRun      *time.Time

	ErrorMessage *string
	ClearError   bool

	Retry               *models.RetryState
	IncrementExecutions bool

	ClaimedBy    *string
	ReleaseClaim bool
}

// matches reports whether the guard of t holds for job.
func (t Transition) matches(job models.Job) bool {
	if job.Status != t.From {
		return false
	}
	if t.DueBy != nil && (job.NextRun == nil || job.NextRun.After(*t.DueBy)) {
		return false
	}
	if t.OwnedBy != nil && (job.ClaimedBy == nil || *job.ClaimedBy != *t.OwnedBy) {
		return false
	}
	return true
}

// apply mutates job in place. Callers check matches first.
func (t Transition) apply(job *models.Job) {
	job.Status = t.To
	job.UpdatedAt = t.At
	switch {
	case t.NextRun != nil:
		v := *t.NextRun
		job.NextRun = &v
	case t.ClearNextRun:
		job.NextRun = nil
	}
	if t.LastRun != nil {
		v := *t.LastRun
		job.LastRun = &v
	}
	switch {
	case t.ErrorMessage != nil:
		v := *t.ErrorMessage
		job.ErrorMessage = &v
	case t.ClearError:
		job.ErrorMessage = nil
	}
	if t.Retry != nil {
		job.Retry = models.RetryState{
			Attempt:    t.Retry.Attempt,
			Recipients: append([]string(nil), t.Retry.Recipients...),
		}
	}
	if t.IncrementExecutions {
		job.ExecutionCount++
	}
	switch {
	case t.ClaimedBy != nil:
		by, at := *t.ClaimedBy, t.At
		job.ClaimedBy, job.ClaimedAt = &by, &at
	case t.ReleaseClaim:
		job.ClaimedBy, job.ClaimedAt = nil, nil
	}
}

func (f Filter) accepts(job models.Job) bool {
	if f.Type != "" && job.Type != f.Type {
		return false
	}
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	return true
}

// sortJobs orders jobs per the filter, breaking ties by id so pages are stable.
func sortJobs(jobs []models.Job, f Filter) {
	less := func(a, b models.Job) int {
		switch f.SortBy {
		case SortCreatedAt:
			return a.CreatedAt.Compare(b.CreatedAt)
		case SortName:
			return strings.Compare(a.Name, b.Name)
		case SortNextRun:
			return compareOptional(a.NextRun, b.NextRun)
		default:
			return a.ScheduledTime.Compare(b.ScheduledTime)
		}
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		c := less(jobs[i], jobs[j])
		if f.SortDesc {
			c = -c
		}
		if c == 0 {
			return jobs[i].ID < jobs[j].ID
		}
		return c < 0
	})
}

// compareOptional orders nil after every set time.
func compareOptional(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
