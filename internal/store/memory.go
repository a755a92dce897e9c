package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/models"
)

// Memory is an in-process Store for tests and single-process deployments.
// The map lock only guards membership; each job has its own mutex, so a
// compare-and-swap on one job never blocks another.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*entry

	runMu sync.Mutex
	runs  map[string][]models.RunRecord
	seq   map[string]int
}

type entry struct {
	mu      sync.Mutex
	job     models.Job
	deleted bool
}

// NewMemory returns an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*entry),
		runs: make(map[string][]models.RunRecord),
		seq:  make(map[string]int),
	}
}

func (m *Memory) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[id]
	return e, ok
}

func (m *Memory) snapshot() []models.Job {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]models.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.job.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

func (m *Memory) InsertJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return apperr.Conflict("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = &entry{job: job.Clone()}
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	e, ok := m.lookup(id)
	if !ok {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	return e.job.Clone(), nil
}

func (m *Memory) ListJobs(_ context.Context, f Filter) ([]models.Job, error) {
	all := m.snapshot()
	out := all[:0]
	for _, j := range all {
		if f.accepts(j) {
			out = append(out, j)
		}
	}
	sortJobs(out, f)
	return page(out, f.Limit, f.Offset), nil
}

func (m *Memory) CountJobs(_ context.Context, f Filter) (int, error) {
	n := 0
	for _, j := range m.snapshot() {
		if f.accepts(j) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.jobs[id]
	delete(m.jobs, id)
	m.mu.Unlock()
	if !ok {
		return apperr.NotFound("job %s not found", id)
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return nil
}

func (m *Memory) Transition(_ context.Context, id string, t Transition) (models.Job, error) {
	e, ok := m.lookup(id)
	if !ok {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	if !t.matches(e.job) {
		return models.Job{}, apperr.Conflict("job %s is %s, expected %s", id, e.job.Status, t.From)
	}
	t.apply(&e.job)
	return e.job.Clone(), nil
}

func (m *Memory) ListDue(_ context.Context, now time.Time, limit int, skip ...models.JobType) ([]models.Job, error) {
	var due []models.Job
	for _, j := range m.snapshot() {
		if slices.Contains(skip, j.Type) {
			continue
		}
		if j.Status == models.StatusPending && j.NextRun != nil && !j.NextRun.After(now) {
			due = append(due, j)
		}
	}
	sortJobs(due, Filter{SortBy: SortNextRun})
	return page(due, limit, 0), nil
}

func (m *Memory) ListStale(_ context.Context, claimedBefore time.Time, limit int) ([]models.Job, error) {
	var stale []models.Job
	for _, j := range m.snapshot() {
		if j.Status == models.StatusRunning && j.ClaimedAt != nil && j.ClaimedAt.Before(claimedBefore) {
			stale = append(stale, j)
		}
	}
	sort.Slice(stale, func(a, b int) bool { return stale[a].ClaimedAt.Before(*stale[b].ClaimedAt) })
	return page(stale, limit, 0), nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[models.JobStatus]int, error) {
	counts := make(map[models.JobStatus]int, len(models.AllStatuses))
	for _, j := range m.snapshot() {
		counts[j.Status]++
	}
	return counts, nil
}

func (m *Memory) AppendRun(_ context.Context, rec models.RunRecord) (models.RunRecord, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.seq[rec.JobID]++
	rec.AttemptNumber = m.seq[rec.JobID]
	rec.FailedRecipients = append([]string(nil), rec.FailedRecipients...)
	m.runs[rec.JobID] = append(m.runs[rec.JobID], rec)
	return rec, nil
}

func (m *Memory) ListRuns(_ context.Context, jobID string) ([]models.RunRecord, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return append([]models.RunRecord(nil), m.runs[jobID]...), nil
}

func (m *Memory) PurgeRuns(_ context.Context, finishedBefore time.Time) (int64, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	var purged int64
	for id, runs := range m.runs {
		kept := runs[:0]
		for _, r := range runs {
			if r.FinishedAt.Before(finishedBefore) {
				purged++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(m.runs, id)
			continue
		}
		m.runs[id] = kept
	}
	return purged, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}
