// Package history is the append-only record of every execution attempt.
package history

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/models"
)

// Backend is the slice of the store that run history needs.
type Backend interface {
	AppendRun(ctx context.Context, rec models.RunRecord) (models.RunRecord, error)
	ListRuns(ctx context.Context, jobID string) ([]models.RunRecord, error)
	PurgeRuns(ctx context.Context, finishedBefore time.Time) (int64, error)
}

// Recorder writes and reads run records. A failed write is returned to the
// caller marked ErrStorageUnavailable; it is never dropped.
type Recorder struct {
	backend Backend
}

// New wraps a backend.
func New(b Backend) *Recorder {
	return &Recorder{backend: b}
}

// Record appends rec. The backend assigns the attempt number, which is
// returned on the stored record.
func (r *Recorder) Record(ctx context.Context, rec models.RunRecord) (models.RunRecord, error) {
	if rec.JobID == "" {
		return models.RunRecord{}, apperr.Invalid("run record needs a job id")
	}
	if rec.FinishedAt.Before(rec.StartedAt) {
		rec.FinishedAt = rec.StartedAt
	}
	stored, err := r.backend.AppendRun(ctx, rec)
	if err != nil {
		return models.RunRecord{}, errors.Mark(errors.Wrapf(err, "record run for job %s", rec.JobID), apperr.ErrStorageUnavailable)
	}
	return stored, nil
}

// Query returns a job's runs ordered by attempt number.
func (r *Recorder) Query(ctx context.Context, jobID string) ([]models.RunRecord, error) {
	runs, err := r.backend.ListRuns(ctx, jobID)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "query runs for job %s", jobID), apperr.ErrStorageUnavailable)
	}
	return runs, nil
}

// Purge deletes runs that finished before the cutoff, returning how many went.
func (r *Recorder) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := r.backend.PurgeRuns(ctx, olderThan)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "purge runs"), apperr.ErrStorageUnavailable)
	}
	return n, nil
}
