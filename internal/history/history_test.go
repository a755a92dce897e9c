package history

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/models"
	"jobscheduler/internal/store"
)

type brokenBackend struct{}

func (brokenBackend) AppendRun(context.Context, models.RunRecord) (models.RunRecord, error) {
	return models.RunRecord{}, errors.New("disk full")
}

func (brokenBackend) ListRuns(context.Context, string) ([]models.RunRecord, error) {
	return nil, errors.New("connection reset")
}

func (brokenBackend) PurgeRuns(context.Context, time.Time) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestRecordAssignsAttemptNumbers(t *testing.T) {
	ctx := context.Background()
	rec := New(store.NewMemory())
	start := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		got, err := rec.Record(ctx, models.RunRecord{
			JobID:      "job-1",
			StartedAt:  start.Add(time.Duration(i) * time.Hour),
			FinishedAt: start.Add(time.Duration(i)*time.Hour + time.Minute),
			Outcome:    models.OutcomeFailure,
			Retryable:  true,
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, got.AttemptNumber)
	}

	runs, err := rec.Query(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, r := range runs {
		assert.Equal(t, i+1, r.AttemptNumber)
	}

	n, err := rec.Purge(ctx, start.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	next, err := rec.Record(ctx, models.RunRecord{JobID: "job-1", StartedAt: start, FinishedAt: start, Outcome: models.OutcomeSuccess})
	require.NoError(t, err)
	assert.Equal(t, 4, next.AttemptNumber, "numbers stay monotonic after a purge")
}

func TestRecordClampsFinishBeforeStart(t *testing.T) {
	start := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	got, err := New(store.NewMemory()).Record(context.Background(), models.RunRecord{
		JobID:      "j",
		StartedAt:  start,
		FinishedAt: start.Add(-time.Second),
	})
	require.NoError(t, err)
	assert.Zero(t, got.Duration())
}

func TestStorageFailuresArePropagated(t *testing.T) {
	rec := New(brokenBackend{})
	ctx := context.Background()

	_, err := rec.Record(ctx, models.RunRecord{JobID: "j"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrStorageUnavailable))

	_, err = rec.Query(ctx, "j")
	assert.True(t, errors.Is(err, apperr.ErrStorageUnavailable))

	_, err = rec.Purge(ctx, time.Now())
	assert.True(t, errors.Is(err, apperr.ErrStorageUnavailable))

	_, err = rec.Record(ctx, models.RunRecord{})
	assert.True(t, apperr.IsValidation(err))
}
