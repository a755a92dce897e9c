package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/models"
)

// Postgres wraps pgxpool for job and run persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperr.Unavailable(err, "connect postgres")
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity; used by the health aggregator.
func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apperr.Unavailable(err, "ping postgres")
	}
	return nil
}

const jobColumns = `id, job_type, name, status, scheduled_time, timezone, repeat_pattern, repeat_expression,
	delay_minutes, max_attempts, retry, execution_count, error_message, last_run, next_run,
	claimed_by, claimed_at, payload, created_at, updated_at`

// InsertJob persists a fully validated job.
func (s *Postgres) InsertJob(ctx context.Context, job models.Job) error {
	payload, err := encodePayload(job)
	if err != nil {
		return err
	}
	retry, err := json.Marshal(job.Retry)
	if err != nil {
		return errors.Wrap(err, "marshal retry state")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, job.ID, string(job.Type), job.Name, string(job.Status), job.ScheduledTime, job.Timezone,
		string(job.RepeatPattern), job.RepeatExpression, job.DelayMinutes, job.MaxAttempts, retry,
		job.ExecutionCount, job.ErrorMessage, job.LastRun, job.NextRun, job.ClaimedBy, job.ClaimedAt,
		payload, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "insert job")
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	return job, err
}

// ListJobs returns jobs matching the filter.
func (s *Postgres) ListJobs(ctx context.Context, f Filter) ([]models.Job, error) {
	where, args := filterClause(f)
	q := `SELECT ` + jobColumns + ` FROM jobs` + where + orderClause(f)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryJobs(ctx, q, args...)
}

// CountJobs counts jobs matching the filter, ignoring paging.
func (s *Postgres) CountJobs(ctx context.Context, f Filter) (int, error) {
	where, args := filterClause(f)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count jobs")
	}
	return n, nil
}

// DeleteJob removes the job row. Run history is kept.
func (s *Postgres) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete job")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("job %s not found", id)
	}
	return nil
}

// Transition runs the compare-and-swap as a single conditional UPDATE. Zero
// affected rows is a conflict unless the row is gone.
func (s *Postgres) Transition(ctx context.Context, id string, t Transition) (models.Job, error) {
	args := []any{id, string(t.From), string(t.To), t.At}
	sets := []string{"status = $3", "updated_at = $4"}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	switch {
	case t.NextRun != nil:
		add("next_run = $%d", *t.NextRun)
	case t.ClearNextRun:
		sets = append(sets, "next_run = NULL")
	}
	if t.LastRun != nil {
		add("last_run = $%d", *t.LastRun)
	}
	switch {
	case t.ErrorMessage != nil:
		add("error_message = $%d", *t.ErrorMessage)
	case t.ClearError:
		sets = append(sets, "error_message = NULL")
	}
	if t.Retry != nil {
		raw, err := json.Marshal(t.Retry)
		if err != nil {
			return models.Job{}, errors.Wrap(err, "marshal retry state")
		}
		add("retry = $%d", raw)
	}
	if t.IncrementExecutions {
		sets = append(sets, "execution_count = execution_count + 1")
	}
	switch {
	case t.ClaimedBy != nil:
		add("claimed_by = $%d", *t.ClaimedBy)
		sets = append(sets, "claimed_at = $4")
	case t.ReleaseClaim:
		sets = append(sets, "claimed_by = NULL", "claimed_at = NULL")
	}

	where := "id = $1 AND status = $2"
	if t.DueBy != nil {
		args = append(args, *t.DueBy)
		where += fmt.Sprintf(" AND next_run <= $%d", len(args))
	}
	if t.OwnedBy != nil {
		args = append(args, *t.OwnedBy)
		where += fmt.Sprintf(" AND claimed_by = $%d", len(args))
	}

	q := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + jobColumns
	job, err := scanJob(s.pool.QueryRow(ctx, q, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, errors.Wrap(err, "transition job")
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	if err != nil {
		return models.Job{}, errors.Wrap(err, "read job status")
	}
	return models.Job{}, apperr.Conflict("job %s is %s, expected %s", id, current, t.From)
}

// ListDue returns PENDING jobs whose next run is at or before now, earliest
// first, leaving out the skipped job types.
func (s *Postgres) ListDue(ctx context.Context, now time.Time, limit int, skip ...models.JobType) ([]models.Job, error) {
	skipped := make([]string, 0, len(skip))
	for _, t := range skip {
		skipped = append(skipped, string(t))
	}
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND next_run <= $2 AND NOT (job_type = ANY($4::text[]))
		ORDER BY next_run ASC
		LIMIT $3
	`, string(models.StatusPending), now, limit, skipped)
}

// ListStale returns RUNNING jobs claimed before the cutoff.
func (s *Postgres) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND claimed_at < $2
		ORDER BY claimed_at ASC
		LIMIT $3
	`, string(models.StatusRunning), claimedBefore, limit)
}

// CountByStatus groups job counts by status.
func (s *Postgres) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count by status")
	}
	defer rows.Close()
	counts := make(map[models.JobStatus]int, len(models.AllStatuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan status count")
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, errors.Wrap(rows.Err(), "iterate status counts")
}

// AppendRun inserts a run record, taking the next attempt number from a
// per-job sequence so numbering stays monotonic after purges and deletes.
func (s *Postgres) AppendRun(ctx context.Context, rec models.RunRecord) (models.RunRecord, error) {
	var failed []byte
	if len(rec.FailedRecipients) > 0 {
		raw, err := json.Marshal(rec.FailedRecipients)
		if err != nil {
			return models.RunRecord{}, errors.Wrap(err, "marshal failed recipients")
		}
		failed = raw
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO job_run_seq (job_id, last_attempt) VALUES ($1, 1)
			ON CONFLICT (job_id) DO UPDATE SET last_attempt = job_run_seq.last_attempt + 1
			RETURNING last_attempt
		`, rec.JobID).Scan(&rec.AttemptNumber); err != nil {
			return errors.Wrap(err, "next attempt number")
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO job_runs (job_id, attempt_number, executor_type, started_at, finished_at, outcome,
				reason, retryable, exit_code, output, failed_recipients, worker_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, rec.JobID, rec.AttemptNumber, string(rec.ExecutorType), rec.StartedAt, rec.FinishedAt,
			string(rec.Outcome), rec.Reason, rec.Retryable, rec.ExitCode, rec.Output, failed, rec.WorkerID)
		return errors.Wrap(err, "insert run")
	})
	if err != nil {
		return models.RunRecord{}, err
	}
	return rec, nil
}

// ListRuns returns a job's runs ordered by attempt number.
func (s *Postgres) ListRuns(ctx context.Context, jobID string) ([]models.RunRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, attempt_number, executor_type, started_at, finished_at, outcome, reason,
			retryable, exit_code, output, failed_recipients, worker_id
		FROM job_runs WHERE job_id = $1 ORDER BY attempt_number ASC
	`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var out []models.RunRecord
	for rows.Next() {
		var rec models.RunRecord
		var executor, outcome string
		var exitCode pgtype.Int4
		var failed []byte
		if err := rows.Scan(&rec.JobID, &rec.AttemptNumber, &executor, &rec.StartedAt, &rec.FinishedAt,
			&outcome, &rec.Reason, &rec.Retryable, &exitCode, &rec.Output, &failed, &rec.WorkerID); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		rec.ExecutorType = models.JobType(executor)
		rec.Outcome = models.RunOutcome(outcome)
		if exitCode.Valid {
			code := int(exitCode.Int32)
			rec.ExitCode = &code
		}
		if len(failed) > 0 {
			if err := json.Unmarshal(failed, &rec.FailedRecipients); err != nil {
				return nil, errors.Wrap(err, "unmarshal failed recipients")
			}
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate runs")
}

// PurgeRuns deletes run records that finished before the cutoff.
func (s *Postgres) PurgeRuns(ctx context.Context, finishedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_runs WHERE finished_at < $1`, finishedBefore)
	if err != nil {
		return 0, errors.Wrap(err, "purge runs")
	}
	return tag.RowsAffected(), nil
}

// withTx runs fn inside a transaction, rolling back when fn fails.
func (s *Postgres) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}

func (s *Postgres) queryJobs(ctx context.Context, q string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}

func filterClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	if f.Type != "" {
		args = append(args, string(f.Type))
		conds = append(conds, fmt.Sprintf("job_type = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func orderClause(f Filter) string {
	col := "scheduled_time"
	switch f.SortBy {
	case SortCreatedAt:
		col = "created_at"
	case SortNextRun:
		col = "next_run"
	case SortName:
		col = "name"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s NULLS LAST, id ASC", col, dir)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var jobType, status, pattern string
	var retry, payload []byte
	var errMsg, claimedBy pgtype.Text
	var lastRun, nextRun, claimedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &jobType, &job.Name, &status, &job.ScheduledTime, &job.Timezone, &pattern,
		&job.RepeatExpression, &job.DelayMinutes, &job.MaxAttempts, &retry, &job.ExecutionCount, &errMsg,
		&lastRun, &nextRun, &claimedBy, &claimedAt, &payload, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, errors.Wrap(err, "scan job")
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	job.RepeatPattern = models.RepeatPattern(pattern)
	job.ErrorMessage = textPtr(errMsg)
	job.ClaimedBy = textPtr(claimedBy)
	job.LastRun = timePtr(lastRun)
	job.NextRun = timePtr(nextRun)
	job.ClaimedAt = timePtr(claimedAt)

	if len(retry) > 0 {
		if err := json.Unmarshal(retry, &job.Retry); err != nil {
			return models.Job{}, errors.Wrap(err, "unmarshal retry state")
		}
	}
	if err := decodePayload(&job, payload); err != nil {
		return models.Job{}, err
	}
	return job.InZone(), nil
}

func encodePayload(job models.Job) ([]byte, error) {
	var v any
	switch job.Type {
	case models.JobTypeBinary:
		v = job.Binary
	case models.JobTypeEmail:
		v = job.Email
	default:
		return nil, errors.Newf("unknown job type %q", job.Type)
	}
	raw, err := json.Marshal(v)
	return raw, errors.Wrap(err, "marshal payload")
}

func decodePayload(job *models.Job, raw []byte) error {
	switch job.Type {
	case models.JobTypeBinary:
		job.Binary = &models.BinaryPayload{}
		return errors.Wrap(json.Unmarshal(raw, job.Binary), "unmarshal binary payload")
	case models.JobTypeEmail:
		job.Email = &models.EmailPayload{}
		return errors.Wrap(json.Unmarshal(raw, job.Email), "unmarshal email payload")
	}
	return errors.Newf("unknown job type %q", job.Type)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
