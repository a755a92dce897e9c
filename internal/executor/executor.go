// Package executor runs claimed jobs. Every executor reports an Outcome
// rather than an error so the scheduler can apply retry policy uniformly.
package executor

import (
	"context"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/models"
)

// Kind classifies an attempt.
type Kind int

const (
	KindSuccess Kind = iota
	// KindRetryable failures consume an attempt and are retried with backoff.
	KindRetryable
	// KindFatal failures move the job to FAILED without further attempts.
	KindFatal
	// KindDeferred means a dependency was down before any side effect; the
	// attempt is not recorded and not counted.
	KindDeferred
	// KindCancelled means a checkpoint observed a cancellation.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	case KindDeferred:
		return "deferred"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome is the result of one Execute call.
type Outcome struct {
	Kind   Kind
	Reason string

	ExitCode *int
	Output   string

	// FailedRecipients is the subset an email retry should target.
	FailedRecipients []string
}

func Success(reason string) Outcome   { return Outcome{Kind: KindSuccess, Reason: reason} }
func Retryable(reason string) Outcome { return Outcome{Kind: KindRetryable, Reason: reason} }
func Fatal(reason string) Outcome     { return Outcome{Kind: KindFatal, Reason: reason} }
func Deferred(reason string) Outcome  { return Outcome{Kind: KindDeferred, Reason: reason} }
func Cancelled(reason string) Outcome { return Outcome{Kind: KindCancelled, Reason: reason} }

// Checkpoint returns apperr.ErrCancelled once the job has been cancelled.
type Checkpoint func() error

// NoCheckpoint never reports cancellation.
func NoCheckpoint() error { return nil }

// Executor runs one attempt of a job.
type Executor interface {
	Execute(ctx context.Context, job models.Job, checkpoint Checkpoint) Outcome
}

// Set holds one executor per job type.
type Set struct {
	Binary Executor
	Email  Executor
}

// For returns the executor for t.
func (s Set) For(t models.JobType) (Executor, error) {
	var ex Executor
	switch t {
	case models.JobTypeBinary:
		ex = s.Binary
	case models.JobTypeEmail:
		ex = s.Email
	default:
		return nil, apperr.Invalid("no executor for job type %q", t)
	}
	if ex == nil {
		return nil, apperr.Unavailable(nil, "executor for %s is not wired", t)
	}
	return ex, nil
}

// Dependency names the collaborator a job type cannot run without. The
// names match the health aggregator's dependency keys.
func Dependency(t models.JobType) string {
	switch t {
	case models.JobTypeBinary:
		return "storage"
	case models.JobTypeEmail:
		return "email"
	}
	return ""
}
