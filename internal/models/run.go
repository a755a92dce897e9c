package models

import "time"

// RunOutcome is the recorded result of one attempt.
type RunOutcome string

const (
	OutcomeSuccess   RunOutcome = "SUCCESS"
	OutcomeFailure   RunOutcome = "FAILURE"
	OutcomeCancelled RunOutcome = "CANCELLED"
)

// RunRecord is an immutable, append-only entry in run history.
type RunRecord struct {
	JobID            string     `json:"jobId"`
	AttemptNumber    int        `json:"attemptNumber"`
	ExecutorType     JobType    `json:"executorType"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       time.Time  `json:"finishedAt"`
	Outcome          RunOutcome `json:"outcome"`
	Reason           string     `json:"reason,omitempty"`
	Retryable        bool       `json:"retryable"`
	ExitCode         *int       `json:"exitCode,omitempty"`
	Output           string     `json:"output,omitempty"`
	FailedRecipients []string   `json:"failedRecipients,omitempty"`
	WorkerID         string     `json:"workerId,omitempty"`
}

// Duration is the wall time the attempt took.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
