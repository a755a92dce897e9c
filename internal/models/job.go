package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted by the job store.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// AllStatuses lists every status in display order.
var AllStatuses = []JobStatus{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// Valid reports whether s is a known status token.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the scheduler will never pick the job up again
// without operator action.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions is the state machine. A PENDING→RUNNING win is the claim;
// FAILED/CANCELLED→PENDING is an operator re-enable; PENDING→PENDING is a
// reschedule (run now, deferred dispatch).
var transitions = map[JobStatus][]JobStatus{
	StatusPending:   {StatusRunning, StatusCancelled, StatusPending},
	StatusRunning:   {StatusPending, StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:    {StatusPending},
	StatusCancelled: {StatusPending},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobType discriminates the executor a job needs.
type JobType string

const (
	JobTypeBinary JobType = "BINARY"
	JobTypeEmail  JobType = "EMAIL"
)

// AllJobTypes lists every job type the engine dispatches.
var AllJobTypes = []JobType{JobTypeBinary, JobTypeEmail}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobTypeBinary || t == JobTypeEmail
}

// RepeatPattern names how a job recurs.
type RepeatPattern string

const (
	RepeatOnce    RepeatPattern = "ONCE"
	RepeatDaily   RepeatPattern = "DAILY"
	RepeatWeekly  RepeatPattern = "WEEKLY"
	RepeatMonthly RepeatPattern = "MONTHLY"
	RepeatYearly  RepeatPattern = "YEARLY"
	RepeatCustom  RepeatPattern = "CUSTOM"
)

// Recurring reports whether a successful run schedules another.
func (p RepeatPattern) Recurring() bool {
	return p != RepeatOnce
}

// BinaryPayload describes an executable artifact to run.
type BinaryPayload struct {
	ArtifactReference string `json:"artifactReference"`
	FileSizeBytes     int64  `json:"fileSizeBytes"`
	Arguments         string `json:"arguments,omitempty"`
	OriginalFilename  string `json:"originalFilename,omitempty"`
	ContentType       string `json:"contentType,omitempty"`
}

// EmailPayload describes a message delivered to each recipient.
type EmailPayload struct {
	Recipients  []string `json:"recipients"`
	Subject     string   `json:"subject"`
	BodyContent string   `json:"bodyContent"`
	TemplateID  string   `json:"templateId,omitempty"`
	HTMLContent string   `json:"htmlContent,omitempty"`
	SenderEmail string   `json:"senderEmail,omitempty"`
	SenderName  string   `json:"senderName,omitempty"`
}

// RetryState carries progress of the current fire across attempts.
// Recipients narrows the next email attempt to those that failed.
type RetryState struct {
	Attempt    int      `json:"attempt"`
	Recipients []string `json:"recipients,omitempty"`
}

// Job is a scheduled unit of work. Exactly one of Binary or Email is set,
// matching Type.
type Job struct {
	ID               string        `json:"id"`
	Type             JobType       `json:"type"`
	Name             string        `json:"name"`
	Status           JobStatus     `json:"status"`
	ScheduledTime    time.Time     `json:"scheduledTime"`
	Timezone         string        `json:"timezone"`
	RepeatPattern    RepeatPattern `json:"repeatPattern"`
	RepeatExpression string        `json:"repeatExpression,omitempty"`
	DelayMinutes     int           `json:"delayMinutes"`
	MaxAttempts      int           `json:"maxAttempts"`
	Retry            RetryState    `json:"retry"`
	ExecutionCount   int           `json:"executionCount"`
	ErrorMessage     *string       `json:"errorMessage,omitempty"`
	LastRun          *time.Time    `json:"lastRun,omitempty"`
	NextRun          *time.Time    `json:"nextRun,omitempty"`
	ClaimedBy        *string       `json:"claimedBy,omitempty"`
	ClaimedAt        *time.Time    `json:"claimedAt,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`

	Binary *BinaryPayload `json:"binary,omitempty"`
	Email  *EmailPayload  `json:"email,omitempty"`
}

// Location resolves the job's time zone, falling back to UTC for an unknown id.
func (j Job) Location() *time.Location {
	if loc, err := time.LoadLocation(j.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

// InZone returns a copy with every timestamp expressed in the job's zone.
func (j Job) InZone() Job {
	loc := j.Location()
	j.ScheduledTime = j.ScheduledTime.In(loc)
	j.CreatedAt = j.CreatedAt.In(loc)
	j.UpdatedAt = j.UpdatedAt.In(loc)
	j.LastRun = inLoc(j.LastRun, loc)
	j.NextRun = inLoc(j.NextRun, loc)
	j.ClaimedAt = inLoc(j.ClaimedAt, loc)
	return j
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (j Job) Clone() Job {
	out := j
	out.ErrorMessage = clonePtr(j.ErrorMessage)
	out.LastRun = clonePtr(j.LastRun)
	out.NextRun = clonePtr(j.NextRun)
	out.ClaimedBy = clonePtr(j.ClaimedBy)
	out.ClaimedAt = clonePtr(j.ClaimedAt)
	out.Retry.Recipients = append([]string(nil), j.Retry.Recipients...)
	if j.Binary != nil {
		b := *j.Binary
		out.Binary = &b
	}
	if j.Email != nil {
		e := *j.Email
		e.Recipients = append([]string(nil), j.Email.Recipients...)
		out.Email = &e
	}
	return out
}

func inLoc(t *time.Time, loc *time.Location) *time.Time {
	if t == nil {
		return nil
	}
	v := t.In(loc)
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
