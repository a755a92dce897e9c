package queue

import (
	"context"
	"time"
)

// EventKind names a control message on the bus.
type EventKind string

const (
	// EventWake asks schedulers to re-check the wake index now.
	EventWake EventKind = "wake"
	// EventCancel asks whichever scheduler is running JobID to stop at its next checkpoint.
	EventCancel EventKind = "cancel"
)

// Event is a control message fanned out to every subscriber.
type Event struct {
	Kind  EventKind `json:"kind"`
	JobID string    `json:"jobId,omitempty"`
}

// Bus coordinates schedulers and API processes: a wake index keyed by each
// job's next run, control events, scheduler heartbeats and a dead-letter list.
// The job store stays the source of truth; losing bus state only delays
// dispatch until the next poll.
type Bus interface {
	Schedule(ctx context.Context, jobID string, at time.Time) error
	Unschedule(ctx context.Context, jobID string) error
	Earliest(ctx context.Context) (time.Time, bool, error)

	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)

	Heartbeat(ctx context.Context, workerID string, at time.Time) error
	LiveWorkers(ctx context.Context, since time.Time) ([]string, error)

	DeadLetter(ctx context.Context, jobID string) error
	PeekDeadLetters(ctx context.Context, count int64) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
