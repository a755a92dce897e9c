package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/logging"
)

// RedisBus implements Bus on Redis: a sorted set for the wake index and for
// heartbeats, a pub/sub channel for events and a list for dead letters.
type RedisBus struct {
	client       *redis.Client
	log          *zap.SugaredLogger
	scheduleKey  string
	heartbeatKey string
	eventsChan   string
	dlqKey       string
	dlqMax       int64
}

// Options tunes key names, mainly so tests can share one Redis.
type Options struct {
	Prefix string
	DLQMax int64
}

// NewRedisBus builds a bus over an existing client.
func NewRedisBus(client *redis.Client, log *zap.SugaredLogger, opts Options) *RedisBus {
	if opts.Prefix == "" {
		opts.Prefix = "jobs"
	}
	if opts.DLQMax <= 0 {
		opts.DLQMax = 1000
	}
	return &RedisBus{
		client:       client,
		log:          logging.Component(log, "bus"),
		scheduleKey:  opts.Prefix + ":schedule",
		heartbeatKey: opts.Prefix + ":heartbeats",
		eventsChan:   opts.Prefix + ":events",
		dlqKey:       opts.Prefix + ":dlq",
		dlqMax:       opts.DLQMax,
	}
}

// Schedule records (or moves) a job's wake time.
func (b *RedisBus) Schedule(ctx context.Context, jobID string, at time.Time) error {
	err := b.client.ZAdd(ctx, b.scheduleKey, redis.Z{Score: float64(at.UnixMilli()), Member: jobID}).Err()
	return wrapRedis(err, "schedule %s", jobID)
}

// Unschedule drops a job from the wake index.
func (b *RedisBus) Unschedule(ctx context.Context, jobID string) error {
	return wrapRedis(b.client.ZRem(ctx, b.scheduleKey, jobID).Err(), "unschedule %s", jobID)
}

// Earliest returns the soonest wake time in the index.
func (b *RedisBus) Earliest(ctx context.Context) (time.Time, bool, error) {
	res, err := b.client.ZRangeWithScores(ctx, b.scheduleKey, 0, 0).Result()
	if err != nil {
		return time.Time{}, false, wrapRedis(err, "read earliest")
	}
	if len(res) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(res[0].Score)), true, nil
}

// Publish fans an event out to every subscriber.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return wrapRedis(b.client.Publish(ctx, b.eventsChan, raw).Err(), "publish %s", ev.Kind)
}

// Subscribe returns a channel of events that closes when ctx ends.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := b.client.Subscribe(ctx, b.eventsChan)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, wrapRedis(err, "subscribe")
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warnw("Dropping malformed bus event", "payload", msg.Payload, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Heartbeat records that workerID was alive at the given time.
func (b *RedisBus) Heartbeat(ctx context.Context, workerID string, at time.Time) error {
	err := b.client.ZAdd(ctx, b.heartbeatKey, redis.Z{Score: float64(at.UnixMilli()), Member: workerID}).Err()
	return wrapRedis(err, "heartbeat %s", workerID)
}

// LiveWorkers lists workers with a heartbeat at or after since, pruning
// entries far older than that.
func (b *RedisBus) LiveWorkers(ctx context.Context, since time.Time) ([]string, error) {
	cutoff := strconv.FormatInt(since.UnixMilli(), 10)
	pipe := b.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, b.heartbeatKey, "-inf", "("+strconv.FormatInt(since.Add(-time.Hour).UnixMilli(), 10))
	live := pipe.ZRangeByScore(ctx, b.heartbeatKey, &redis.ZRangeBy{Min: cutoff, Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrapRedis(err, "read heartbeats")
	}
	return live.Val(), nil
}

// DeadLetter appends a failed job id for operator inspection, newest first,
// trimmed to the configured length.
func (b *RedisBus) DeadLetter(ctx context.Context, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, b.dlqKey, jobID)
	pipe.LTrim(ctx, b.dlqKey, 0, b.dlqMax-1)
	_, err := pipe.Exec(ctx)
	return wrapRedis(err, "dead-letter %s", jobID)
}

// PeekDeadLetters reads the latest dead-lettered job ids.
func (b *RedisBus) PeekDeadLetters(ctx context.Context, count int64) ([]string, error) {
	ids, err := b.client.LRange(ctx, b.dlqKey, 0, count-1).Result()
	return ids, wrapRedis(err, "read dead letters")
}

// Ping checks connectivity; reported as the message-bus dependency.
func (b *RedisBus) Ping(ctx context.Context) error {
	return wrapRedis(b.client.Ping(ctx).Err(), "ping redis")
}

// Close releases the client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func wrapRedis(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return apperr.Unavailable(err, format, args...)
}
