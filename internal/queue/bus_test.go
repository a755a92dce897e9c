package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobscheduler/internal/apperr"
)

func newRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client, nil, Options{DLQMax: 3})
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

// exercise runs the behaviour both bus implementations share.
func exercise(t *testing.T, bus Bus) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	_, ok, err := bus.Earliest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, bus.Schedule(ctx, "late", base.Add(time.Hour)))
	require.NoError(t, bus.Schedule(ctx, "soon", base.Add(time.Minute)))
	at, ok, err := bus.Earliest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(base.Add(time.Minute)))

	// rescheduling moves the entry rather than duplicating it
	require.NoError(t, bus.Schedule(ctx, "soon", base.Add(2*time.Hour)))
	at, _, _ = bus.Earliest(ctx)
	assert.True(t, at.Equal(base.Add(time.Hour)))

	require.NoError(t, bus.Unschedule(ctx, "late"))
	at, _, _ = bus.Earliest(ctx)
	assert.True(t, at.Equal(base.Add(2*time.Hour)))

	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, Event{Kind: EventCancel, JobID: "j1"}))
	select {
	case ev := <-events:
		assert.Equal(t, Event{Kind: EventCancel, JobID: "j1"}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	require.NoError(t, bus.Heartbeat(ctx, "w-old", base.Add(-time.Minute)))
	require.NoError(t, bus.Heartbeat(ctx, "w-new", base))
	live, err := bus.LiveWorkers(ctx, base.Add(-10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"w-new"}, live)

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, bus.DeadLetter(ctx, id))
	}
	peek, err := bus.PeekDeadLetters(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, peek)

	require.NoError(t, bus.Ping(ctx))
}

func TestRedisBus(t *testing.T) {
	bus := newRedisBus(t)
	exercise(t, bus)

	all, err := bus.PeekDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, all, 3, "dead letters are trimmed to DLQMax")
}

func TestMemoryBus(t *testing.T) {
	exercise(t, NewMemoryBus())
}

func TestRedisBusDownIsDependencyUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	bus := NewRedisBus(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), nil, Options{})
	defer bus.Close()
	mr.Close()

	err = bus.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrDependencyUnavailable))
}
