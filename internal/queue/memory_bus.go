package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBus implements Bus inside one process. The wake index is a min-heap
// keyed by wake time with lazy deletion of superseded entries.
type MemoryBus struct {
	mu         sync.Mutex
	idx        wakeHeap
	current    map[string]time.Time
	subs       map[chan Event]struct{}
	heartbeats map[string]time.Time
	dlq        []string
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		current:    make(map[string]time.Time),
		subs:       make(map[chan Event]struct{}),
		heartbeats: make(map[string]time.Time),
	}
}

type wakeItem struct {
	jobID string
	at    time.Time
}

type wakeHeap []wakeItem

func (h wakeHeap) Len() int           { return len(h) }
func (h wakeHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h wakeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *wakeHeap) Push(x any)        { *h = append(*h, x.(wakeItem)) }
func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func (b *MemoryBus) Schedule(_ context.Context, jobID string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current[jobID] = at
	heap.Push(&b.idx, wakeItem{jobID: jobID, at: at})
	return nil
}

func (b *MemoryBus) Unschedule(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.current, jobID)
	return nil
}

func (b *MemoryBus) Earliest(context.Context) (time.Time, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.idx.Len() > 0 {
		top := b.idx[0]
		if at, ok := b.current[top.jobID]; ok && at.Equal(top.at) {
			return top.at, true, nil
		}
		heap.Pop(&b.idx)
	}
	return time.Time{}, false, nil
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
// Events are hints; wakes are covered by the next poll and cancels by the
// scheduler re-reading stored status at checkpoints.
func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *MemoryBus) Heartbeat(_ context.Context, workerID string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeats[workerID] = at
	return nil
}

func (b *MemoryBus) LiveWorkers(_ context.Context, since time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var live []string
	for id, at := range b.heartbeats {
		if !at.Before(since) {
			live = append(live, id)
		}
	}
	sort.Strings(live)
	return live, nil
}

func (b *MemoryBus) DeadLetter(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlq = append([]string{jobID}, b.dlq...)
	return nil
}

func (b *MemoryBus) PeekDeadLetters(_ context.Context, count int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := int(count)
	if n > len(b.dlq) || n <= 0 {
		n = len(b.dlq)
	}
	return append([]string(nil), b.dlq[:n]...), nil
}

func (b *MemoryBus) Ping(context.Context) error { return nil }

func (b *MemoryBus) Close() error { return nil }
