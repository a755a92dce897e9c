// Package health aggregates liveness of the scheduler loop and reachability
// of the engine's dependencies.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jobscheduler/internal/logging"
	"jobscheduler/internal/telemetry"
)

// Status is a dependency state as reported on the wire.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Dependency keys.
const (
	Database = "database"
	Storage  = "storage"
	Bus      = "bus"
	Email    = "email"
)

// Probe checks one dependency. A nil error means UP.
type Probe func(ctx context.Context) error

// Heartbeats reports workers seen since a point in time.
type Heartbeats interface {
	LiveWorkers(ctx context.Context, since time.Time) ([]string, error)
}

// LocalLoop is an in-process scheduler loop.
type LocalLoop interface {
	LastHeartbeat() time.Time
}

// Report is one aggregated health check.
type Report struct {
	SchedulerLoopAlive bool              `json:"schedulerLoopAlive"`
	LiveWorkers        []string          `json:"liveWorkers,omitempty"`
	Dependencies       map[string]Status `json:"dependencies"`
	Errors             map[string]string `json:"errors,omitempty"`
	CheckedAt          time.Time         `json:"checkedAt"`
}

// Options tunes the aggregator.
type Options struct {
	ProbeTimeout  time.Duration
	HeartbeatTTL  time.Duration
	Refresh       time.Duration
	MaxConcurrent int
	Now           func() time.Time
}

// Aggregator runs probes and caches the latest report.
type Aggregator struct {
	probes map[string]Probe
	beats  Heartbeats
	local  LocalLoop
	opts   Options
	log    *zap.SugaredLogger

	mu   sync.RWMutex
	last *Report
}

// New builds an aggregator. beats and local may be nil.
func New(probes map[string]Probe, beats Heartbeats, local LocalLoop, opts Options, log *zap.SugaredLogger) *Aggregator {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 15 * time.Second
	}
	if opts.Refresh <= 0 {
		opts.Refresh = 10 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{probes: probes, beats: beats, local: local, opts: opts, log: logging.Component(log, "health")}
}

// Health probes every dependency concurrently, each under its own timeout,
// and caches the result. It never fails: an unreachable dependency is DOWN.
func (a *Aggregator) Health(ctx context.Context) Report {
	now := a.opts.Now()
	rep := Report{
		Dependencies: make(map[string]Status, len(a.probes)),
		Errors:       map[string]string{},
		CheckedAt:    now,
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.MaxConcurrent)
	for name, probe := range a.probes {
		name, probe := name, probe
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, a.opts.ProbeTimeout)
			defer cancel()
			err := probe(pctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Dependencies[name] = StatusDown
				rep.Errors[name] = err.Error()
				telemetry.DependencyUp.WithLabelValues(name).Set(0)
				return nil
			}
			rep.Dependencies[name] = StatusUp
			telemetry.DependencyUp.WithLabelValues(name).Set(1)
			return nil
		})
	}
	_ = g.Wait()

	rep.SchedulerLoopAlive, rep.LiveWorkers = a.liveness(ctx, now)
	if len(rep.Errors) == 0 {
		rep.Errors = nil
	}

	a.mu.Lock()
	prev := a.last
	a.last = &rep
	a.mu.Unlock()
	a.logChanges(prev, &rep)
	return rep
}

func (a *Aggregator) liveness(ctx context.Context, now time.Time) (bool, []string) {
	since := now.Add(-a.opts.HeartbeatTTL)
	alive := false
	if a.local != nil {
		if beat := a.local.LastHeartbeat(); !beat.IsZero() && !beat.Before(since) {
			alive = true
		}
	}
	var workers []string
	if a.beats != nil {
		bctx, cancel := context.WithTimeout(ctx, a.opts.ProbeTimeout)
		defer cancel()
		live, err := a.beats.LiveWorkers(bctx, since)
		if err == nil {
			workers = live
			sort.Strings(workers)
			alive = alive || len(live) > 0
		}
	}
	return alive, workers
}

func (a *Aggregator) logChanges(prev, cur *Report) {
	for name, st := range cur.Dependencies {
		if prev != nil && prev.Dependencies[name] == st {
			continue
		}
		if st == StatusDown {
			a.log.Warnw("Dependency down", "dependency", name, "error", cur.Errors[name])
		} else if prev != nil {
			a.log.Infow("Dependency recovered", "dependency", name)
		}
	}
}

// Snapshot returns the cached report, if any.
func (a *Aggregator) Snapshot() (Report, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return Report{}, false
	}
	return *a.last, true
}

// Available reports whether dep was UP in the cached report. Before the
// first check, and for dependencies nobody probes, it reports true.
func (a *Aggregator) Available(dep string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return true
	}
	st, ok := a.last.Dependencies[dep]
	return !ok || st == StatusUp
}

// Watch refreshes the cached report until ctx ends.
func (a *Aggregator) Watch(ctx context.Context) {
	a.Health(ctx)
	ticker := time.NewTicker(a.opts.Refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Health(ctx)
		}
	}
}
