package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"live-recorder/internal/platform/metrics"
)

const (
	DefaultInterval            = 10 * time.Second
	DefaultStartDelay          = 3 * time.Second
	DefaultLaunchDelay         = 200 * time.Millisecond
	DefaultProbeTimeout        = 30 * time.Second
	DefaultMaxConcurrentProbes = 16
)

// ResultHandler consumes probe results. *Machine implements it.
type ResultHandler interface {
	Handle(ctx context.Context, key TargetKey, res ProbeResult)
}

// Scheduler probes every registered target once per tick. Each tick reloads
// the configuration, fans out one probe per target and waits for all of them;
// the next tick starts Interval after the previous one finished.
type Scheduler struct {
	registry *Registry
	source   ConfigSource
	adapters Adapters
	handler  ResultHandler
	metrics  *metrics.Metrics
	log      *slog.Logger

	StartDelay          time.Duration
	LaunchDelay         time.Duration
	ProbeTimeout        time.Duration
	MaxConcurrentProbes int

	mu       sync.Mutex
	interval time.Duration
}

// NewScheduler returns a Scheduler with the default delays. source may be nil
// when the registry is populated by other means.
func NewScheduler(reg *Registry, source ConfigSource, adapters Adapters, handler ResultHandler, m *metrics.Metrics, log *slog.Logger) *Scheduler {
	return &Scheduler{
		registry:            reg,
		source:              source,
		adapters:            adapters,
		handler:             handler,
		metrics:             m,
		log:                 log,
		StartDelay:          DefaultStartDelay,
		LaunchDelay:         DefaultLaunchDelay,
		ProbeTimeout:        DefaultProbeTimeout,
		MaxConcurrentProbes: DefaultMaxConcurrentProbes,
		interval:            DefaultInterval,
	}
}

// Interval returns the pause currently used between ticks.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started", slog.Duration("start_delay", s.StartDelay))
	if !sleep(ctx, s.StartDelay) {
		return
	}
	for {
		s.Reload(ctx)
		start := time.Now()
		n := s.Tick(ctx)
		s.log.Debug("tick finished", slog.Int("targets", n), slog.Duration("took", time.Since(start)))
		if !sleep(ctx, s.Interval()) {
			s.log.Info("scheduler stopped")
			return
		}
	}
}

// Reload reads the configuration source and reconciles the registry. On
// failure the registry and interval are left as they were.
func (s *Scheduler) Reload(ctx context.Context) {
	if s.source == nil {
		return
	}
	snap, err := s.source.Load(ctx)
	if err != nil {
		s.log.Warn("configuration reload failed, keeping previous targets", slog.String("error", err.Error()))
		return
	}
	report := s.registry.Reconcile(snap.Targets)
	if report.Changed() {
		s.log.Info("targets reconciled",
			slog.Int("added", len(report.Added)),
			slog.Int("updated", len(report.Updated)),
			slog.Int("removed", len(report.Removed)),
			slog.Int("pending_removal", len(report.Deferred)))
	}
	if snap.Interval > 0 {
		s.mu.Lock()
		if snap.Interval != s.interval {
			s.log.Info("probe interval changed", slog.Duration("from", s.interval), slog.Duration("to", snap.Interval))
			s.interval = snap.Interval
		}
		s.mu.Unlock()
	}
}

// Tick probes every target once and returns after all probes finished. Probe
// launches are staggered by LaunchDelay and stop when ctx is cancelled.
func (s *Scheduler) Tick(ctx context.Context) int {
	targets := s.registry.Snapshot()

	var g errgroup.Group
	if s.MaxConcurrentProbes > 0 {
		g.SetLimit(s.MaxConcurrentProbes)
	}
	launched := 0
	for i, t := range targets {
		if i > 0 && !sleep(ctx, s.LaunchDelay) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		launched++
		t := t
		g.Go(func() error {
			s.probe(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return launched
}

// probe runs one isolated probe task. Panics and errors become Indeterminate
// and never reach sibling tasks.
func (s *Scheduler) probe(ctx context.Context, t Target) {
	key := t.TargetConfig.Key()
	log := s.log.With(slog.String("target", key.String()))
	defer func() {
		if r := recover(); r != nil {
			log.Error("probe task panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()

	start := time.Now()
	res := s.runProbe(ctx, t)
	s.metrics.ObserveProbe(key.Platform, res.Status.String(), time.Since(start).Seconds())
	if res.Err != nil {
		log.Warn("probe failed", slog.String("error", res.Err.Error()))
	}
	if ctx.Err() != nil {
		// Shutting down: do not start anything new.
		return
	}
	s.handler.Handle(ctx, key, res)
}

func (s *Scheduler) runProbe(ctx context.Context, t Target) (res ProbeResult) {
	adapter, ok := s.adapters[t.Platform]
	if !ok {
		return Indeterminate(unknownPlatform(t.Platform))
	}
	defer func() {
		if r := recover(); r != nil {
			res = Indeterminate(fmt.Errorf("probe panic: %v", r))
		}
	}()

	pctx := ctx
	if s.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, s.ProbeTimeout)
		defer cancel()
	}
	res = adapter.Probe(pctx, t)
	if res.Status == ProbeIndeterminate && res.Err == nil && pctx.Err() != nil {
		res.Err = fmt.Errorf("probe: %w", pctx.Err())
	}
	return res
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
