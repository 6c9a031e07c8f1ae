// Package schedule drives the ingest service at a fixed cadence. One
// cycle runs at a time: ticks arriving while a cycle is in progress are
// counted and dropped, never queued.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/radarwatch/radar-publisher/internal/metrics"
)

// Runner is the unit of work the scheduler drives; *pipeline.Service
// is the production implementation.
type Runner interface {
	RunCycle(ctx context.Context) error
}

// Scheduler periodically runs a Runner. A panic inside a cycle is
// recovered at the cycle boundary so one poisoned cycle cannot take the
// process down.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	grace    time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	running atomic.Bool
	cycles  sync.WaitGroup
	done    chan struct{}
	stop    chan struct{}
	stopped sync.Once
}

// New builds a Scheduler. A nil clock uses the real one.
func New(runner Runner, interval, shutdownGrace time.Duration, clock clockwork.Clock, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		grace:    shutdownGrace,
		clock:    clock,
		logger:   logger,
		metrics:  m,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Run executes an immediate first cycle and then one per interval until
// Stop is called or ctx is cancelled. It blocks.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	s.launch(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.Chan():
			s.launch(ctx)
		}
	}
}

// launch starts a cycle goroutine unless one is already running, in
// which case the tick is lost, not queued.
func (s *Scheduler) launch(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.CyclesSkipped.Inc()
		s.logger.Warn("cycle still running, tick skipped")
		return
	}
	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		defer s.running.Store(false)
		s.cycleRecovered(ctx)
	}()
}

func (s *Scheduler) cycleRecovered(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.CyclesFailed.Inc()
			s.logger.Error("cycle panicked",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := s.runner.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("cycle returned errors", "error", err)
	}
}

// Stop halts the timer first, so no new cycle starts, then waits up to
// the shutdown grace for an in-flight cycle to drain. It reports
// whether the scheduler wound down cleanly.
func (s *Scheduler) Stop() bool {
	s.stopped.Do(func() { close(s.stop) })

	select {
	case <-s.done:
	case <-s.clock.After(s.grace):
		s.logger.Error("scheduler loop did not stop within grace period")
		return false
	}

	// The loop has exited; wait out any cycle goroutine it left behind.
	drained := make(chan struct{})
	go func() {
		s.cycles.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return true
	case <-s.clock.After(s.grace):
		s.logger.Error("cycle did not finish within grace period")
		return false
	}
}
