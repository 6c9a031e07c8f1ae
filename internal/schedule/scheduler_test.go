package schedule

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radarwatch/radar-publisher/internal/metrics"
)

type countingRunner struct {
	cycles  atomic.Int32
	block   chan struct{} // when set, cycles wait here
	panicOn int32         // cycle number that panics, 0 disables
}

func (r *countingRunner) RunCycle(ctx context.Context) error {
	n := r.cycles.Add(1)
	if r.panicOn > 0 && n == r.panicOn {
		panic("poisoned cycle")
	}
	if r.block != nil {
		<-r.block
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestRunImmediateFirstCycle(t *testing.T) {
	runner := &countingRunner{}
	clock := clockwork.NewFakeClock()
	s := New(runner, time.Minute, time.Second, clock, metrics.NewForTesting(), testLogger())

	go s.Run(context.Background())

	require.Eventually(t, func() bool { return runner.cycles.Load() == 1 },
		time.Second, time.Millisecond, "first cycle runs without waiting for a tick")

	assert.True(t, s.Stop())
}

func TestRunCyclesOnTicks(t *testing.T) {
	runner := &countingRunner{}
	clock := clockwork.NewFakeClock()
	s := New(runner, time.Minute, time.Second, clock, metrics.NewForTesting(), testLogger())

	go s.Run(context.Background())
	require.Eventually(t, func() bool { return runner.cycles.Load() == 1 }, time.Second, time.Millisecond)

	// Wait until the loop owns the ticker, then fire two ticks.
	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return runner.cycles.Load() == 2 }, time.Second, time.Millisecond)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return runner.cycles.Load() == 3 }, time.Second, time.Millisecond)

	assert.True(t, s.Stop())
}

func TestOverlappingTickSkipped(t *testing.T) {
	block := make(chan struct{})
	runner := &countingRunner{block: block}
	clock := clockwork.NewFakeClock()
	m := metrics.NewForTesting()
	s := New(runner, time.Minute, time.Second, clock, m, testLogger())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	// First cycle is blocked inside RunCycle.
	require.Eventually(t, func() bool { return runner.cycles.Load() == 1 }, time.Second, time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.CyclesSkipped) == 1
	}, time.Second, time.Millisecond, "tick during a running cycle is counted and dropped")

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.CyclesSkipped) == 2
	}, time.Second, time.Millisecond, "skipped ticks are not queued")

	assert.Equal(t, int32(1), runner.cycles.Load())

	close(block)
	require.Eventually(t, func() bool { return !s.running.Load() }, time.Second, time.Millisecond)
	assert.True(t, s.Stop())
	<-done
}

func TestPanicRecoveredAtCycleBoundary(t *testing.T) {
	runner := &countingRunner{panicOn: 1}
	clock := clockwork.NewFakeClock()
	m := metrics.NewForTesting()
	s := New(runner, time.Minute, time.Second, clock, m, testLogger())

	go s.Run(context.Background())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.CyclesFailed) == 1
	}, time.Second, time.Millisecond)

	// The scheduler survives and runs the next cycle.
	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return runner.cycles.Load() == 2 }, time.Second, time.Millisecond)

	assert.True(t, s.Stop())
}

func TestStopHaltsTimerBeforeDraining(t *testing.T) {
	runner := &countingRunner{}
	clock := clockwork.NewRealClock()
	s := New(runner, 5*time.Millisecond, time.Second, clock, metrics.NewForTesting(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return runner.cycles.Load() >= 1 }, time.Second, time.Millisecond)
	require.True(t, s.Stop())

	count := runner.cycles.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, count, runner.cycles.Load(), "no cycle starts after Stop")
}

func TestStopIdempotent(t *testing.T) {
	runner := &countingRunner{}
	s := New(runner, time.Minute, time.Second, clockwork.NewFakeClock(), metrics.NewForTesting(), testLogger())

	go s.Run(context.Background())
	require.Eventually(t, func() bool { return runner.cycles.Load() == 1 }, time.Second, time.Millisecond)

	assert.True(t, s.Stop())
	assert.True(t, s.Stop())
}