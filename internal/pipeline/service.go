package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/radarwatch/radar-publisher/internal/fetch"
	"github.com/radarwatch/radar-publisher/internal/metrics"
	"github.com/radarwatch/radar-publisher/internal/product"
	"github.com/radarwatch/radar-publisher/internal/publish"
	"github.com/radarwatch/radar-publisher/internal/render"
)

// Service runs full ingest cycles: discover, process, prune, persist.
// It owns nothing long-running itself; the scheduler calls RunCycle at
// its cadence.
type Service struct {
	fetcher   Fetcher
	orch      *Orchestrator
	retention *ForecastRetention
	stores    publish.Stores
	mirror    *publish.Mirror
	manifest  *fetch.Manifest
	metrics   *metrics.Metrics
	logger    *slog.Logger

	streams    []product.Stream
	scales     []int
	maxTracked int
	sourceTTL  time.Duration
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	CurrentEnabled  bool
	ForecastEnabled bool
	Scales          []int
	MaxTracked      int

	// SourceTTL bounds how long a downloaded source file may sit in the
	// data directory before it is swept; zero disables the sweep.
	SourceTTL time.Duration
}

// NewService builds a Service over already-constructed components.
func NewService(cfg ServiceConfig, fetcher Fetcher, orch *Orchestrator, retention *ForecastRetention, stores publish.Stores, mirror *publish.Mirror, manifest *fetch.Manifest, m *metrics.Metrics, logger *slog.Logger) *Service {
	var streams []product.Stream
	if cfg.CurrentEnabled {
		streams = append(streams, product.StreamCurrent)
	}
	if cfg.ForecastEnabled {
		streams = append(streams, product.StreamForecast)
	}
	return &Service{
		fetcher:    fetcher,
		orch:       orch,
		retention:  retention,
		stores:     stores,
		mirror:     mirror,
		manifest:   manifest,
		metrics:    m,
		logger:     logger,
		streams:    streams,
		scales:     cfg.Scales,
		maxTracked: cfg.MaxTracked,
		sourceTTL:  cfg.SourceTTL,
	}
}

// RunCycle performs one full pass over all enabled streams. Failures
// are isolated: an unreachable listing or a bad file degrades the cycle
// but never aborts the remaining work, and the returned error is the
// join of everything that went wrong.
func (s *Service) RunCycle(ctx context.Context) error {
	start := time.Now()
	s.metrics.CyclesRun.Inc()

	var errs []error

	// Re-queue tracked timestamps whose artifacts went missing, e.g.
	// after a crash between download and publish, before discovery so
	// the same cycle picks them up again.
	if err := s.regenerateBacklog(ctx); err != nil {
		errs = append(errs, fmt.Errorf("backlog check: %w", err))
	}

	var delta []product.SourceID
	for _, stream := range s.streams {
		ids, err := s.fetcher.Discover(ctx, stream)
		if err != nil {
			errs = append(errs, fmt.Errorf("discover %s: %w", stream, err))
			continue
		}
		delta = append(delta, ids...)
	}

	results := s.orch.ProcessDelta(ctx, delta)
	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
			errs = append(errs, fmt.Errorf("%s %s: %w", r.Stage, r.Job.Source.Key(), r.Err))
		}
	}

	if err := s.retention.Prune(ctx); err != nil {
		errs = append(errs, fmt.Errorf("forecast retention: %w", err))
	}
	if err := s.pruneCurrent(ctx); err != nil {
		errs = append(errs, fmt.Errorf("current retention: %w", err))
	}
	// Forecast manifest entries for pruned issuances are only
	// bookkeeping; cap them the same way.
	s.manifest.Prune(string(product.StreamForecast)+"/", s.maxTracked)

	if s.sourceTTL > 0 {
		s.fetcher.SweepStale(s.sourceTTL)
	}

	if err := s.manifest.Save(); err != nil {
		errs = append(errs, err)
	}

	elapsed := time.Since(start)
	s.metrics.CycleDuration.Observe(elapsed.Seconds())

	if len(errs) > 0 {
		s.metrics.CyclesFailed.Inc()
		s.logger.Warn("cycle finished with errors",
			"processed", len(results), "failed", failed, "duration_ms", elapsed.Milliseconds())
		return errors.Join(errs...)
	}

	s.logger.Info("cycle complete",
		"processed", len(results), "duration_ms", elapsed.Milliseconds())
	return nil
}

// pruneCurrent caps the tracked current-stream history and removes the
// artifacts of everything that fell off the end.
func (s *Service) pruneCurrent(ctx context.Context) error {
	removed := s.manifest.Prune(string(product.StreamCurrent)+"/", s.maxTracked)
	if len(removed) == 0 {
		return nil
	}

	var names []string
	for _, key := range removed {
		id, ok := product.ParseKey(key)
		if !ok {
			continue
		}
		for _, palette := range render.Palettes() {
			for _, scale := range s.scales {
				names = append(names, product.ArtifactName(id.Timestamp, 0, palette.Name, scale))
			}
		}
	}

	if err := s.stores.For(product.StreamCurrent).Remove(ctx, names...); err != nil {
		return err
	}
	for _, name := range names {
		s.mirror.Delete(ctx, publish.MirrorKey(product.StreamCurrent, name))
	}
	s.metrics.ArtifactsPruned.WithLabelValues(string(product.StreamCurrent)).Add(float64(len(names)))
	s.logger.Info("pruned current history", "entries", len(removed), "artifacts", len(names))
	return nil
}

// regenerateBacklog drops processed current-stream entries whose
// artifacts are no longer all present, so the next discovery re-fetches
// and re-renders them. Forecast entries are left alone: retention
// removes their artifacts on purpose and they must not come back.
func (s *Service) regenerateBacklog(ctx context.Context) error {
	artifacts, err := s.stores.For(product.StreamCurrent).List(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		have[a.Name] = true
	}

	prefix := string(product.StreamCurrent) + "/"
	for _, key := range s.manifest.ProcessedKeys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		id, ok := product.ParseKey(key)
		if !ok {
			continue
		}
		complete := true
		for _, palette := range render.Palettes() {
			for _, scale := range s.scales {
				if !have[product.ArtifactName(id.Timestamp, 0, palette.Name, scale)] {
					complete = false
				}
			}
		}
		if !complete {
			s.manifest.Forget(key)
			s.logger.Info("artifacts missing, queued for regeneration", "key", key)
		}
	}
	return nil
}

// LatestArtifacts returns the newest published set for stream: the
// newest timestamp's images for current, the newest issuance's full
// lead-time series for forecast.
func (s *Service) LatestArtifacts(ctx context.Context, stream product.Stream) ([]publish.Artifact, error) {
	artifacts, err := s.stores.For(stream).List(ctx)
	if err != nil {
		return nil, err
	}

	var latest time.Time
	for _, a := range artifacts {
		if a.Timestamp.After(latest) {
			latest = a.Timestamp
		}
	}

	var out []publish.Artifact
	for _, a := range artifacts {
		if a.Timestamp.Equal(latest) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Shutdown persists the manifest and releases storage handles.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.manifest.Save(); err != nil {
		errs = append(errs, err)
	}
	if err := s.stores.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.mirror.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
