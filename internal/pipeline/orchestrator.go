package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radarwatch/radar-publisher/internal/fetch"
	"github.com/radarwatch/radar-publisher/internal/logging"
	"github.com/radarwatch/radar-publisher/internal/metrics"
	"github.com/radarwatch/radar-publisher/internal/odim"
	"github.com/radarwatch/radar-publisher/internal/product"
	"github.com/radarwatch/radar-publisher/internal/publish"
	"github.com/radarwatch/radar-publisher/internal/render"
)

// Fetcher retrieves source files. *fetch.Downloader is the production
// implementation.
type Fetcher interface {
	Discover(ctx context.Context, stream product.Stream) ([]product.SourceID, error)
	Fetch(ctx context.Context, id product.SourceID) (string, error)
	SweepStale(olderThan time.Duration) int
}

// Decoder turns a local source file into a grid.
type Decoder interface {
	Decode(path string) (*odim.Grid, error)
}

// FileDecoder decodes ODIM HDF5 files against a fixed contract.
type FileDecoder struct {
	Contract product.Contract
}

func (d FileDecoder) Decode(path string) (*odim.Grid, error) {
	return odim.DecodeFile(path, d.Contract)
}

// Orchestrator runs a bounded worker pool turning discovered source
// files into published artifacts. Each (stream, timestamp, lead) key is
// processed by at most one worker at a time; a failed job never blocks
// the rest of the batch.
type Orchestrator struct {
	fetcher  Fetcher
	decoder  Decoder
	stores   publish.Stores
	mirror   *publish.Mirror
	manifest *fetch.Manifest
	metrics  *metrics.Metrics
	logger   *slog.Logger

	workers int
	scales  []int

	mu       sync.Mutex
	inflight map[string]struct{}
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Workers int
	Scales  []int
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, fetcher Fetcher, decoder Decoder, stores publish.Stores, mirror *publish.Mirror, manifest *fetch.Manifest, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	scales := cfg.Scales
	if len(scales) == 0 {
		scales = []int{1, 2}
	}
	return &Orchestrator{
		fetcher:  fetcher,
		decoder:  decoder,
		stores:   stores,
		mirror:   mirror,
		manifest: manifest,
		metrics:  m,
		logger:   logger,
		workers:  workers,
		scales:   scales,
		inflight: make(map[string]struct{}),
	}
}

// ProcessDelta runs all jobs for ids through the worker pool and
// returns one result per dispatched job. Identifiers already in flight
// are skipped, not queued twice.
func (o *Orchestrator) ProcessDelta(ctx context.Context, ids []product.SourceID) []JobResult {
	var jobs []Job
	for _, id := range ids {
		if !o.acquire(id.Key()) {
			continue
		}
		jobs = append(jobs, Job{ID: uuid.New().String(), Source: id})
	}
	if len(jobs) == 0 {
		return nil
	}

	workQueue := make(chan Job, len(jobs))
	resultChan := make(chan JobResult, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for job := range workQueue {
				if ctx.Err() != nil {
					o.release(job.Source.Key())
					resultChan <- JobResult{Job: job, Stage: StageFetch, Err: ctx.Err()}
					continue
				}
				result := o.processJob(ctx, workerID, job)
				o.release(job.Source.Key())
				resultChan <- result
			}
		}(i)
	}

	for _, job := range jobs {
		workQueue <- job
	}
	close(workQueue)
	wg.Wait()
	close(resultChan)

	results := make([]JobResult, 0, len(jobs))
	for r := range resultChan {
		results = append(results, r)
	}
	return results
}

func (o *Orchestrator) acquire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[key]; busy {
		return false
	}
	o.inflight[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, key)
}

// processJob runs one source file through fetch, decode, render and
// publish. The manifest is only marked once every artifact for the file
// is in place, so a crash mid-job just repeats the whole file.
func (o *Orchestrator) processJob(ctx context.Context, workerID int, job Job) JobResult {
	id := job.Source
	stream := string(id.Stream)
	log := logging.Worker(stream, workerID).With(
		"correlation_id", job.ID,
		"file", id.Filename,
	)

	start := time.Now()
	log.Debug("processing source file")

	path, err := o.fetcher.Fetch(ctx, id)
	if err != nil {
		if fetch.IsNotFound(err) {
			// A 404 is permanent for as long as it lasts; cool the
			// identifier down instead of re-dispatching it every cycle.
			o.manifest.Quarantine(id.Key(), "source not found upstream", time.Now())
			o.metrics.Quarantined.WithLabelValues(stream).Inc()
			log.Warn("source file missing upstream, cooling down", "error", err)
		} else {
			o.failJob(log, stream, StageFetch, err)
		}
		return JobResult{Job: job, Stage: StageFetch, Err: err}
	}

	grid, err := o.decoder.Decode(path)
	if err != nil {
		if errors.Is(err, odim.ErrFormat) || errors.Is(err, odim.ErrCorrupt) {
			o.manifest.Quarantine(id.Key(), err.Error(), time.Now())
			o.metrics.Quarantined.WithLabelValues(stream).Inc()
			os.Remove(path)
			log.Warn("source file quarantined", "error", err)
		} else {
			o.failJob(log, stream, StageDecode, err)
		}
		return JobResult{Job: job, Stage: StageDecode, Err: err}
	}

	if !grid.Timestamp.IsZero() && !grid.Timestamp.Equal(id.Timestamp) {
		log.Warn("embedded timestamp differs from filename",
			"embedded", grid.Timestamp, "filename", id.Timestamp)
	}

	artifacts, err := o.publishAll(ctx, id, grid)
	if err != nil {
		stage := StagePublish
		var renderErr *render.Error
		if errors.As(err, &renderErr) {
			stage = StageRender
		}
		o.failJob(log, stream, stage, err)
		return JobResult{Job: job, Stage: stage, Err: err}
	}

	o.manifest.MarkProcessed(id.Key(), id.Timestamp)
	os.Remove(path)

	elapsed := time.Since(start)
	o.metrics.JobsProcessed.WithLabelValues(stream).Inc()
	o.metrics.JobDuration.WithLabelValues(stream).Observe(elapsed.Seconds())
	log.Info("source file published",
		"artifacts", len(artifacts), "duration_ms", elapsed.Milliseconds())

	return JobResult{Job: job, Artifacts: artifacts}
}

// publishAll renders and publishes every variant and scale for the
// grid. All renders happen before the first publish so a render failure
// leaves the output directory untouched.
func (o *Orchestrator) publishAll(ctx context.Context, id product.SourceID, grid *odim.Grid) ([]string, error) {
	type staged struct {
		name    string
		variant string
		data    []byte
	}
	var pending []staged

	for _, palette := range render.Palettes() {
		for _, scale := range o.scales {
			data, err := render.PNG(grid, palette, scale)
			if err != nil {
				return nil, err
			}
			pending = append(pending, staged{
				name:    product.ArtifactName(id.Timestamp, id.LeadMinutes, palette.Name, scale),
				variant: palette.Name,
				data:    data,
			})
		}
	}

	store := o.stores.For(id.Stream)
	names := make([]string, 0, len(pending))
	for _, s := range pending {
		if err := store.Publish(ctx, s.name, s.data); err != nil {
			return nil, fmt.Errorf("publish %s: %w", s.name, err)
		}
		o.mirror.Put(ctx, publish.MirrorKey(id.Stream, s.name), s.data)
		o.metrics.ArtifactsPublished.WithLabelValues(string(id.Stream), s.variant).Inc()
		names = append(names, s.name)
	}
	return names, nil
}

func (o *Orchestrator) failJob(log *slog.Logger, stream, stage string, err error) {
	o.metrics.JobFailures.WithLabelValues(stream, stage).Inc()
	log.Error("job failed", "stage", stage, "error", err)
}
