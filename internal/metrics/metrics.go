// Package metrics provides Prometheus metrics for the radar pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "radar_publisher"

// Metrics holds all Prometheus metrics for the service. An instance is
// constructed once in the entry point and passed to each component; there
// is no package-level default.
type Metrics struct {
	// Scheduler metrics.
	CyclesRun     prometheus.Counter
	CyclesSkipped prometheus.Counter
	CyclesFailed  prometheus.Counter
	CycleDuration prometheus.Histogram

	// Downloader metrics.
	FilesFetched  *prometheus.CounterVec // labels: stream
	FetchRetries  prometheus.Counter
	FetchFailures *prometheus.CounterVec // labels: stream, kind={network,not_found,partial}

	// Pipeline metrics.
	JobsProcessed *prometheus.CounterVec   // labels: stream
	JobFailures   *prometheus.CounterVec   // labels: stream, stage={fetch,decode,render,publish}
	JobDuration   *prometheus.HistogramVec // labels: stream
	Quarantined   *prometheus.CounterVec   // labels: stream

	// Output metrics.
	ArtifactsPublished *prometheus.CounterVec // labels: stream, variant
	ArtifactsPruned    *prometheus.CounterVec // labels: stream
	MirrorFailures     prometheus.Counter
}

// New creates the metric set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_run_total",
			Help:      "Scheduler cycles started.",
		}),
		CyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_skipped_total",
			Help:      "Ticks skipped because the previous cycle was still running.",
		}),
		CyclesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_failed_total",
			Help:      "Cycles that ended in an error or recovered panic.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one discover-and-process cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		FilesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_fetched_total",
			Help:      "Source files downloaded successfully.",
		}, []string{"stream"}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Transient fetch failures that were retried.",
		}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Fetches abandoned after retries, by failure kind.",
		}, []string{"stream", "kind"}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Render jobs completed successfully.",
		}, []string{"stream"}),
		JobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Render jobs failed, by pipeline stage.",
		}, []string{"stream", "stage"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of one decode-render-publish job.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stream"}),
		Quarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_quarantined_total",
			Help:      "Source files quarantined after permanent decode failures.",
		}, []string{"stream"}),
		ArtifactsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_published_total",
			Help:      "Artifacts atomically promoted to the output directory.",
		}, []string{"stream", "variant"}),
		ArtifactsPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_pruned_total",
			Help:      "Artifacts removed by staleness pruning.",
		}, []string{"stream"}),
		MirrorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_failures_total",
			Help:      "Best-effort mirror uploads that failed.",
		}),
	}

	reg.MustRegister(
		m.CyclesRun, m.CyclesSkipped, m.CyclesFailed, m.CycleDuration,
		m.FilesFetched, m.FetchRetries, m.FetchFailures,
		m.JobsProcessed, m.JobFailures, m.JobDuration, m.Quarantined,
		m.ArtifactsPublished, m.ArtifactsPruned, m.MirrorFailures,
	)

	return m
}

// NewForTesting creates Metrics on a throwaway registry so parallel tests
// never collide on registration.
func NewForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the /metrics HTTP handler for the given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
