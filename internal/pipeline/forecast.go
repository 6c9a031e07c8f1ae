package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/radarwatch/radar-publisher/internal/metrics"
	"github.com/radarwatch/radar-publisher/internal/product"
	"github.com/radarwatch/radar-publisher/internal/publish"
)

// ForecastRetention removes superseded forecast issuances from the
// forecast output directory. An older issuance is only removed once a
// newer one is complete, so consumers always see a full lead-time
// series for at least one issuance.
type ForecastRetention struct {
	store   publish.Store
	mirror  *publish.Mirror
	metrics *metrics.Metrics
	logger  *slog.Logger

	leads    []int
	variants int
	scales   int
	keep     int
}

// NewForecastRetention builds the retention pass. expectedArtifacts per
// issuance is len(leads) * variants * scales.
func NewForecastRetention(leads []int, variants, scales, keepIssuances int, store publish.Store, mirror *publish.Mirror, m *metrics.Metrics, logger *slog.Logger) *ForecastRetention {
	if keepIssuances < 1 {
		keepIssuances = 1
	}
	return &ForecastRetention{
		store:    store,
		mirror:   mirror,
		metrics:  m,
		logger:   logger,
		leads:    leads,
		variants: variants,
		scales:   scales,
		keep:     keepIssuances,
	}
}

// issuance groups the published artifacts of one forecast run.
type issuance struct {
	stamp     time.Time
	artifacts []publish.Artifact
}

func (iss issuance) complete(expected int) bool {
	return len(iss.artifacts) >= expected
}

// Prune removes forecast issuances superseded by at least r.keep newer
// complete ones. Incomplete newer issuances are left alone; they are
// still filling in.
func (r *ForecastRetention) Prune(ctx context.Context) error {
	artifacts, err := r.store.List(ctx)
	if err != nil {
		return err
	}

	byStamp := make(map[time.Time][]publish.Artifact)
	for _, a := range artifacts {
		if a.LeadMinutes == 0 {
			continue
		}
		byStamp[a.Timestamp] = append(byStamp[a.Timestamp], a)
	}
	if len(byStamp) <= r.keep {
		return nil
	}

	issuances := make([]issuance, 0, len(byStamp))
	for stamp, arts := range byStamp {
		issuances = append(issuances, issuance{stamp: stamp, artifacts: arts})
	}
	sort.Slice(issuances, func(i, j int) bool {
		return issuances[i].stamp.After(issuances[j].stamp)
	})

	expected := len(r.leads) * r.variants * r.scales

	// Find the cutoff: the r.keep-th newest complete issuance.
	// Everything older than it goes; everything at or after it stays.
	completeSeen := 0
	cutoff := -1
	for i, iss := range issuances {
		if iss.complete(expected) {
			completeSeen++
			if completeSeen == r.keep {
				cutoff = i
				break
			}
		}
	}
	if cutoff < 0 {
		// Not enough complete issuances yet; nothing is safe to remove.
		return nil
	}

	for _, iss := range issuances[cutoff+1:] {
		names := make([]string, 0, len(iss.artifacts))
		for _, a := range iss.artifacts {
			names = append(names, a.Name)
		}
		if err := r.store.Remove(ctx, names...); err != nil {
			return err
		}
		for _, name := range names {
			r.mirror.Delete(ctx, publish.MirrorKey(product.StreamForecast, name))
		}
		r.metrics.ArtifactsPruned.WithLabelValues(string(product.StreamForecast)).Add(float64(len(names)))
		r.logger.Info("pruned forecast issuance",
			"issued", iss.stamp.Format("20060102_1504"), "artifacts", len(names))
	}
	return nil
}
