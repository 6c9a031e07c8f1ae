package fetch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/radarwatch/radar-publisher/internal/metrics"
	"github.com/radarwatch/radar-publisher/internal/product"
)

// Downloader discovers new source files on the remote listings and
// retrieves them into the local data directory.
type Downloader struct {
	client   *Client
	manifest *Manifest
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	urls     map[product.Stream]string
	dataDir  string
	cooldown time.Duration
}

// DownloaderConfig wires a Downloader.
type DownloaderConfig struct {
	CurrentURL  string
	ForecastURL string
	DataDir     string
	Cooldown    time.Duration
}

// NewDownloader builds a Downloader over the given client and manifest.
func NewDownloader(cfg DownloaderConfig, client *Client, manifest *Manifest, clock clockwork.Clock, m *metrics.Metrics, logger *slog.Logger) *Downloader {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Downloader{
		client:   client,
		manifest: manifest,
		clock:    clock,
		logger:   logger,
		metrics:  m,
		urls: map[product.Stream]string{
			product.StreamCurrent:  cfg.CurrentURL,
			product.StreamForecast: cfg.ForecastURL,
		},
		dataDir:  cfg.DataDir,
		cooldown: cfg.Cooldown,
	}
}

// Discover fetches the listing for stream and returns the identifiers
// not yet processed and not in quarantine cooldown, oldest first.
func (d *Downloader) Discover(ctx context.Context, stream product.Stream) ([]product.SourceID, error) {
	base, ok := d.urls[stream]
	if !ok || base == "" {
		return nil, nil
	}

	body, err := d.client.Get(ctx, base)
	if err != nil {
		return nil, err
	}

	all := ParseListing(body, stream)
	now := d.clock.Now()

	var fresh []product.SourceID
	for _, id := range all {
		key := id.Key()
		if d.manifest.IsProcessed(key) {
			continue
		}
		if d.manifest.InCooldown(key, now, d.cooldown) {
			continue
		}
		fresh = append(fresh, id)
	}

	d.logger.Debug("discovery complete",
		"stream", string(stream), "listed", len(all), "new", len(fresh))
	return fresh, nil
}

// Fetch downloads the source file for id and returns its local path.
// The write goes through a .part file so a crash mid-download never
// leaves a plausible-looking source file behind.
func (d *Downloader) Fetch(ctx context.Context, id product.SourceID) (string, error) {
	url := d.fileURL(id)
	path := filepath.Join(d.dataDir, string(id.Stream), id.Filename)

	if err := d.client.DownloadFile(ctx, url, path); err != nil {
		d.metrics.FetchFailures.WithLabelValues(string(id.Stream), failureKind(err)).Inc()
		return "", err
	}
	d.metrics.FilesFetched.WithLabelValues(string(id.Stream)).Inc()
	return path, nil
}

func failureKind(err error) string {
	switch {
	case IsNotFound(err):
		return "not_found"
	default:
		var pw *PartialWriteError
		if errors.As(err, &pw) {
			return "partial"
		}
		return "network"
	}
}

// SweepStale removes source files in the data directory older than
// olderThan. Leftover .part files from interrupted downloads are swept
// on the same terms. It returns the number of files removed.
func (d *Downloader) SweepStale(olderThan time.Duration) int {
	cutoff := d.clock.Now().Add(-olderThan)
	removed := 0
	for stream := range d.urls {
		dir := filepath.Join(d.dataDir, string(stream))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		d.logger.Info("swept stale source files", "removed", removed)
	}
	return removed
}

func (d *Downloader) fileURL(id product.SourceID) string {
	base := d.urls[id.Stream]
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + id.Filename
}
