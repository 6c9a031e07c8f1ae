package publish

import (
	"context"
	"fmt"
	"log/slog"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver

	"github.com/radarwatch/radar-publisher/internal/metrics"
	"github.com/radarwatch/radar-publisher/internal/product"
)

// MirrorKey is the blob key for an artifact, namespaced by stream to
// match the per-stream layout of the local output.
func MirrorKey(stream product.Stream, name string) string {
	return string(stream) + "/" + name
}

// Mirror replicates published artifacts to a blob bucket. It is
// best-effort: a mirror failure is logged and counted but never fails
// the publish, and the local output directory stays authoritative.
type Mirror struct {
	bucket  *blob.Bucket
	url     string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// OpenMirror opens the bucket at url (file://, s3://, gs://). An empty
// url returns a nil Mirror, which all methods tolerate.
func OpenMirror(ctx context.Context, url string, m *metrics.Metrics, logger *slog.Logger) (*Mirror, error) {
	if url == "" {
		return nil, nil
	}
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open mirror bucket %s: %w", url, err)
	}
	return &Mirror{bucket: bucket, url: url, logger: logger, metrics: m}, nil
}

// Put copies one artifact to the mirror.
func (mr *Mirror) Put(ctx context.Context, name string, data []byte) {
	if mr == nil {
		return
	}
	if err := mr.bucket.WriteAll(ctx, name, data, nil); err != nil {
		mr.metrics.MirrorFailures.Inc()
		mr.logger.Warn("mirror write failed", "bucket", mr.url, "key", name, "error", err)
	}
}

// Delete removes one artifact from the mirror.
func (mr *Mirror) Delete(ctx context.Context, name string) {
	if mr == nil {
		return
	}
	if err := mr.bucket.Delete(ctx, name); err != nil {
		mr.metrics.MirrorFailures.Inc()
		mr.logger.Warn("mirror delete failed", "bucket", mr.url, "key", name, "error", err)
	}
}

// Close releases the bucket.
func (mr *Mirror) Close() error {
	if mr == nil || mr.bucket == nil {
		return nil
	}
	return mr.bucket.Close()
}
