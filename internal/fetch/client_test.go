package fetch

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()
	return NewClient("test", cfg, http.DefaultClient, clockwork.NewRealClock(),
		slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func defaultCfg() ClientConfig {
	return ClientConfig{
		Timeout:        5 * time.Second,
		MaxAttempts:    3,
		RetryBackoff:   time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BreakerTimeout: time.Minute,
	}
}

func TestGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := testClient(t, defaultCfg())
	body, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestGetRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := testClient(t, defaultCfg())
	body, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetNotFoundNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, defaultCfg())
	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), calls.Load(), "404 must not be retried")
}

func TestGetExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, defaultCfg())
	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusInternalServerError, netErr.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDownloadFileAtomicRename(t *testing.T) {
	payload := []byte("radar bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "current", "file.hdf")

	c := testClient(t, defaultCfg())
	require.NoError(t, c.DownloadFile(context.Background(), srv.URL, path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(err), "part file must not survive a successful download")
}

func TestDownloadFileTruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("short"))
		// Hijack so the client sees EOF before 100 bytes.
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			conn.Close()
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "file.hdf")

	cfg := defaultCfg()
	cfg.MaxAttempts = 1
	c := testClient(t, cfg)
	err := c.DownloadFile(context.Background(), srv.URL, path)
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "truncated download must not publish a file")
	_, statErr = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(statErr), "partial temp file must be cleaned up")
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := defaultCfg()
	cfg.MaxAttempts = 1
	c := testClient(t, cfg)

	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), srv.URL)
		require.Error(t, err)
	}

	// Breaker is open now; the request must fail without reaching the
	// server.
	srv.Close()
	_, err := c.Get(context.Background(), srv.URL)
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestBackoffCapped(t *testing.T) {
	cfg := defaultCfg()
	cfg.RetryBackoff = time.Second
	cfg.MaxBackoff = 2 * time.Second
	c := testClient(t, cfg)

	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 2*time.Second, c.backoff(2))
	assert.Equal(t, 2*time.Second, c.backoff(5))
}
