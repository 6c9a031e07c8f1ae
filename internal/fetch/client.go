package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// HTTPDoer is the subset of *http.Client the fetch client needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig tunes retry and circuit breaker behavior.
type ClientConfig struct {
	Timeout        time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
	BreakerTimeout time.Duration
}

// Client retrieves listing pages and product files over HTTP with
// bounded exponential-backoff retries behind a circuit breaker. A
// NotFoundError is terminal and never retried; the breaker does not
// count it as a failure.
type Client struct {
	httpc   HTTPDoer
	breaker *gobreaker.CircuitBreaker
	clock   clockwork.Clock
	logger  *slog.Logger
	cfg     ClientConfig

	// Retries, if set, counts retry attempts.
	Retries prometheus.Counter

	// RetryHook, if set, is invoked before each retry sleep. Tests use
	// it to advance the fake clock.
	RetryHook func(attempt int, delay time.Duration)
}

// NewClient builds a Client. A nil httpc uses a stock http.Client with
// the configured timeout.
func NewClient(name string, cfg ClientConfig, httpc HTTPDoer, clock clockwork.Clock, logger *slog.Logger) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.Timeout}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && ratio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsNotFound(err)
		},
	}

	return &Client{
		httpc:   httpc,
		breaker: gobreaker.NewCircuitBreaker(settings),
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
	}
}

// Get fetches url and returns the response body.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := c.execute(func() error {
		var err error
		body, err = c.getOnce(ctx, url)
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// DownloadFile fetches url into path, writing through a sibling .part
// file renamed into place only after the full body arrives. A Content-
// Length mismatch yields a PartialWriteError and leaves no partial file
// behind.
func (c *Client) DownloadFile(ctx context.Context, url, path string) error {
	return c.execute(func() error {
		return c.downloadOnce(ctx, url, path)
	})
}

// execute runs fn through the breaker with retries. Attempts stop early
// on NotFoundError or context cancellation.
func (c *Client) execute(fn func() error) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.withRetry(fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &NetworkError{Err: err}
	}
	return err
}

func (c *Client) withRetry(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			if c.Retries != nil {
				c.Retries.Inc()
			}
			if c.RetryHook != nil {
				c.RetryHook(attempt, delay)
			}
			c.clock.Sleep(delay)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if IsNotFound(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		c.logger.Warn("fetch attempt failed", "attempt", attempt+1, "error", err)
	}
	return lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.cfg.RetryBackoff) * math.Pow(2, float64(attempt-1)))
	if c.cfg.MaxBackoff > 0 && d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

func (c *Client) getOnce(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.roundTrip(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	if resp.ContentLength >= 0 && int64(len(body)) != resp.ContentLength {
		return nil, &PartialWriteError{URL: url, Expected: resp.ContentLength, Written: int64(len(body))}
	}
	return body, nil
}

func (c *Client) downloadOnce(ctx context.Context, url, path string) error {
	resp, err := c.roundTrip(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &NetworkError{URL: url, Err: err}
	}

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}

	written, err := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return &NetworkError{URL: url, Err: err}
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		os.Remove(tmp)
		return &PartialWriteError{URL: url, Expected: resp.ContentLength, Written: written}
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &NetworkError{URL: url, Err: err}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, &NotFoundError{URL: url}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, &NetworkError{URL: url, Status: resp.StatusCode}
	}
	return resp, nil
}
