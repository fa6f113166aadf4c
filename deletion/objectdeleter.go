package deletion

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/eventstore/metric"
	"github.com/c360/eventstore/pkg/retry"
)

// ObjectDeleterConfig configures the file-server deletion client.
type ObjectDeleterConfig struct {
	// RequestsPerSecond paces DELETE calls to the file server. Zero or
	// negative disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// Burst is the pacing burst size (default 1).
	Burst int `yaml:"burst"`
	// TimeoutSec bounds a single DELETE call (default 10).
	TimeoutSec int `yaml:"timeout_sec"`
}

// ObjectDeleter removes referenced files from the object store over HTTP.
// Deletion is best-effort: failures are logged and counted, never fatal,
// so orphaned files can not block logical record deletion.
type ObjectDeleter struct {
	client  *http.Client
	limiter *rate.Limiter
	retry   retry.Config
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewObjectDeleter creates a deleter. metrics may be nil.
func NewObjectDeleter(cfg ObjectDeleterConfig, logger *slog.Logger, metrics *metric.Metrics) *ObjectDeleter {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &ObjectDeleter{
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		retry:   retry.DefaultConfig(),
		logger:  logger.With("component", "objectdeleter"),
		metrics: metrics,
	}
}

// DeleteObjects deletes the given object URLs, pacing and retrying each
// call. It returns the number of URLs that could not be deleted; callers
// treat that as informational.
func (d *ObjectDeleter) DeleteObjects(ctx context.Context, urls []string) int {
	failed := 0
	for i, url := range urls {
		if err := d.limiter.Wait(ctx); err != nil {
			// Context cancelled; remaining URLs stay orphaned.
			d.logger.Warn("object deletion interrupted", "error", err, "remaining", len(urls)-i)
			return failed + len(urls) - i
		}
		if err := d.deleteOne(ctx, url); err != nil {
			failed++
			if d.metrics != nil {
				d.metrics.ObjectDeleteFailures.Inc()
			}
			d.logger.Warn("object delete failed", "url", url, "error", err)
		}
	}
	return failed
}

func (d *ObjectDeleter) deleteOne(ctx context.Context, url string) error {
	return retry.Do(ctx, d.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("build request: %w", err))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("delete %s: %w", url, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusNotFound:
			// Already gone; deletion is idempotent.
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("delete %s: status %d", url, resp.StatusCode)
		default:
			return retry.NonRetryable(fmt.Errorf("delete %s: status %d", url, resp.StatusCode))
		}
	})
}
