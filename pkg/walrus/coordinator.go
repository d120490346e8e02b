package walrus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/metrics"
)

// Outcome classifies how a publish attempt ended. Stable strings: they
// are used as metric label values and logged verbatim.
const (
	OutcomeSuccess         = "success"
	OutcomeAuthFailed      = "auth_failed"
	OutcomeRateLimited     = "rate_limited"
	OutcomeClientError     = "client_error"
	OutcomeServerError     = "server_error"
	OutcomeTimeout         = "timeout"
	OutcomeNetworkError    = "network_error"
	OutcomeInvalidResponse = "invalid_response"
	OutcomeUnknownError    = "unknown_error"
)

// CoordinatorConfig bounds publish pressure on the upstream publisher.
type CoordinatorConfig struct {
	// MaxConcurrent is the semaphore width. Default: 4.
	MaxConcurrent int64

	// MinInterval spaces publish admissions. Zero disables pacing.
	MinInterval time.Duration

	// MaxRetries is how many times a retryable attempt is repeated.
	// Default: 3.
	MaxRetries int

	// RetryDelay is the linear backoff unit: attempt n sleeps n*RetryDelay.
	// Default: 5s.
	RetryDelay time.Duration
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
}

// Publisher is the single-attempt publish operation the coordinator
// drives. Satisfied by *Client.
type Publisher interface {
	Publish(ctx context.Context, body io.Reader, size int64, epochs int) (string, error)
}

// Coordinator serializes publisher pressure: a weighted semaphore bounds
// concurrency, a rate limiter spaces admissions, and retryable failures
// get bounded linear backoff.
type Coordinator struct {
	cfg       CoordinatorConfig
	publisher Publisher
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	metrics   *metrics.PublishMetrics
}

// NewCoordinator creates a publish coordinator. metrics may be nil.
func NewCoordinator(cfg CoordinatorConfig, publisher Publisher, m *metrics.PublishMetrics) *Coordinator {
	cfg.applyDefaults()
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return &Coordinator{
		cfg:       cfg,
		publisher: publisher,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter:   limiter,
		metrics:   m,
	}
}

// PublishFile publishes the file at path, retrying retryable failures.
// Each attempt reopens the file so partial streams never poison a retry.
// Returns the blob ID and the final outcome classification.
func (c *Coordinator) PublishFile(ctx context.Context, path string, epochs int) (string, string, error) {
	waitStart := time.Now()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", OutcomeTimeout, err
	}
	defer c.sem.Release(1)
	release := c.metrics.RecordAdmission(time.Since(waitStart))
	defer release()

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", OutcomeTimeout, err
		}

		blobID, err := c.attempt(ctx, path, epochs)
		if err == nil {
			c.metrics.RecordAttempt(OutcomeSuccess, time.Since(start))
			return blobID, OutcomeSuccess, nil
		}
		lastErr = err

		outcome := Classify(err)
		if !retryable(outcome) || attempt == c.cfg.MaxRetries {
			c.metrics.RecordAttempt(outcome, time.Since(start))
			return "", outcome, err
		}

		c.metrics.RecordRetry()
		delay := time.Duration(attempt) * c.cfg.RetryDelay
		logger.Warn("publish attempt failed, retrying",
			logger.Attempt(attempt),
			logger.Err(err),
			"retry_in", delay.String(),
		)
		select {
		case <-ctx.Done():
			return "", OutcomeTimeout, ctx.Err()
		case <-time.After(delay):
		}
	}

	outcome := Classify(lastErr)
	c.metrics.RecordAttempt(outcome, time.Since(start))
	return "", outcome, lastErr
}

func (c *Coordinator) attempt(ctx context.Context, path string, epochs int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open assembled file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat assembled file: %w", err)
	}
	return c.publisher.Publish(ctx, f, info.Size(), epochs)
}

// Classify maps a publish error to its outcome label.
func Classify(err error) string {
	if err == nil {
		return OutcomeSuccess
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 401 || statusErr.StatusCode == 403:
			return OutcomeAuthFailed
		case statusErr.StatusCode == 429:
			return OutcomeRateLimited
		case statusErr.StatusCode >= 400 && statusErr.StatusCode < 500:
			return OutcomeClientError
		case statusErr.StatusCode >= 500:
			return OutcomeServerError
		default:
			return OutcomeUnknownError
		}
	}

	if errors.Is(err, ErrMissingBlobID) {
		return OutcomeInvalidResponse
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return OutcomeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return OutcomeTimeout
		}
		return OutcomeNetworkError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return OutcomeNetworkError
	}

	return OutcomeUnknownError
}

// retryable reports whether an outcome is worth another attempt.
// Auth and client errors are deterministic: retrying cannot help.
func retryable(outcome string) bool {
	switch outcome {
	case OutcomeRateLimited, OutcomeServerError, OutcomeTimeout, OutcomeNetworkError:
		return true
	default:
		return false
	}
}
