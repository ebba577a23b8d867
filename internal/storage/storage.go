// Package storage delivers finished archives to their destination.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"

	"docbatch/internal/circuitbreaker"
	"docbatch/internal/config"
	"docbatch/internal/metrics"
)

var ErrInvalidName = errors.New("storage: invalid archive name")

// Sink defines the interface for archive destinations
type Sink interface {
	// PutArchive stores data under name and returns where it ended up
	// (a file path or an s3:// URL).
	PutArchive(ctx context.Context, name string, data []byte) (string, error)

	// HealthCheck performs a lightweight connectivity check
	HealthCheck(ctx context.Context) error
}

// RetryPolicy bounds each write attempt and the retries around it.
type RetryPolicy struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// New creates a sink based on configuration
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, cb *circuitbreaker.Breaker) (Sink, error) {
	policy := RetryPolicy{
		Timeout:    cfg.OutputTimeout,
		MaxRetries: cfg.OutputMaxRetries,
		RetryDelay: cfg.OutputRetryDelay,
	}

	switch cfg.OutputType {
	case "s3":
		return NewS3Sink(ctx, cfg, m, cb, policy)
	case "local":
		if cfg.OutputPath == "" {
			return nil, fmt.Errorf("OUTPUT_PATH required for local output")
		}
		return NewLocalSink(afero.NewOsFs(), cfg.OutputPath, m, cb, policy)
	default:
		return nil, fmt.Errorf("unsupported output type: %s", cfg.OutputType)
	}
}

// retry runs put until it succeeds, returns a non-retryable error or runs
// out of attempts. Backoff is retryDelay * 2^(attempt-1).
func (p RetryPolicy) retry(ctx context.Context, retryable func(error) bool, put func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.RetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := put(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return lastErr
}

func observe(m *metrics.Metrics, outputType string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.OutputWriteDuration.WithLabelValues(outputType, result).Observe(time.Since(start).Seconds())
}
