package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"docbatch/internal/circuitbreaker"
	"docbatch/internal/metrics"
)

// LocalSink writes archives into a directory
type LocalSink struct {
	fs             afero.Fs
	basePath       string
	circuitBreaker *circuitbreaker.Breaker
	metrics        *metrics.Metrics
	policy         RetryPolicy
}

// NewLocalSink creates the base directory if needed.
func NewLocalSink(fs afero.Fs, basePath string, m *metrics.Metrics, cb *circuitbreaker.Breaker, policy RetryPolicy) (*LocalSink, error) {
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}
	if err := fs.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("base path error: %w", err)
	}
	info, err := fs.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("base path error: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base path is not a directory: %s", basePath)
	}

	return &LocalSink{
		fs:             fs,
		basePath:       absPath,
		circuitBreaker: cb,
		metrics:        m,
		policy:         policy,
	}, nil
}

// PutArchive writes data to basePath/name through a temp file, so a
// partially written archive never carries the final name.
func (l *LocalSink) PutArchive(ctx context.Context, name string, data []byte) (location string, err error) {
	start := time.Now()
	defer func() { observe(l.metrics, "local", start, err) }()

	fullPath := filepath.Clean(filepath.Join(l.basePath, name))
	if name == "" || !strings.HasPrefix(fullPath, l.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	err = l.circuitBreaker.Do(func() error {
		return l.policy.retry(ctx, isLocalRetryableError, func(context.Context) error {
			return l.write(fullPath, data)
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to write archive: %w", err)
	}
	return fullPath, nil
}

func (l *LocalSink) write(fullPath string, data []byte) error {
	if err := l.fs.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}
	tmp := fullPath + ".part"
	if err := afero.WriteFile(l.fs, tmp, data, 0o644); err != nil {
		l.fs.Remove(tmp)
		return err
	}
	return l.fs.Rename(tmp, fullPath)
}

// isLocalRetryableError determines if a local filesystem error should trigger a retry
func isLocalRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if os.IsNotExist(err) || os.IsPermission(err) {
		return false
	}

	// Most other errors (like I/O errors on network mounts) might be transient
	return true
}

// HealthCheck verifies the base path is still accessible
func (l *LocalSink) HealthCheck(ctx context.Context) error {
	if _, err := l.fs.Stat(l.basePath); err != nil {
		return fmt.Errorf("base path unavailable: %w", err)
	}
	return nil
}
