// Package notify posts batch summaries to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"docbatch/internal/metrics"
	"docbatch/internal/models"
)

// Callback sends summaries to one URL with exponential backoff.
type Callback struct {
	url        string
	maxRetries int
	retryDelay time.Duration
	client     *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewCallback returns nil when url is empty; a nil *Callback sends nothing.
func NewCallback(url string, maxRetries int, retryDelay time.Duration, logger *zap.Logger, m *metrics.Metrics) *Callback {
	if url == "" {
		return nil
	}
	return &Callback{
		url:        url,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		metrics:    m,
	}
}

// Send delivers payload, retrying with delay * 2^(attempt-1) between
// attempts. It returns the last error once retries are exhausted.
func (c *Callback) Send(ctx context.Context, payload models.CallbackPayload) error {
	if c == nil {
		return nil
	}

	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.CallbackRetries.Inc()
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			c.logger.Info("retrying callback", zap.String("url", c.url), zap.Int("attempt", attempt))
		}

		err = c.send(ctx, payload)
		if err == nil {
			c.metrics.CallbacksTotal.WithLabelValues("success").Inc()
			return nil
		}
		c.logger.Warn("callback attempt failed", zap.String("url", c.url), zap.Int("attempt", attempt), zap.Error(err))
	}

	c.metrics.CallbacksTotal.WithLabelValues("failure").Inc()
	c.logger.Error("callback failed after retries", zap.String("url", c.url), zap.Int("total_attempts", c.maxRetries+1), zap.Error(err))
	return err
}

// send sends a single callback request
func (c *Callback) send(ctx context.Context, payload models.CallbackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request creation error: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bad status: %d", resp.StatusCode)
	}
	return nil
}
