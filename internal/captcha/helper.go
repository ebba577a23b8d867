// Package captcha waits for the user to clear the platform's captcha out of
// band, by polling the profile until the counter is positive again.
package captcha

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"docbatch/internal/models"
)

// ProfileReader is the part of the remote client the helper polls.
type ProfileReader interface {
	Profile(ctx context.Context) (*models.Profile, error)
}

// StatusSink receives the instructions shown while waiting.
type StatusSink interface {
	SetStatus(text string)
}

// Helper polls the profile every interval while shown.
type Helper struct {
	profiles ProfileReader
	interval time.Duration
	ui       StatusSink
	logger   *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func NewHelper(profiles ProfileReader, interval time.Duration, ui StatusSink, logger *zap.Logger) *Helper {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Helper{
		profiles: profiles,
		interval: interval,
		ui:       ui,
		logger:   logger,
		closed:   make(chan struct{}),
	}
}

// Show blocks until the captcha counter is positive (true), or until ctx
// ends or Close is called (false). Poll errors are logged and retried.
func (h *Helper) Show(ctx context.Context) bool {
	h.ui.SetStatus("captcha required: open the platform in a browser, download any document and solve the captcha; resuming automatically")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-h.closed:
			return false
		case <-ticker.C:
		}

		p, err := h.profiles.Profile(ctx)
		if err != nil {
			h.logger.Debug("error polling captcha counter", zap.Error(err))
			continue
		}
		if p.CaptchaCounter != nil && *p.CaptchaCounter > 0 {
			h.logger.Info("captcha solved", zap.Int("captcha_counter", *p.CaptchaCounter))
			h.ui.SetStatus("captcha solved, resuming")
			return true
		}
	}
}

// Close abandons the current and any later Show.
func (h *Helper) Close() {
	h.closeOnce.Do(func() { close(h.closed) })
}
