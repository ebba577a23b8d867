// Package budget tracks the remote's captcha counter: the number of
// downloads left before the platform demands human verification.
//
// The count is advisory. It lets the batch pause before the remote would
// reject, but the authoritative signal stays the remote's 429/FI008 reply.
package budget

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"docbatch/internal/metrics"
	"docbatch/internal/models"
)

// ProfileReader is the part of the remote client the budget reads from.
type ProfileReader interface {
	Profile(ctx context.Context) (*models.Profile, error)
}

// Budget is an optional counter; nil means unknown and never blocks.
type Budget struct {
	mu      sync.Mutex
	count   *int
	source  ProfileReader
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(source ProfileReader, logger *zap.Logger, m *metrics.Metrics) *Budget {
	b := &Budget{source: source, logger: logger, metrics: m}
	b.publish()
	return b
}

// Refresh re-reads the counter from the profile. Failures leave the budget unknown.
func (b *Budget) Refresh(ctx context.Context) {
	var count *int
	p, err := b.source.Profile(ctx)
	switch {
	case err != nil:
		b.logger.Warn("could not read captcha counter", zap.Error(err))
	case p.CaptchaCounter == nil:
		b.logger.Debug("profile has no captcha counter")
	default:
		v := *p.CaptchaCounter
		count = &v
	}

	b.mu.Lock()
	b.count = count
	b.mu.Unlock()
	b.publish()
}

// TryConsume takes one unit. It reports false, without mutating, when the
// known count is already exhausted.
func (b *Budget) TryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == nil {
		return true
	}
	if *b.count <= 0 {
		return false
	}
	*b.count--
	b.publishLocked()
	return true
}

// Refund returns one unit taken by TryConsume.
func (b *Budget) Refund() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == nil {
		return
	}
	*b.count++
	b.publishLocked()
}

// Remaining returns the known count and whether it is known.
func (b *Budget) Remaining() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == nil {
		return 0, false
	}
	return *b.count, true
}

func (b *Budget) publish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked()
}

func (b *Budget) publishLocked() {
	if b.metrics == nil {
		return
	}
	if b.count == nil {
		b.metrics.BudgetRemaining.Set(-1)
		return
	}
	b.metrics.BudgetRemaining.Set(float64(*b.count))
}
