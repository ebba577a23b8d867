// Package pause coordinates the batch-wide suspend/resume cycle entered
// when the captcha counter runs out.
package pause

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"docbatch/internal/metrics"
)

// Resolver drives the human verification step. Show returns true once
// downloads may resume and false if the user gave up.
type Resolver interface {
	Show(ctx context.Context) bool
}

// Refresher re-reads the rate budget.
type Refresher interface {
	Refresh(ctx context.Context)
}

// Notifier is told when the batch is blocked on the user.
type Notifier interface {
	SetError(text string)
}

type cycle struct {
	done    chan struct{}
	resumed bool
}

// Gate allows at most one pause cycle at a time. Workers that hit the limit
// while a cycle is open share its outcome instead of starting another.
type Gate struct {
	mu      sync.Mutex
	cur     *cycle
	cycles  int
	waiting int

	budget   Refresher
	resolver Resolver
	ui       Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(budget Refresher, resolver Resolver, ui Notifier, logger *zap.Logger, m *metrics.Metrics) *Gate {
	return &Gate{
		budget:   budget,
		resolver: resolver,
		ui:       ui,
		logger:   logger,
		metrics:  m,
	}
}

// Paused reports whether a cycle is open.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cur != nil
}

// Cycles returns how many cycles have been opened.
func (g *Gate) Cycles() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cycles
}

// Waiting returns how many callers are blocked on the open cycle.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting
}

// Wait blocks until the open cycle, if any, closes. It returns false when the
// cycle was abandoned or ctx ended first.
func (g *Gate) Wait(ctx context.Context) bool {
	g.mu.Lock()
	c := g.cur
	if c == nil {
		g.mu.Unlock()
		return true
	}
	return g.join(ctx, c)
}

// Trigger opens a cycle for docName, or joins the one already open.
func (g *Gate) Trigger(ctx context.Context, docName string) bool {
	g.mu.Lock()
	if c := g.cur; c != nil {
		return g.join(ctx, c)
	}
	c := &cycle{done: make(chan struct{})}
	g.cur = c
	g.cycles++
	g.mu.Unlock()

	start := time.Now()
	g.logger.Info("rate budget exhausted, pausing batch", zap.String("document", docName))

	g.budget.Refresh(ctx)
	g.ui.SetError(fmt.Sprintf("waiting for captcha: %s", docName))
	resumed := g.resolver.Show(ctx)
	g.budget.Refresh(ctx)

	g.mu.Lock()
	c.resumed = resumed
	g.cur = nil
	g.mu.Unlock()
	close(c.done)

	outcome := "resumed"
	if !resumed {
		outcome = "abandoned"
	}
	g.metrics.PauseCyclesTotal.WithLabelValues(outcome).Inc()
	g.metrics.PauseDuration.Observe(time.Since(start).Seconds())
	g.logger.Info("pause cycle finished",
		zap.String("outcome", outcome),
		zap.Duration("waited", time.Since(start)),
	)
	return resumed
}

// join must be called with g.mu held; it releases it.
func (g *Gate) join(ctx context.Context, c *cycle) bool {
	g.waiting++
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.waiting--
		g.mu.Unlock()
	}()

	select {
	case <-c.done:
		return c.resumed
	case <-ctx.Done():
		return false
	}
}
