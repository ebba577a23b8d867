// Package progress defines the reporting surface a batch talks to and
// the cancel signal it observes.
package progress

import (
	"sync"
)

// UI receives batch status and exposes the user's cancel signal.
type UI interface {
	SetStatus(text string)
	SetTotal(n int)
	SetProgress(done, total int)
	SetError(text string)
	Done(text string)
	IsCancelled() bool
	// OnCancel registers fn to run once when the batch is cancelled. If the
	// batch is already cancelled fn runs immediately.
	OnCancel(fn func())
	Remove()
}

// CancelSignal is a one-shot cancel flag with callbacks.
type CancelSignal struct {
	mu        sync.Mutex
	cancelled bool
	callbacks []func()
}

// Cancel raises the flag and runs registered callbacks. Later calls are no-ops.
func (c *CancelSignal) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	cbs := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()

	for _, fn := range cbs {
		fn()
	}
}

func (c *CancelSignal) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *CancelSignal) OnCancel(fn func()) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		fn()
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}
