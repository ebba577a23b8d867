package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Console writes one line per update, prefixed with the batch name.
type Console struct {
	CancelSignal

	mu      sync.Mutex
	out     io.Writer
	prefix  string
	total   int
	removed bool
}

// NewConsole creates a console reporter. out defaults to os.Stderr.
func NewConsole(out io.Writer, batchName string) *Console {
	if out == nil {
		out = os.Stderr
	}
	return &Console{out: out, prefix: fmt.Sprintf("[%s]", batchName)}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return
	}
	fmt.Fprintf(c.out, "%s "+format+"\n", append([]any{c.prefix}, args...)...)
}

func (c *Console) SetStatus(text string) {
	c.printf("%s", text)
}

func (c *Console) SetTotal(n int) {
	c.mu.Lock()
	c.total = n
	c.mu.Unlock()
	c.printf("%d documents queued", n)
}

func (c *Console) SetProgress(done, total int) {
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	c.printf("progress %d/%d (%.0f%%)", done, total, pct)
}

func (c *Console) SetError(text string) {
	c.printf("ERROR: %s", text)
}

func (c *Console) Done(text string) {
	c.printf("done: %s", text)
}

// Remove stops all further output.
func (c *Console) Remove() {
	c.mu.Lock()
	c.removed = true
	c.mu.Unlock()
}
