// Package postprocess transforms a document's bytes before packaging.
// The transform itself is opaque: bytes in, cleaned bytes out.
package postprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Processor cleans documents of the kinds it applies to.
type Processor interface {
	Applies(kind string) bool
	Process(ctx context.Context, data []byte) ([]byte, error)
}

// Passthrough applies to nothing.
type Passthrough struct{}

func (Passthrough) Applies(string) bool { return false }

func (Passthrough) Process(_ context.Context, data []byte) ([]byte, error) { return data, nil }

// Command pipes a document through an external program's stdin and stdout.
type Command struct {
	Argv    []string
	Kinds   []string
	Timeout time.Duration
}

// NewCommand returns Passthrough when argv is empty.
func NewCommand(argv, kinds []string, timeout time.Duration) Processor {
	if len(argv) == 0 {
		return Passthrough{}
	}
	return &Command{Argv: argv, Kinds: kinds, Timeout: timeout}
}

// Applies matches the declared file kind exactly, ignoring case.
func (c *Command) Applies(kind string) bool {
	for _, k := range c.Kinds {
		if strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}

func (c *Command) Process(ctx context.Context, data []byte) ([]byte, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("post-process %s: %w: %s", c.Argv[0], err, msg)
		}
		return nil, fmt.Errorf("post-process %s: %w", c.Argv[0], err)
	}
	if stdout.Len() == 0 {
		return nil, errors.New("post-process " + c.Argv[0] + ": empty output")
	}
	return stdout.Bytes(), nil
}
