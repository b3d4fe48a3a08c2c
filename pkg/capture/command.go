package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
)

// CommandClipboard is a [ClipboardReader] that runs an external command
// (for example "wl-paste -n", "xclip -o -selection clipboard" or "pbpaste")
// and reports its standard output as the clipboard text.
//
// The last value read is cached so that changed is true only when the output
// differs from the previous poll.
type CommandClipboard struct {
	name string
	args []string

	mu   sync.Mutex
	last string
	seen bool
}

// NewCommandClipboard returns a CommandClipboard running argv. argv must
// contain at least the executable name.
func NewCommandClipboard(argv []string) (*CommandClipboard, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("capture: clipboard command is empty")
	}
	return &CommandClipboard{name: argv[0], args: append([]string(nil), argv[1:]...)}, nil
}

// PollClipboardText implements [ClipboardReader].
func (c *CommandClipboard) PollClipboardText(ctx context.Context) (bool, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return false, "", fmt.Errorf("capture: run %s: %w (stderr: %s)", c.name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	text := stdout.String()

	c.mu.Lock()
	defer c.mu.Unlock()
	changed := !c.seen || text != c.last
	c.last = text
	c.seen = true
	return changed, text, nil
}
