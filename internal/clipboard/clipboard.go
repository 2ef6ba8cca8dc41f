package clipboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

var ErrUnavailable = errors.New("no clipboard command available")

const copyTimeout = 4 * time.Second

// tool is an external clipboard writer. Detached tools (xclip) keep running
// to serve the selection, so they are started and released instead of waited on.
type tool struct {
	name     string
	args     []string
	detached bool
}

// Copier writes text to the desktop clipboard through whichever helper
// binary is installed.
type Copier struct {
	goos     string
	lookPath func(string) (string, error)
}

func New() *Copier {
	return &Copier{goos: runtime.GOOS, lookPath: exec.LookPath}
}

// CopyText copies value using the default Copier.
func CopyText(ctx context.Context, value string) error {
	return New().Copy(ctx, value)
}

func (c *Copier) Copy(ctx context.Context, value string) error {
	t, err := c.detect()
	if err != nil {
		return err
	}
	if t.detached {
		return startDetached(t, value)
	}

	ctx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.name, t.args...)
	cmd.Stdin = strings.NewReader(value)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("copy to clipboard timed out: %w", ctx.Err())
		}
		return fmt.Errorf("copy to clipboard with %s: %w", t.name, err)
	}
	return nil
}

func (c *Copier) detect() (tool, error) {
	candidates := []tool{
		{name: "wl-copy"},
		{name: "xclip", args: []string{"-selection", "clipboard", "-in", "-silent"}, detached: true},
		{name: "xsel", args: []string{"--clipboard", "--input"}},
	}
	if c.goos == "darwin" {
		candidates = []tool{{name: "pbcopy"}}
	}

	for _, t := range candidates {
		if _, err := c.lookPath(t.name); err == nil {
			return t, nil
		}
	}
	return tool{}, ErrUnavailable
}

func startDetached(t tool, value string) error {
	cmd := exec.Command(t.name, t.args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open clipboard stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start %s: %w", t.name, err)
	}

	_, writeErr := io.WriteString(stdin, value)
	closeErr := stdin.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("write clipboard data: %w", err)
	}

	return cmd.Process.Release()
}
