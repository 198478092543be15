// Package renderer invokes the external render program. The program is a
// black box: it consumes a script materialized in its working directory and
// either writes a media file under its output subtree and exits 0, or exits
// non-zero with diagnostics on stderr.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// Runner executes a render in the given working directory. A deadline on ctx
// bounds the render; on expiry the process is killed and the returned error
// wraps context.DeadlineExceeded.
type Runner interface {
	Run(ctx context.Context, workdir string) error
}

// ExitError reports a render process that exited non-zero.
type ExitError struct {
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("renderer exited: %s", e.Stderr)
	}
	return fmt.Sprintf("renderer exited: %v", e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// CommandRunner runs a configured argv as a subprocess.
type CommandRunner struct {
	argv []string
}

func NewCommandRunner(argv []string) *CommandRunner {
	return &CommandRunner{argv: argv}
}

func (r *CommandRunner) Run(ctx context.Context, workdir string) error {
	if len(r.argv) == 0 {
		return fmt.Errorf("renderer: empty command")
	}

	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	cmd.Dir = workdir
	cmd.Stdout = io.Discard

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// Kill the whole process shortly after ctx expiry even if the renderer
	// holds stderr open.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("renderer killed: %w", context.DeadlineExceeded)
	}
	if ctx.Err() == context.Canceled {
		return fmt.Errorf("renderer canceled: %w", context.Canceled)
	}

	return &ExitError{Stderr: strings.TrimSpace(stderr.String()), Err: err}
}
