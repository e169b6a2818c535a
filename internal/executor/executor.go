package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/rdpwatch/internal/logging"
)

var log = logging.L("executor")

const (
	// DefaultTimeout bounds a command when neither the caller's context nor
	// the executor carries a deadline.
	DefaultTimeout = 30 * time.Second

	// MaxOutputSize is the maximum size of stdout/stderr to capture
	MaxOutputSize = 4 * 1024 * 1024
)

var (
	ErrTimeout  = errors.New("executor: command timed out")
	ErrNotFound = errors.New("executor: command not found")
)

// Result is the captured outcome of one command.
type Result struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Runner runs an external utility and captures its output. The session and
// security log collectors depend on this interface so tests can feed them
// canned output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// Executor runs short-lived system utilities with a hard deadline, killing
// the whole process tree when the deadline passes.
type Executor struct {
	timeout time.Duration
	running atomic.Int32
}

// New creates an Executor. timeout <= 0 selects DefaultTimeout.
func New(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{timeout: timeout}
}

// Run executes name with args. A non-zero exit status is not an error: the
// exit code is reported in the Result because utilities such as quser exit
// non-zero when there is nothing to list. Errors are returned when the
// command cannot be started or exceeds its deadline.
func (e *Executor) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	result := &Result{Command: strings.TrimSpace(name + " " + strings.Join(args, " "))}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: MaxOutputSize}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	e.running.Add(1)
	defer e.running.Add(-1)

	start := time.Now()
	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err == nil {
		log.Debug("command completed", "command", result.Command, logging.KeyDurationMs, result.Duration.Milliseconds())
		return result, nil
	}

	if ctx.Err() != nil {
		result.ExitCode = -1
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("%w: %s after %s", ErrTimeout, name, result.Duration.Round(time.Millisecond))
		}
		return result, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		log.Debug("command exited non-zero", "command", result.Command, "exitCode", result.ExitCode)
		return result, nil
	}

	result.ExitCode = -1
	if errors.Is(err, exec.ErrNotFound) {
		return result, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return result, fmt.Errorf("run %s: %w", name, err)
}

// RunningCount returns the number of commands currently executing.
func (e *Executor) RunningCount() int {
	return int(e.running.Load())
}

// limitedWriter caps how much of a stream is kept.
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

// Write always reports len(p) so exec.Cmd keeps draining the pipe once the
// cap is reached; the excess is discarded.
func (w *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if w.written >= w.limit {
		return total, nil
	}
	if remaining := w.limit - w.written; len(p) > remaining {
		p = p[:remaining]
	}
	n, err := w.buf.Write(p)
	w.written += n
	if err != nil {
		return n, err
	}
	return total, nil
}
