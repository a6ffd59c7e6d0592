// Package runner implements the Streaming Command Runner: it runs one shell
// command inside a session, forwards every line of stdout and stderr to
// caller-supplied sinks as it arrives, and returns a model.CommandResult
// with the exit code and the full text of both streams.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
	"github.com/shinji-kodama/sandboxpipe/internal/sandbox"
)

// Command is one command to run. Zero Timeout means no timeout.
type Command struct {
	Text    string
	Timeout time.Duration
	WorkDir string
	Env     map[string]string

	// Stdout and Stderr are called once per completed line, FIFO within
	// each stream. No ordering holds between the two streams.
	Stdout LineSink
	Stderr LineSink
}

// Runner executes commands in a session.
type Runner struct {
	Logger *slog.Logger
}

// New creates a Runner. A nil logger discards log output.
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{Logger: logger}
}

// Run executes cmd inside sess and blocks until it completes, times out,
// or ctx is cancelled.
//
// Errors:
//   - model.ErrSessionUnavailable when the session is not live
//   - model.ErrTimeout when cmd.Timeout elapses; the remote command is
//     presumed orphaned
//   - context.Canceled when ctx is cancelled by the caller
//
// The returned result is populated with whatever output was captured even
// when an error is returned.
func (r *Runner) Run(ctx context.Context, sess sandbox.Session, cmd Command) (model.CommandResult, error) {
	if strings.TrimSpace(cmd.Text) == "" {
		return model.CommandResult{}, errors.New("runner: command must not be empty")
	}
	if sess == nil || !sess.Alive() {
		return model.CommandResult{ExitCode: -1}, model.ErrSessionUnavailable
	}

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	stdout := newLineWriter(cmd.Stdout)
	stderr := newLineWriter(cmd.Stderr)

	started := time.Now()
	exitCode, err := sess.Exec(runCtx, sandbox.ExecRequest{
		Command: cmd.Text,
		WorkDir: cmd.WorkDir,
		Env:     cmd.Env,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	stdout.Flush()
	stderr.Flush()

	result := model.CommandResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if err != nil {
		result.ExitCode = -1
		switch {
		case errors.Is(err, model.ErrSessionUnavailable):
			return result, err
		case ctx.Err() != nil:
			return result, ctx.Err()
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			r.Logger.Warn("command timed out",
				"session", sess.Name(), "timeout", cmd.Timeout, "command", firstLine(cmd.Text))
			return result, fmt.Errorf("%w after %s", model.ErrTimeout, cmd.Timeout)
		default:
			return result, fmt.Errorf("exec in session %s: %w", sess.Name(), err)
		}
	}

	r.Logger.Debug("command finished",
		"session", sess.Name(),
		"exit", exitCode,
		"duration", time.Since(started).Round(time.Millisecond),
		"command", firstLine(cmd.Text),
	)
	return result, nil
}

// firstLine shortens multi-line scripts for log output.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
