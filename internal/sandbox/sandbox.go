// Package sandbox defines the contract of a Remote Session: one allocated,
// addressable remote execution environment supporting command execution,
// file writes, port exposure, and destruction.
//
// The pipeline, launcher and lifecycle packages consume these interfaces;
// internal/docker provides the production implementation and
// internal/sandboxtest an in-memory one for tests.
package sandbox

import (
	"context"
	"io"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
)

// ExecRequest describes one command to run inside a session.
// Stdout and Stderr receive the raw output streams as they are produced;
// either may be nil to discard that stream.
type ExecRequest struct {
	// Command is the shell command text, run with "sh -c".
	Command string

	// WorkDir is the working directory inside the session. Empty means the
	// session's default.
	WorkDir string

	// Env holds extra environment variables for this command only.
	Env map[string]string

	Stdout io.Writer
	Stderr io.Writer
}

// Session is one live remote execution environment. Only the Lifecycle
// Guard may call Delete; every other component treats the handle as
// execute-only.
//
// Every method except Name and Alive fails with model.ErrSessionUnavailable
// once the session has been deleted.
type Session interface {
	// Name returns the session's unique name.
	Name() string

	// Alive reports whether the session can still accept operations.
	Alive() bool

	// Exec runs a command to completion and returns its exit code. Output is
	// written to the request's writers while the command runs. Cancelling
	// ctx stops waiting for the command; the remote process may keep running.
	Exec(ctx context.Context, req ExecRequest) (int, error)

	// WriteFile writes content to path inside the session, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, path string, content []byte) error

	// ExposePort returns the externally reachable address for a port inside
	// the session.
	ExposePort(ctx context.Context, port int) (model.ExposedPort, error)

	// LaunchProcess starts command detached in cwd and returns a process
	// identifier without waiting for the process to exit.
	LaunchProcess(ctx context.Context, command, cwd string) (string, error)

	// Delete destroys the session. It is idempotent.
	Delete(ctx context.Context) error
}

// Provider allocates sessions.
type Provider interface {
	Create(ctx context.Context, cfg model.SessionConfig) (Session, error)
}
