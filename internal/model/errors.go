package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by every component that touches a session.
// Callers match them with errors.Is; they are wrapped, never compared
// by message.
var (
	// ErrSessionUnavailable is returned when an operation targets a session
	// that is not live (never created, already deleted, or its container
	// has stopped).
	ErrSessionUnavailable = errors.New("session unavailable")

	// ErrTimeout is returned when a command does not finish within its
	// timeout. The remote command is presumed orphaned.
	ErrTimeout = errors.New("command timed out")

	// ErrArtifactNotFound is returned when a generation response does not
	// contain a fenced block of the requested kind.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrConfigMissing is returned when required configuration (such as the
	// credential) is absent. It is raised before any session is allocated.
	ErrConfigMissing = errors.New("required configuration missing")
)

// maxStderrInError bounds how much captured stderr a StepFailedError
// renders, keeping terminal output readable for chatty commands.
const maxStderrInError = 2048

// StepFailedError reports the first failing step of a pipeline.
// Index is 1-based. Result holds whatever the step produced, including
// the partial output of a command the runner gave up on. Err is set when
// the runner itself failed (timeout, interrupt, session unavailable) and is
// exposed through Unwrap; Result.ExitCode is then -1. A nil Result means
// the step never reached the runner.
type StepFailedError struct {
	Index  int
	Name   string
	Result *CommandResult
	Err    error
}

// Error renders the failing step with its exit code and captured stderr,
// not just an exit code.
func (e *StepFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %d (%s) failed", e.Index, e.Name)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	} else if e.Result != nil {
		fmt.Fprintf(&b, ": exit code %d", e.Result.ExitCode)
	}
	if e.Result != nil {
		if stderr := tail(strings.TrimSpace(e.Result.Stderr), maxStderrInError); stderr != "" {
			fmt.Fprintf(&b, "\nstderr:\n%s", stderr)
		}
	}
	return b.String()
}

// Unwrap returns the runner failure, if any, so that
// errors.Is(err, ErrTimeout) holds for timed-out steps.
func (e *StepFailedError) Unwrap() error {
	return e.Err
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}

// ExitCode defines the CLI exit codes. Scripts and CI systems use them to
// tell a configuration problem from a failing step.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigMissing indicates required configuration (credential,
	// workflow file) was missing or invalid. Nothing was allocated.
	ExitConfigMissing ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 3

	// ExitStepFailed indicates a pipeline step failed.
	ExitStepFailed ExitCode = 4

	// ExitArtifactNotFound indicates the generation response held no
	// usable code block.
	ExitArtifactNotFound ExitCode = 5

	// ExitSandboxNotFound indicates the named sandbox does not exist.
	ExitSandboxNotFound ExitCode = 6

	// ExitUserCancelled indicates the user cancelled an interactive prompt
	// or interrupted a run before it became ready.
	ExitUserCancelled ExitCode = 7
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// ExitCodeFor maps an error from the taxonomy onto a process exit code.
// An explicit CLIError anywhere in the chain wins.
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}
	var stepErr *StepFailedError
	switch {
	case errors.Is(err, ErrConfigMissing):
		return ExitConfigMissing
	case errors.Is(err, ErrArtifactNotFound):
		return ExitArtifactNotFound
	case errors.Is(err, context.Canceled):
		// Checked before StepFailedError: an interrupted step is a
		// cancellation, not a failure of the step.
		return ExitUserCancelled
	case errors.As(err, &stepErr):
		return ExitStepFailed
	default:
		return ExitGeneralError
	}
}
