// Package pipeline implements the Step Pipeline: an ordered list of named
// steps executed one at a time inside a single session.
//
// The pipeline is strictly linear. It never runs two steps concurrently,
// never reorders them, never retries, and stops at the first failed step.
// Steps that already ran are not rolled back: their side effects in the
// session are assumed committed.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
	"github.com/shinji-kodama/sandboxpipe/internal/runner"
	"github.com/shinji-kodama/sandboxpipe/internal/sandbox"
)

// Step is one unit of work wrapping one remote command.
// Steps are immutable once constructed.
type Step struct {
	Name    string
	Command string

	// Timeout bounds the command. Zero means no timeout.
	Timeout time.Duration

	WorkDir string

	// Stdout and Stderr receive output lines as they are produced.
	Stdout runner.LineSink
	Stderr runner.LineSink
}

// Status tags a pipeline Result.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Outcome is the record of one executed step.
type Outcome struct {
	// Index is the 1-based position of the step.
	Index    int
	Name     string
	Result   model.CommandResult
	Duration time.Duration
}

// Result is the outcome of a pipeline run.
type Result struct {
	Status Status

	// Outcomes lists every executed step in order, including the failed one.
	Outcomes []Outcome

	// Failure is set when Status is StatusFailed.
	Failure *model.StepFailedError
}

// Err returns the failure as an error, or nil when the run completed.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// Output returns the captured stdout of the named step.
func (r Result) Output(name string) (string, bool) {
	for _, o := range r.Outcomes {
		if o.Name == name {
			return o.Result.Stdout, true
		}
	}
	return "", false
}

// CommandRunner runs one command in a session. *runner.Runner satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, sess sandbox.Session, cmd runner.Command) (model.CommandResult, error)
}

// Observer receives progress notifications. StepStarted is called before
// a step runs; StepCompleted after it, with the runner error if any.
type Observer interface {
	StepStarted(index int, step Step)
	StepCompleted(index int, step Step, result model.CommandResult, err error)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

func (NopObserver) StepStarted(int, Step) {}
func (NopObserver) StepCompleted(int, Step, model.CommandResult, error) {}

// Pipeline executes steps through a CommandRunner.
type Pipeline struct {
	Runner   CommandRunner
	Observer Observer
	Logger   *slog.Logger
}

// New creates a Pipeline. A nil observer or logger is replaced by a no-op.
func New(r CommandRunner, observer Observer, logger *slog.Logger) *Pipeline {
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{Runner: r, Observer: observer, Logger: logger}
}

// Run executes steps in order, numbering them from 1.
func (p *Pipeline) Run(ctx context.Context, sess sandbox.Session, steps []Step) Result {
	return p.RunFrom(ctx, sess, 0, steps)
}

// RunFrom executes steps numbering them from offset+1, so that several
// stages of one run report continuous step indices.
//
// A step fails when its exit code is non-zero or when the runner itself
// fails (timeout, session unavailable, cancellation). The first failure
// ends the run; later steps are never started.
func (p *Pipeline) RunFrom(ctx context.Context, sess sandbox.Session, offset int, steps []Step) Result {
	result := Result{
		Status:   StatusCompleted,
		Outcomes: make([]Outcome, 0, len(steps)),
	}

	for i, step := range steps {
		index := offset + i + 1

		// Cancellation between steps: the next step is reported as failed
		// without being started.
		if err := ctx.Err(); err != nil {
			return failed(result, &model.StepFailedError{Index: index, Name: step.Name, Err: err})
		}

		p.Observer.StepStarted(index, step)
		p.Logger.Debug("step starting", "index", index, "step", step.Name)

		started := time.Now()
		res, err := p.Runner.Run(ctx, sess, runner.Command{
			Text:    step.Command,
			Timeout: step.Timeout,
			WorkDir: step.WorkDir,
			Stdout:  step.Stdout,
			Stderr:  step.Stderr,
		})
		elapsed := time.Since(started)

		p.Observer.StepCompleted(index, step, res, err)
		result.Outcomes = append(result.Outcomes, Outcome{
			Index:    index,
			Name:     step.Name,
			Result:   res,
			Duration: elapsed,
		})

		if err != nil || !res.Succeeded() {
			resCopy := res
			p.Logger.Debug("step failed", "index", index, "step", step.Name, "exit", res.ExitCode, "err", err)
			return failed(result, &model.StepFailedError{
				Index:  index,
				Name:   step.Name,
				Result: &resCopy,
				Err:    err,
			})
		}
		p.Logger.Debug("step complete", "index", index, "step", step.Name, "duration", elapsed.Round(time.Millisecond))
	}

	return result
}

func failed(r Result, failure *model.StepFailedError) Result {
	r.Status = StatusFailed
	r.Failure = failure
	return r
}
