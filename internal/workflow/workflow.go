// Package workflow wires the components into one run: acquire a sandbox,
// provision it, generate a new version of a file with an external tool,
// extract the code from the tool's answer, serve it, and hold the sandbox
// open until interrupted. The sandbox is destroyed exactly once however
// the run ends.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/shinji-kodama/sandboxpipe/internal/config"
	"github.com/shinji-kodama/sandboxpipe/internal/extract"
	"github.com/shinji-kodama/sandboxpipe/internal/generate"
	"github.com/shinji-kodama/sandboxpipe/internal/launcher"
	"github.com/shinji-kodama/sandboxpipe/internal/lifecycle"
	"github.com/shinji-kodama/sandboxpipe/internal/model"
	"github.com/shinji-kodama/sandboxpipe/internal/pipeline"
	"github.com/shinji-kodama/sandboxpipe/internal/port"
	"github.com/shinji-kodama/sandboxpipe/internal/runner"
	"github.com/shinji-kodama/sandboxpipe/internal/sandbox"
)

// errHoldReleased ends the held scope. It counts as an in-flight
// interrupt so a teardown failure is logged rather than returned.
var errHoldReleased = errors.New("hold released by interrupt")

// Report describes a run that reached the serving stage.
type Report struct {
	RunID        string                `json:"runId"`
	Sandbox      string                `json:"sandbox"`
	Steps        []pipeline.Outcome    `json:"-"`
	ArtifactPath string                `json:"artifactPath"`
	Process      model.LaunchedProcess `json:"process"`
	Exposed      model.ExposedPort     `json:"exposed"`
	URL          string                `json:"url"`
}

// Observer receives step progress and the final reachability report.
type Observer interface {
	pipeline.Observer

	// Stage announces a stage that is not a remote command (extraction,
	// upload, launch).
	Stage(name string)

	// Ready is called once the service answers, before the hold begins.
	Ready(report *Report)
}

// NopObserver ignores all notifications.
type NopObserver struct{ pipeline.NopObserver }

func (NopObserver) Stage(string) {}
func (NopObserver) Ready(*Report) {}

// Workflow is one configured run. Zero-value optional fields get working
// defaults in Run.
type Workflow struct {
	Config   *config.Config
	Provider sandbox.Provider

	// Runner executes remote commands; defaults to runner.New.
	Runner pipeline.CommandRunner

	// Generator defaults to a generate.CommandGenerator built from the
	// workflow's generation settings.
	Generator generate.Generator

	// Probe defaults to a port.Probe built from the service settings.
	Probe launcher.ReadinessProbe

	Observer Observer
	Logger   *slog.Logger

	// Stdout and Stderr receive every output line of every step.
	Stdout runner.LineSink
	Stderr runner.LineSink

	// RunID defaults to a random UUID.
	RunID string
}

// New creates a Workflow for cfg backed by provider.
func New(cfg *config.Config, provider sandbox.Provider, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Workflow{Config: cfg, Provider: provider, Logger: logger}
}

// Run executes the workflow. The configuration is validated before any
// sandbox is requested. With Config.HoldOpen the call blocks after the
// service is ready until ctx is cancelled, which then counts as success.
//
// The returned report is non-nil once the service was launched, even if a
// later stage failed.
func (w *Workflow) Run(ctx context.Context) (*Report, error) {
	if w.Config == nil {
		return nil, fmt.Errorf("%w: no configuration", model.ErrConfigMissing)
	}
	if err := w.Config.Validate(); err != nil {
		return nil, err
	}
	w.defaults()

	def := w.Config.Workflow
	report := &Report{RunID: w.RunID}
	sessCfg := w.sessionConfig()

	w.Logger.Info("starting run",
		"run", w.RunID,
		"workflow", def.Name,
		"sandbox", sessCfg.Name,
		"credential", model.MaskSecret(w.Config.Credential),
	)

	err := lifecycle.Scope(ctx, w.Provider, sessCfg, w.Logger, func(ctx context.Context, sess sandbox.Session) error {
		report.Sandbox = sess.Name()
		if err := w.execute(ctx, sess, report); err != nil {
			return err
		}
		w.Observer.Ready(report)

		if !w.Config.HoldOpen {
			return nil
		}
		w.Logger.Info("holding sandbox open until interrupted", "sandbox", sess.Name())
		<-ctx.Done()
		w.Logger.Info("interrupt received, terminating sandbox", "sandbox", sess.Name())
		return errHoldReleased
	})
	// Ending the hold is the normal way out of a held run.
	if errors.Is(err, errHoldReleased) {
		err = nil
	}

	if report.Process.ID == "" {
		return nil, err
	}
	return report, err
}

func (w *Workflow) defaults() {
	if w.Logger == nil {
		w.Logger = slog.New(slog.DiscardHandler)
	}
	if w.Observer == nil {
		w.Observer = NopObserver{}
	}
	if w.Runner == nil {
		w.Runner = runner.New(w.Logger)
	}
	if w.RunID == "" {
		w.RunID = uuid.NewString()
	}
	def := w.Config.Workflow
	if w.Generator == nil {
		w.Generator = &generate.CommandGenerator{
			Pipeline:   pipeline.New(w.Runner, w.Observer, w.Logger),
			Name:       def.Generation.Name,
			Command:    def.Generation.Command,
			PromptPath: def.Generation.PromptPath,
			Timeout:    def.Generation.Timeout.Std(),
			Stderr:     w.Stderr,
		}
	}
	if w.Probe == nil {
		probe := port.NewProbe()
		if def.Service.ReadyTimeout > 0 {
			probe.Timeout = def.Service.ReadyTimeout.Std()
		}
		probe.Mode = port.ProbeMode(def.Service.Probe)
		w.Probe = probe
	}
}

// sessionConfig derives the sandbox request. The credential travels only
// in Env, which is never logged or written to labels.
func (w *Workflow) sessionConfig() model.SessionConfig {
	spec := w.Config.Workflow.Session

	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	env[spec.CredentialEnv] = w.Config.Credential

	name := spec.Name
	if !spec.FixedName {
		name = fmt.Sprintf("%s-%s", name, shortRunID(w.RunID))
	}

	return model.SessionConfig{
		Name:       name,
		Image:      spec.Image,
		Env:        env,
		Ports:      []int{w.Config.Workflow.Service.Port},
		PublicHost: spec.PublicHost,
		RunID:      w.RunID,
	}
}

// execute runs every stage up to a ready service.
func (w *Workflow) execute(ctx context.Context, sess sandbox.Session, report *Report) error {
	def := w.Config.Workflow
	pipe := pipeline.New(w.Runner, w.Observer, w.Logger)

	// Provisioning.
	steps := make([]pipeline.Step, 0, len(def.Steps))
	for _, s := range def.Steps {
		steps = append(steps, pipeline.Step{
			Name:    s.Name,
			Command: s.Run,
			Timeout: s.Timeout.Std(),
			WorkDir: s.WorkDir,
			Stdout:  w.Stdout,
			Stderr:  w.Stderr,
		})
	}
	result := pipe.Run(ctx, sess, steps)
	report.Steps = append(report.Steps, result.Outcomes...)
	if err := result.Err(); err != nil {
		return err
	}
	index := len(steps)

	// Read the file the generation tool transforms.
	result = pipe.RunFrom(ctx, sess, index, []pipeline.Step{{
		Name:    def.Source.Name,
		Command: "cat " + shellQuote(def.Source.Path),
		Stdout:  w.Stdout,
		Stderr:  w.Stderr,
	}})
	report.Steps = append(report.Steps, result.Outcomes...)
	if err := result.Err(); err != nil {
		return err
	}
	index++
	source, _ := result.Output(def.Source.Name)

	// Generation.
	prompt, err := generate.RenderPrompt(def.Generation.Prompt, generate.PromptData{
		Source:     source,
		SourcePath: def.Source.Path,
		Port:       def.Service.Port,
	})
	if err != nil {
		return &model.StepFailedError{Index: index + 1, Name: def.Generation.Name, Err: err}
	}
	response, err := w.Generator.Generate(ctx, sess, generate.Request{Prompt: prompt, Index: index + 1})
	if err != nil {
		return err
	}
	w.Logger.Debug("generation response received", "bytes", len(response))

	// Extraction and upload.
	w.Observer.Stage("extract " + def.Artifact.Kind + " block")
	code, err := extract.Require(response, def.Artifact.Kind)
	if err != nil {
		w.Logger.Debug("generation response without artifact", "response", tail(response, 512))
		return err
	}
	if !strings.HasSuffix(code, "\n") {
		code += "\n"
	}
	w.Observer.Stage("write " + def.Artifact.Path)
	if err := sess.WriteFile(ctx, def.Artifact.Path, []byte(code)); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	report.ArtifactPath = def.Artifact.Path

	// Serve.
	w.Observer.Stage("launch service")
	l := launcher.New(w.Probe, w.Logger)
	exposed, err := l.ExposePort(ctx, sess, def.Service.Port)
	if err != nil {
		return err
	}
	proc, err := l.Launch(ctx, sess, def.Service.Command, def.Service.WorkDir)
	if err != nil {
		return err
	}
	report.Process = proc
	report.Exposed = exposed
	report.URL = exposed.URL()

	w.Observer.Stage("wait for " + exposed.Address)
	return l.WaitReady(ctx, exposed)
}

func shortRunID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
