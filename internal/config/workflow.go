package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
)

// Defaults applied to fields a workflow file leaves empty.
const (
	DefaultImage         = "ubuntu:24.04"
	DefaultCredentialEnv = "GITHUB_TOKEN"
	DefaultArtifactKind  = "python"
	DefaultPublicHost    = "localhost"
	DefaultProbe         = "http"
	DefaultSourceStep    = "read source"
	DefaultGenerateStep  = "generate"
)

// Workflow is the full definition of one run.
type Workflow struct {
	Name       string         `json:"name" yaml:"name"`
	Session    SessionSpec    `json:"session" yaml:"session"`
	Steps      []StepSpec     `json:"steps" yaml:"steps"`
	Source     SourceSpec     `json:"source" yaml:"source"`
	Generation GenerationSpec `json:"generation" yaml:"generation"`
	Artifact   ArtifactSpec   `json:"artifact" yaml:"artifact"`
	Service    ServiceSpec    `json:"service" yaml:"service"`
}

// SessionSpec describes the sandbox to create.
type SessionSpec struct {
	// Name is the sandbox name. A short run ID is appended to keep
	// concurrent runs apart unless FixedName is set.
	Name      string `json:"name" yaml:"name"`
	FixedName bool   `json:"fixedName,omitempty" yaml:"fixedName,omitempty"`

	Image      string            `json:"image" yaml:"image"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	PublicHost string            `json:"publicHost,omitempty" yaml:"publicHost,omitempty"`

	// CredentialEnv names the variable the credential is exported as
	// inside the sandbox.
	CredentialEnv string `json:"credentialEnv,omitempty" yaml:"credentialEnv,omitempty"`
}

// StepSpec is one provisioning step.
type StepSpec struct {
	Name    string   `json:"name" yaml:"name"`
	Run     string   `json:"run" yaml:"run"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	WorkDir string   `json:"workDir,omitempty" yaml:"workDir,omitempty"`
}

// SourceSpec names the file whose content feeds the prompt.
type SourceSpec struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Path string `json:"path" yaml:"path"`
}

// GenerationSpec configures the code-generation tool.
type GenerationSpec struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Command runs the tool; {{.PromptPath}} expands to PromptPath.
	Command    string   `json:"command" yaml:"command"`
	PromptPath string   `json:"promptPath,omitempty" yaml:"promptPath,omitempty"`
	Timeout    Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Prompt is a text/template with {{.Source}}, {{.SourcePath}} and
	// {{.Port}}.
	Prompt string `json:"prompt" yaml:"prompt"`
}

// ArtifactSpec says which fenced block to extract and where to write it.
type ArtifactSpec struct {
	Kind string `json:"kind" yaml:"kind"`
	Path string `json:"path" yaml:"path"`
}

// ServiceSpec describes the long-running service launched at the end.
type ServiceSpec struct {
	Port    int    `json:"port" yaml:"port"`
	Command string `json:"command" yaml:"command"`
	WorkDir string `json:"workDir,omitempty" yaml:"workDir,omitempty"`

	// ReadyTimeout bounds the readiness probe. Zero uses the probe default.
	ReadyTimeout Duration `json:"readyTimeout,omitempty" yaml:"readyTimeout,omitempty"`

	// Probe is "http" (default) or "tcp".
	Probe string `json:"probe,omitempty" yaml:"probe,omitempty"`
}

// ApplyDefaults fills empty optional fields.
func (w *Workflow) ApplyDefaults() {
	if w.Session.Image == "" {
		w.Session.Image = DefaultImage
	}
	if w.Session.CredentialEnv == "" {
		w.Session.CredentialEnv = DefaultCredentialEnv
	}
	if w.Session.PublicHost == "" {
		w.Session.PublicHost = DefaultPublicHost
	}
	if w.Session.Name == "" {
		w.Session.Name = w.Name
	}
	if w.Source.Name == "" {
		w.Source.Name = DefaultSourceStep
	}
	if w.Generation.Name == "" {
		w.Generation.Name = DefaultGenerateStep
	}
	if w.Artifact.Kind == "" {
		w.Artifact.Kind = DefaultArtifactKind
	}
	if w.Service.Probe == "" {
		w.Service.Probe = DefaultProbe
	}
}

// ValidationError is a single invalid field in a workflow definition.
type ValidationError struct {
	// Field is the path of the offending field (e.g. "steps[2].run").
	Field string

	// Message describes what is wrong with it.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the workflow and returns every problem found, not just
// the first one.
func (w *Workflow) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if w.Session.Name == "" {
		add("session.name", "is required")
	} else if err := model.ValidateName(w.Session.Name); err != nil {
		add("session.name", "%v", err)
	}
	if strings.TrimSpace(w.Session.Image) == "" {
		add("session.image", "is required")
	}

	seen := make(map[string]bool)
	for i, s := range w.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if s.Name == "" {
			add(field+".name", "is required")
		} else if seen[s.Name] {
			add(field+".name", "duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Run) == "" {
			add(field+".run", "is required")
		}
	}
	for _, name := range []string{w.Source.Name, w.Generation.Name} {
		if seen[name] {
			add("steps", "step name %q is reserved for a later stage", name)
		}
	}

	if strings.TrimSpace(w.Source.Path) == "" {
		add("source.path", "is required")
	}
	if strings.TrimSpace(w.Generation.Command) == "" {
		add("generation.command", "is required")
	}
	if strings.TrimSpace(w.Generation.Prompt) == "" {
		add("generation.prompt", "is required")
	}
	if strings.TrimSpace(w.Artifact.Kind) == "" {
		add("artifact.kind", "is required")
	}
	if !strings.HasPrefix(w.Artifact.Path, "/") {
		add("artifact.path", "must be an absolute path inside the sandbox")
	}
	if w.Service.Port < 1 || w.Service.Port > 65535 {
		add("service.port", "must be between 1 and 65535, got %d", w.Service.Port)
	}
	if strings.TrimSpace(w.Service.Command) == "" {
		add("service.command", "is required")
	}
	if w.Service.Probe != "http" && w.Service.Probe != "tcp" {
		add("service.probe", "must be \"http\" or \"tcp\", got %q", w.Service.Probe)
	}
	return errs
}

// Err returns the Validate result as a single error wrapping
// model.ErrConfigMissing, or nil when the workflow is valid.
func (w *Workflow) Err() error {
	problems := w.Validate()
	if len(problems) == 0 {
		return nil
	}
	joined := make([]error, 0, len(problems))
	for i := range problems {
		joined = append(joined, &problems[i])
	}
	return fmt.Errorf("%w: invalid workflow %q:\n%w", model.ErrConfigMissing, w.Name, errors.Join(joined...))
}
