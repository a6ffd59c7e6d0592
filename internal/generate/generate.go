// Package generate drives the external code-generation tool that runs
// inside the session. The tool is an opaque command: it reads a prompt file
// and answers with free text on stdout.
package generate

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
	"github.com/shinji-kodama/sandboxpipe/internal/pipeline"
	"github.com/shinji-kodama/sandboxpipe/internal/runner"
	"github.com/shinji-kodama/sandboxpipe/internal/sandbox"
)

// DefaultPromptPath is where the prompt file is written in the session.
const DefaultPromptPath = "/tmp/sandboxpipe_prompt.txt"

// Request is one generation call.
type Request struct {
	// Prompt is the full prompt text.
	Prompt string

	// Index is the 1-based step index reported for the generation step.
	Index int
}

// Generator produces a free-text response for a prompt.
type Generator interface {
	Generate(ctx context.Context, sess sandbox.Session, req Request) (string, error)
}

// CommandGenerator writes the prompt into the session and runs a tool
// command that reads it, e.g. "copilot -sp /tmp/sandboxpipe_prompt.txt".
// Failures are reported as *model.StepFailedError carrying the tool's
// stderr.
type CommandGenerator struct {
	Pipeline *pipeline.Pipeline

	// Name labels the generation step in progress output.
	Name string

	// Command is a text/template rendered with {{.PromptPath}}.
	Command string

	// PromptPath defaults to DefaultPromptPath.
	PromptPath string

	Timeout time.Duration
	WorkDir string
	Env     map[string]string
	Stderr  runner.LineSink
}

var _ Generator = (*CommandGenerator)(nil)

// Generate writes req.Prompt to the prompt file and returns the tool's
// stdout.
func (g *CommandGenerator) Generate(ctx context.Context, sess sandbox.Session, req Request) (string, error) {
	promptPath := g.PromptPath
	if promptPath == "" {
		promptPath = DefaultPromptPath
	}
	name := g.Name
	if name == "" {
		name = "generate"
	}

	command, err := renderCommand(g.Command, promptPath)
	if err != nil {
		return "", &model.StepFailedError{Index: req.Index, Name: name, Err: err}
	}

	if sess == nil || !sess.Alive() {
		return "", &model.StepFailedError{Index: req.Index, Name: name, Err: model.ErrSessionUnavailable}
	}
	if err := sess.WriteFile(ctx, promptPath, []byte(req.Prompt)); err != nil {
		return "", &model.StepFailedError{
			Index: req.Index,
			Name:  name,
			Err:   fmt.Errorf("write prompt file: %w", err),
		}
	}

	// The response is consumed whole by the extractor, so stdout lines are
	// not streamed to the user.
	result := g.Pipeline.RunFrom(ctx, sess, req.Index-1, []pipeline.Step{{
		Name:    name,
		Command: command,
		Timeout: g.Timeout,
		WorkDir: g.WorkDir,
		Stderr:  g.Stderr,
	}})
	if err := result.Err(); err != nil {
		return "", err
	}
	out, _ := result.Output(name)
	return out, nil
}

func renderCommand(text, promptPath string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("generation command must not be empty")
	}
	tmpl, err := template.New("command").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse generation command: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ PromptPath string }{promptPath}); err != nil {
		return "", fmt.Errorf("render generation command: %w", err)
	}
	return buf.String(), nil
}

// PromptData is the data available to prompt templates.
type PromptData struct {
	// Source is the captured content of the file being transformed.
	Source string

	// SourcePath is the session path the source was read from.
	SourcePath string

	// Port is the port the generated service must listen on.
	Port int
}

// RenderPrompt executes a text/template prompt against data. Unknown
// fields are an error rather than an empty string.
func RenderPrompt(text string, data PromptData) (string, error) {
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt template: %w", err)
	}
	return buf.String(), nil
}
