package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
	"github.com/shinji-kodama/sandboxpipe/internal/pipeline"
	"github.com/shinji-kodama/sandboxpipe/internal/workflow"
)

// console renders run progress for a terminal. Progress and sandbox
// output go to progress; the final report goes to result. In JSON mode
// the two are different streams so stdout carries only the report.
type console struct {
	mu       sync.Mutex
	progress io.Writer
	result   io.Writer
	json     bool
	hold     bool
}

func newConsole(stdout, stderr io.Writer, asJSON, hold bool) *console {
	c := &console{progress: stdout, result: stdout, json: asJSON, hold: hold}
	if asJSON {
		c.progress = stderr
	}
	return c
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.progress, format, args...)
}

func (c *console) StepStarted(index int, step pipeline.Step) {
	c.printf("Step %d: %s...\n", index, step.Name)
}

func (c *console) StepCompleted(index int, step pipeline.Step, result model.CommandResult, err error) {
	switch {
	case err != nil:
		c.printf("✗ Step %d (%s): %v\n", index, step.Name, err)
	case !result.Succeeded():
		c.printf("✗ Step %d (%s) exited with code %d\n", index, step.Name, result.ExitCode)
	default:
		c.printf("✓ %s\n", step.Name)
	}
}

func (c *console) Stage(name string) {
	c.printf("→ %s\n", name)
}

func (c *console) Ready(report *workflow.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.json {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(c.result, string(data))
		return
	}
	fmt.Fprintf(c.result, "\n✓ Service ready at %s\n", report.URL)
	fmt.Fprintf(c.result, "  Sandbox: %s\n", report.Sandbox)
	fmt.Fprintf(c.result, "  Port:    %s\n", report.Exposed)
	fmt.Fprintf(c.result, "  Command: %s\n", report.Process.Command)
	if c.hold {
		fmt.Fprintln(c.result, "\nPress Ctrl+C to terminate and destroy the sandbox.")
	}
}

// stdoutLine and stderrLine are the runner.LineSink for every step.
func (c *console) stdoutLine(line string) {
	c.printf("  [sandbox] %s\n", line)
}

func (c *console) stderrLine(line string) {
	c.printf("  [sandbox:err] %s\n", line)
}
