package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
)

// Config is everything a run needs, built once by the CLI and passed to
// the workflow. Nothing below the CLI reads the process environment.
type Config struct {
	// Credential is forwarded into the sandbox. It is never logged in full.
	Credential string

	// CredentialSource names where Credential came from, for diagnostics.
	CredentialSource string

	Workflow *Workflow

	// HoldOpen keeps the sandbox alive after the service is ready until
	// the run is interrupted.
	HoldOpen bool

	// DockerHost overrides Docker socket detection when set.
	DockerHost string

	Verbose bool
	JSON    bool
}

// Validate checks that the run can start. It is called before any sandbox
// is requested, so a failure here allocates nothing.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Credential) == "" {
		source := c.CredentialSource
		if source == "" {
			source = DefaultCredentialEnv
		}
		return fmt.Errorf("%w: credential is not set (export %s)", model.ErrConfigMissing, source)
	}
	if c.Workflow == nil {
		return fmt.Errorf("%w: no workflow definition", model.ErrConfigMissing)
	}
	return c.Workflow.Err()
}

// LogValue implements slog.LogValuer so a logged Config never shows the
// full credential.
func (c *Config) LogValue() slog.Value {
	name := ""
	if c.Workflow != nil {
		name = c.Workflow.Name
	}
	return slog.GroupValue(
		slog.String("credential", model.MaskSecret(c.Credential)),
		slog.String("workflow", name),
		slog.Bool("holdOpen", c.HoldOpen),
	)
}

// CredentialFromEnv looks up the credential variable. Only the CLI calls it.
func CredentialFromEnv(name string) string {
	if name == "" {
		name = DefaultCredentialEnv
	}
	return os.Getenv(name)
}

// Load reads a workflow file. The format is chosen by extension:
// .json/.jsonc (comments and trailing commas allowed) or .yaml/.yml.
// Defaults are applied; validation is left to the caller.
//
// Returns a CLIError with ExitConfigMissing if the file does not exist.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(
				model.ExitConfigMissing,
				fmt.Sprintf("workflow file not found: %s", path),
				err,
			)
		}
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	w, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse workflow file %s: %w", path, err)
	}
	if w.Name == "" {
		w.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if w.Session.Name == "" {
			w.Session.Name = w.Name
		}
	}
	return w, nil
}

// Parse decodes a workflow document. ext selects the format and includes
// the leading dot.
func Parse(data []byte, ext string) (*Workflow, error) {
	var w Workflow
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		// encoding/json ignores unknown fields, so files may carry
		// editor metadata.
		if err := json.Unmarshal(jsonc.ToJSON(data), &w); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &w); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported workflow format %q (use .json, .jsonc, .yaml or .yml)", ext)
	}
	w.ApplyDefaults()
	return &w, nil
}

// Marshal renders a workflow in the format selected by ext, used by
// "sandboxpipe validate --print" to show the effective definition.
func Marshal(w *Workflow, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		return json.MarshalIndent(w, "", "  ")
	case ".yaml", ".yml":
		return yaml.Marshal(w)
	default:
		return nil, fmt.Errorf("unsupported workflow format %q", ext)
	}
}
