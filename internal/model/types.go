package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SessionStatus represents the runtime state of a sandbox container as
// reported by the Docker daemon.
type SessionStatus string

const (
	// StatusRunning indicates the sandbox container is running and accepts
	// exec requests.
	StatusRunning SessionStatus = "running"

	// StatusStopped indicates the container exists but is not running.
	// A stopped sandbox cannot execute commands and is only good for removal.
	StatusStopped SessionStatus = "stopped"
)

// String returns the string representation of SessionStatus.
func (s SessionStatus) String() string {
	return string(s)
}

// IsValid checks whether the SessionStatus value is one of the
// predefined valid states.
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusRunning, StatusStopped:
		return true
	default:
		return false
	}
}

// ParseSessionStatus converts a string to a SessionStatus.
// Returns an error if the string does not match any valid status.
func ParseSessionStatus(s string) (SessionStatus, error) {
	status := SessionStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid session status: %q (valid: running, stopped)", s)
	}
	return status, nil
}

// SessionConfig describes the remote execution environment to allocate.
// It is consumed once by a sandbox provider when the Lifecycle Guard
// acquires the session.
type SessionConfig struct {
	// Name is the unique, human-readable sandbox name. It becomes the
	// Docker container name.
	Name string `json:"name"`

	// Image is the container image the sandbox runs.
	Image string `json:"image"`

	// Env holds environment variables set inside the sandbox. Credentials
	// forwarded to tools in the sandbox travel through here and must never
	// be logged in full.
	Env map[string]string `json:"-"`

	// Ports lists container ports that must be publishable later through
	// ExposePort. Docker can only publish ports at creation time.
	Ports []int `json:"ports,omitempty"`

	// PublicHost is the host name used to build externally reachable
	// addresses for exposed ports (e.g. "localhost").
	PublicHost string `json:"publicHost,omitempty"`

	// RunID correlates the sandbox with the run that created it.
	RunID string `json:"runId,omitempty"`
}

// nameRegex validates sandbox names: alphanumeric, dots, underscores and
// hyphens, starting with an alphanumeric character (Docker's own rule).
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidateName checks if the given name is a valid sandbox name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("sandbox name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid sandbox name %q: must start with an alphanumeric character and contain only alphanumerics, '.', '_' or '-'", name)
	}
	return nil
}

// Validate checks the session configuration before any remote resource is
// requested.
func (c *SessionConfig) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if strings.TrimSpace(c.Image) == "" {
		return fmt.Errorf("session %q: image must not be empty", c.Name)
	}
	seen := make(map[int]bool, len(c.Ports))
	for _, p := range c.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("session %q: port %d out of range (1-65535)", c.Name, p)
		}
		if seen[p] {
			return fmt.Errorf("session %q: port %d declared twice", c.Name, p)
		}
		seen[p] = true
	}
	return nil
}

// CommandResult is the outcome of one command executed inside a session.
// It is produced once per executed step and never mutated afterwards.
type CommandResult struct {
	// ExitCode is the command's exit status.
	ExitCode int `json:"exitCode"`

	// Stdout is the full accumulated standard output, even though every
	// line was also delivered to the stdout sink as it arrived.
	Stdout string `json:"stdout"`

	// Stderr is the full accumulated standard error.
	Stderr string `json:"stderr"`
}

// Succeeded reports whether the command exited with status zero.
func (r CommandResult) Succeeded() bool {
	return r.ExitCode == 0
}

// ExposedPort maps a port inside the session to an externally reachable
// address. It is valid for the lifetime of the session.
type ExposedPort struct {
	// Port is the port number inside the session.
	Port int `json:"port"`

	// HostPort is the port the service is published on outside the session.
	HostPort int `json:"hostPort"`

	// Address is the externally reachable "host:port" pair.
	Address string `json:"address"`
}

// URL returns the HTTP URL for the exposed address.
func (p ExposedPort) URL() string {
	return "http://" + p.Address
}

// String returns a human-readable representation of the exposed port.
// Format: "containerPort → address"
func (p ExposedPort) String() string {
	return fmt.Sprintf("%d → %s", p.Port, p.Address)
}

// LaunchedProcess identifies a detached process started inside a session.
// Its lifetime is bounded by the session: destroying the session
// terminates it implicitly.
type LaunchedProcess struct {
	ID          string `json:"id"`
	Command     string `json:"command"`
	WorkDir     string `json:"workDir"`
	SessionName string `json:"session"`
}

// ExtractionResult is either the extracted content or an explicit
// "not found" outcome. Found distinguishes an empty block from no block.
type ExtractionResult struct {
	Content string
	Found   bool
}

// SandboxInfo holds metadata about a sandbox container discovered on the
// Docker host. All fields except Status and ContainerID are reconstructed
// from container labels.
type SandboxInfo struct {
	// ContainerID is the Docker container identifier.
	ContainerID string `json:"containerId"`

	// Name is the sandbox name (the container name).
	Name string `json:"name"`

	// RunID is the run that created the sandbox.
	RunID string `json:"runId"`

	// Image is the image the sandbox was created from.
	Image string `json:"image"`

	// Status is derived from the Docker container state.
	Status SessionStatus `json:"status"`

	// Ports holds the published port mappings.
	Ports []ExposedPort `json:"ports,omitempty"`

	// CreatedAt is when the sandbox was created.
	CreatedAt time.Time `json:"createdAt"`
}

// MaskSecret returns a representation of a secret that is safe to log:
// at most the first four characters followed by a fixed mask. Short
// secrets are masked completely.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}
