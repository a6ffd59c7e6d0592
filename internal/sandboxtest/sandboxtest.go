// Package sandboxtest provides an in-memory sandbox.Provider and
// sandbox.Session for tests. Commands are answered from scripted responses
// and every call is recorded so tests can assert call counts and order
// without a Docker daemon.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
	"github.com/shinji-kodama/sandboxpipe/internal/sandbox"
)

// Response is the scripted outcome of one Exec call.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// Err is returned from Exec after the output is written.
	Err error

	// Block makes Exec wait until its context is done, simulating a
	// command that never finishes.
	Block bool
}

// Launch records one LaunchProcess call.
type Launch struct {
	Command string
	Cwd     string
}

// Session is a scripted, recording sandbox.Session.
type Session struct {
	// Responses answers Exec calls by exact command text. Commands with no
	// entry succeed with empty output.
	Responses map[string]Response

	// Handler, when set, takes precedence over Responses.
	Handler func(req sandbox.ExecRequest) Response

	// HostPorts maps session ports to published host ports. Ports without an
	// entry fail in ExposePort.
	HostPorts map[int]int

	WriteErr  error
	LaunchErr error
	DeleteErr error

	mu          sync.Mutex
	name        string
	deleted     bool
	commands    []string
	files       map[string][]byte
	launches    []Launch
	deleteCalls int
}

var _ sandbox.Session = (*Session)(nil)

// NewSession creates a live fake session.
func NewSession(name string) *Session {
	return &Session{
		name:      name,
		Responses: make(map[string]Response),
		HostPorts: make(map[int]int),
		files:     make(map[string][]byte),
	}
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// Alive reports whether Delete has not been called successfully.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.deleted
}

// Exec records the command and replays its scripted response.
func (s *Session) Exec(ctx context.Context, req sandbox.ExecRequest) (int, error) {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return -1, model.ErrSessionUnavailable
	}
	s.commands = append(s.commands, req.Command)
	handler := s.Handler
	resp := s.Responses[req.Command]
	s.mu.Unlock()

	if handler != nil {
		resp = handler(req)
	}
	if resp.Block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	if req.Stdout != nil && resp.Stdout != "" {
		_, _ = io.WriteString(req.Stdout, resp.Stdout)
	}
	if req.Stderr != nil && resp.Stderr != "" {
		_, _ = io.WriteString(req.Stderr, resp.Stderr)
	}
	return resp.ExitCode, resp.Err
}

// WriteFile stores content in memory.
func (s *Session) WriteFile(_ context.Context, path string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return model.ErrSessionUnavailable
	}
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.files[path] = append([]byte(nil), content...)
	return nil
}

// ExposePort resolves the port from HostPorts.
func (s *Session) ExposePort(_ context.Context, port int) (model.ExposedPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return model.ExposedPort{}, model.ErrSessionUnavailable
	}
	hostPort, ok := s.HostPorts[port]
	if !ok {
		return model.ExposedPort{}, fmt.Errorf("port %d was not published", port)
	}
	return model.ExposedPort{
		Port:     port,
		HostPort: hostPort,
		Address:  fmt.Sprintf("127.0.0.1:%d", hostPort),
	}, nil
}

// LaunchProcess records the launch and returns a sequential identifier.
func (s *Session) LaunchProcess(_ context.Context, command, cwd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return "", model.ErrSessionUnavailable
	}
	if s.LaunchErr != nil {
		return "", s.LaunchErr
	}
	s.launches = append(s.launches, Launch{Command: command, Cwd: cwd})
	return fmt.Sprintf("proc-%d", len(s.launches)), nil
}

// Delete counts the call and marks the session dead unless DeleteErr is set.
func (s *Session) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.deleted = true
	return nil
}

// Commands returns the commands passed to Exec, in call order.
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// File returns the content written to path.
func (s *Session) File(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[path]
	return string(content), ok
}

// Launches returns the recorded LaunchProcess calls.
func (s *Session) Launches() []Launch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Launch(nil), s.launches...)
}

// DeleteCalls returns how many times Delete was called.
func (s *Session) DeleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteCalls
}

// Provider hands out a single pre-built Session.
type Provider struct {
	Session   *Session
	CreateErr error

	mu      sync.Mutex
	configs []model.SessionConfig
}

var _ sandbox.Provider = (*Provider)(nil)

// NewProvider returns a Provider serving session.
func NewProvider(session *Session) *Provider {
	return &Provider{Session: session}
}

// Create records cfg and returns the scripted session or CreateErr.
func (p *Provider) Create(_ context.Context, cfg model.SessionConfig) (sandbox.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	return p.Session, nil
}

// CreateCalls returns how many sessions were requested.
func (p *Provider) CreateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.configs)
}

// Configs returns the configurations passed to Create.
func (p *Provider) Configs() []model.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.SessionConfig(nil), p.configs...)
}
