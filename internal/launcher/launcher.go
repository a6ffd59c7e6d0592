// Package launcher implements the Process Launcher: exposing a session
// port and starting a detached long-running service inside the session.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
	"github.com/shinji-kodama/sandboxpipe/internal/sandbox"
)

// ReadinessProbe waits until a "host:port" address answers.
// *port.Probe satisfies it.
type ReadinessProbe interface {
	WaitReady(ctx context.Context, address string) error
}

// Launcher starts services inside sessions.
type Launcher struct {
	// Probe is consulted by WaitReady. Nil skips the readiness check.
	Probe  ReadinessProbe
	Logger *slog.Logger
}

// New creates a Launcher.
func New(probe ReadinessProbe, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Launcher{Probe: probe, Logger: logger}
}

// ExposePort makes port reachable from outside the session and returns the
// external address.
func (l *Launcher) ExposePort(ctx context.Context, sess sandbox.Session, port int) (model.ExposedPort, error) {
	if sess == nil || !sess.Alive() {
		return model.ExposedPort{}, model.ErrSessionUnavailable
	}
	if port < 1 || port > 65535 {
		return model.ExposedPort{}, fmt.Errorf("expose port: %d out of range (1-65535)", port)
	}

	exposed, err := sess.ExposePort(ctx, port)
	if err != nil {
		return model.ExposedPort{}, fmt.Errorf("expose port %d: %w", port, err)
	}
	l.Logger.Debug("port exposed", "session", sess.Name(), "port", port, "address", exposed.Address)
	return exposed, nil
}

// Launch starts command detached in workDir and returns immediately. The
// process lives until the session is destroyed; it is never awaited.
func (l *Launcher) Launch(ctx context.Context, sess sandbox.Session, command, workDir string) (model.LaunchedProcess, error) {
	if strings.TrimSpace(command) == "" {
		return model.LaunchedProcess{}, errors.New("launch: command must not be empty")
	}
	if sess == nil || !sess.Alive() {
		return model.LaunchedProcess{}, model.ErrSessionUnavailable
	}

	id, err := sess.LaunchProcess(ctx, command, workDir)
	if err != nil {
		return model.LaunchedProcess{}, fmt.Errorf("launch %q: %w", command, err)
	}

	l.Logger.Debug("process launched", "session", sess.Name(), "id", id)
	return model.LaunchedProcess{
		ID:          id,
		Command:     command,
		WorkDir:     workDir,
		SessionName: sess.Name(),
	}, nil
}

// WaitReady blocks until the service behind exposed answers. Launch alone
// never implies the port is bound.
func (l *Launcher) WaitReady(ctx context.Context, exposed model.ExposedPort) error {
	if l.Probe == nil {
		l.Logger.Warn("no readiness probe configured; service readiness is not verified", "address", exposed.Address)
		return nil
	}
	if err := l.Probe.WaitReady(ctx, exposed.Address); err != nil {
		return fmt.Errorf("service on port %d: %w", exposed.Port, err)
	}
	l.Logger.Debug("service ready", "address", exposed.Address)
	return nil
}
