package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
	"github.com/shinji-kodama/sandboxpipe/internal/port"
	"github.com/shinji-kodama/sandboxpipe/internal/sandbox"
)

// execPollInterval is how often a finished exec is re-inspected while the
// daemon still reports it as running.
const execPollInterval = 50 * time.Millisecond

// Provider creates Docker-backed sandboxes.
type Provider struct {
	client    *Client
	allocator *port.Allocator
	logger    *slog.Logger
	now       func() time.Time
}

var _ sandbox.Provider = (*Provider)(nil)

// NewProvider returns a Provider that allocates host ports with a fresh
// allocator backed by the OS port scanner.
func NewProvider(c *Client, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{
		client:    c,
		allocator: port.NewAllocator(port.NewScanner()),
		logger:    logger,
		now:       time.Now,
	}
}

// Create pulls the image when missing, creates a labelled container that
// publishes every port in cfg.Ports, and starts it. If the container cannot
// be started it is removed before the error is returned.
func (p *Provider) Create(ctx context.Context, cfg model.SessionConfig) (sandbox.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	eng := p.client.inner

	if err := p.ensureImage(ctx, cfg.Image); err != nil {
		return nil, err
	}

	existing, err := ListManagedSandboxes(ctx, p.client)
	if err != nil {
		return nil, err
	}
	for _, s := range existing {
		if s.Name == cfg.Name {
			return nil, fmt.Errorf("sandbox %q already exists (remove it with 'sandboxpipe remove %s')", cfg.Name, cfg.Name)
		}
	}
	p.allocator.Reserve(reservedHostPorts(existing)...)

	bindings, err := p.allocator.Allocate(cfg.Ports)
	if err != nil {
		return nil, err
	}

	exposedPorts, portBindings := natPorts(bindings)
	initProcess := true

	resp, err := eng.ContainerCreate(ctx,
		&container.Config{
			Image:        cfg.Image,
			Cmd:          []string{"sleep", "infinity"},
			Env:          envList(cfg.Env),
			Labels:       BuildLabels(cfg, bindings, p.now()),
			ExposedPorts: exposedPorts,
		},
		&container.HostConfig{
			PortBindings: portBindings,
			Init:         &initProcess,
		},
		nil, nil, cfg.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox %q: %w", cfg.Name, err)
	}

	if err := eng.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// The caller never sees this container, so nobody else can remove it.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if rmErr := removeContainer(cleanupCtx, eng, resp.ID); rmErr != nil {
			p.logger.Warn("failed to remove unstarted sandbox", "sandbox", cfg.Name, "error", rmErr)
		}
		return nil, fmt.Errorf("failed to start sandbox %q: %w", cfg.Name, err)
	}

	p.logger.Debug("sandbox started",
		"sandbox", cfg.Name,
		"container", shortID(resp.ID),
		"image", cfg.Image,
		"ports", len(bindings),
	)

	return &Session{
		eng:        eng,
		id:         resp.ID,
		name:       cfg.Name,
		publicHost: publicHost(cfg.PublicHost),
		logger:     p.logger,
	}, nil
}

// ensureImage pulls ref unless the daemon already has it.
func (p *Provider) ensureImage(ctx context.Context, ref string) error {
	eng := p.client.inner
	_, err := eng.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %q: %w", ref, err)
	}

	p.logger.Info("pulling image", "image", ref)
	rc, err := eng.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", ref, err)
	}
	defer func() { _ = rc.Close() }()

	// The pull only completes once its progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %q: %w", ref, err)
	}
	return nil
}

// Session is a running sandbox container.
type Session struct {
	eng        engine
	id         string
	name       string
	publicHost string
	logger     *slog.Logger

	mu      sync.Mutex
	deleted bool
}

var _ sandbox.Session = (*Session)(nil)

// Name returns the sandbox name.
func (s *Session) Name() string { return s.name }

// ID returns the Docker container ID.
func (s *Session) ID() string { return s.id }

// Alive reports whether the session has not been deleted.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.deleted
}

// Exec runs req.Command through "sh -c" and streams stdout and stderr into
// the request's writers until the command exits or ctx is done. Cancelling
// ctx closes the attached stream; the remote process is left to die with
// the container.
func (s *Session) Exec(ctx context.Context, req sandbox.ExecRequest) (int, error) {
	if !s.Alive() {
		return -1, fmt.Errorf("%w: sandbox %s", model.ErrSessionUnavailable, s.name)
	}

	created, err := s.eng.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          []string{"sh", "-c", req.Command},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   req.WorkDir,
		Env:          envList(req.Env),
	})
	if err != nil {
		return -1, s.execError(err)
	}

	attached, err := s.eng.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, s.execError(err)
	}
	defer attached.Close()

	stdout, stderr := orDiscard(req.Stdout), orDiscard(req.Stderr)
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attached.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return -1, fmt.Errorf("reading output of exec in sandbox %s: %w", s.name, err)
		}
	case <-ctx.Done():
		// Unblock StdCopy and wait for it so no writes race the caller.
		attached.Close()
		<-copied
		return -1, ctx.Err()
	}

	return s.exitCode(ctx, created.ID)
}

// exitCode waits for the daemon to mark the exec finished and returns its
// exit code. The stream can reach EOF slightly before that happens.
func (s *Session) exitCode(ctx context.Context, execID string) (int, error) {
	for {
		inspect, err := s.eng.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, s.execError(err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}

		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

// execError maps a vanished container onto ErrSessionUnavailable.
func (s *Session) execError(err error) error {
	if cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
		return fmt.Errorf("%w: sandbox %s: %v", model.ErrSessionUnavailable, s.name, err)
	}
	return fmt.Errorf("exec in sandbox %s: %w", s.name, err)
}

// WriteFile creates the parent directory of filePath and uploads content as
// a single-entry tar archive.
func (s *Session) WriteFile(ctx context.Context, filePath string, content []byte) error {
	if !s.Alive() {
		return fmt.Errorf("%w: sandbox %s", model.ErrSessionUnavailable, s.name)
	}
	if !path.IsAbs(filePath) {
		return fmt.Errorf("write file: path %q must be absolute", filePath)
	}
	dir, base := path.Split(filePath)
	if base == "" {
		return fmt.Errorf("write file: path %q names a directory", filePath)
	}

	var stderr bytes.Buffer
	code, err := s.Exec(ctx, sandbox.ExecRequest{
		Command: "mkdir -p " + shellQuote(dir),
		Stderr:  &stderr,
	})
	if err != nil {
		return fmt.Errorf("write file %s: %w", filePath, err)
	}
	if code != 0 {
		return fmt.Errorf("write file %s: mkdir exited with %d: %s", filePath, code, strings.TrimSpace(stderr.String()))
	}

	archive, err := tarFile(base, content, time.Now())
	if err != nil {
		return fmt.Errorf("write file %s: %w", filePath, err)
	}
	if err := s.eng.CopyToContainer(ctx, s.id, dir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("write file %s: %w", filePath, s.execError(err))
	}
	return nil
}

// ExposePort resolves the host binding of a container port. Only ports
// declared in the session config at creation time are published.
func (s *Session) ExposePort(ctx context.Context, containerPort int) (model.ExposedPort, error) {
	if !s.Alive() {
		return model.ExposedPort{}, fmt.Errorf("%w: sandbox %s", model.ErrSessionUnavailable, s.name)
	}

	inspect, err := s.eng.ContainerInspect(ctx, s.id)
	if err != nil {
		return model.ExposedPort{}, fmt.Errorf("expose port %d: %w", containerPort, s.execError(err))
	}
	if inspect.ContainerJSONBase != nil && inspect.State != nil && !inspect.State.Running {
		return model.ExposedPort{}, fmt.Errorf("%w: sandbox %s is not running", model.ErrSessionUnavailable, s.name)
	}

	var ports nat.PortMap
	if inspect.NetworkSettings != nil {
		ports = inspect.NetworkSettings.Ports
	}
	hostPort, err := resolveBinding(ports, containerPort)
	if err != nil {
		return model.ExposedPort{}, fmt.Errorf("expose port %d in sandbox %s: %w", containerPort, s.name, err)
	}
	return exposed(s.publicHost, port.Binding{ContainerPort: containerPort, HostPort: hostPort}), nil
}

// LaunchProcess starts command detached in cwd and returns the exec ID.
// Its output goes nowhere; the process lives until the container is removed.
func (s *Session) LaunchProcess(ctx context.Context, command, cwd string) (string, error) {
	if !s.Alive() {
		return "", fmt.Errorf("%w: sandbox %s", model.ErrSessionUnavailable, s.name)
	}

	created, err := s.eng.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: cwd,
		Detach:     true,
	})
	if err != nil {
		return "", s.execError(err)
	}
	if err := s.eng.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return "", s.execError(err)
	}

	s.logger.Debug("process launched", "sandbox", s.name, "exec", shortID(created.ID))
	return created.ID, nil
}

// Delete force-removes the container and its volumes. Calling it again
// after a successful delete is a no-op.
func (s *Session) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return nil
	}
	if err := removeContainer(ctx, s.eng, s.id); err != nil {
		return err
	}
	s.deleted = true
	return nil
}

// natPorts converts allocator bindings into Docker's exposed-port set and
// port-binding map.
func natPorts(bindings []port.Binding) (nat.PortSet, nat.PortMap) {
	set := make(nat.PortSet, len(bindings))
	pm := make(nat.PortMap, len(bindings))
	for _, b := range bindings {
		p := nat.Port(fmt.Sprintf("%d/tcp", b.ContainerPort))
		set[p] = struct{}{}
		pm[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", b.HostPort)}}
	}
	return set, pm
}

// errPortNotPublished reports a port that was not declared at creation.
var errPortNotPublished = errors.New("port was not published when the sandbox was created")

// resolveBinding returns the host port bound to containerPort/tcp.
func resolveBinding(ports nat.PortMap, containerPort int) (int, error) {
	key := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	bindings := ports[key]
	for _, b := range bindings {
		if b.HostPort == "" {
			continue
		}
		hostPort, err := nat.ParsePort(b.HostPort)
		if err != nil {
			return 0, fmt.Errorf("invalid host port %q: %w", b.HostPort, err)
		}
		return hostPort, nil
	}
	return 0, errPortNotPublished
}

// tarFile builds an in-memory tar archive holding one regular file.
func tarFile(name string, content []byte, modTime time.Time) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: modTime,
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
