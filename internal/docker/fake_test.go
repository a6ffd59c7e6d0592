package docker

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// execScript is the scripted outcome of one exec.
type execScript struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Block keeps the attached stream open until it is closed.
	Block bool
}

type fakeContainer struct {
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
	running    bool
}

type fakeExec struct {
	containerID string
	options     container.ExecOptions
	script      execScript
	started     bool
}

type copyCall struct {
	ContainerID string
	Dir         string
	Files       map[string]string
}

// fakeEngine is an in-memory Docker daemon.
type fakeEngine struct {
	mu sync.Mutex

	images     map[string]bool
	pulled     []string
	containers map[string]*fakeContainer
	execs      map[string]*fakeExec
	nextID     int

	summaries []container.Summary
	removed   []string
	copies    []copyCall

	// Handler scripts exec output by command; nil means exit 0, no output.
	Handler func(cmd []string) execScript

	PingErr   error
	CreateErr error
	StartErr  error
	RemoveErr error
}

var _ engine = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		images:     make(map[string]bool),
		containers: make(map[string]*fakeContainer),
		execs:      make(map[string]*fakeExec),
	}
}

func (f *fakeEngine) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%063d", prefix, f.nextID)
}

func (f *fakeEngine) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, f.PingErr
}

func (f *fakeEngine) ImageInspect(_ context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return image.InspectResponse{}, fmt.Errorf("no such image %s: %w", ref, cerrdefs.ErrNotFound)
	}
	return image.InspectResponse{ID: ref}, nil
}

func (f *fakeEngine) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.images[ref] = true
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeEngine) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return container.CreateResponse{}, f.CreateErr
	}
	id := f.id("c")
	f.containers[id] = &fakeContainer{name: name, config: cfg, hostConfig: hc}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeEngine) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	c.running = true
	return nil
}

func (f *fakeEngine) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			Name:  "/" + c.name,
			State: &container.State{Running: c.running},
		},
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{Ports: c.hostConfig.PortBindings},
		},
	}, nil
}

func (f *fakeEngine) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]container.Summary(nil), f.summaries...), nil
}

func (f *fakeEngine) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	if !opts.Force || !opts.RemoveVolumes {
		return errors.New("fake engine expects forced removal with volumes")
	}
	f.removed = append(f.removed, id)
	if _, ok := f.containers[id]; !ok {
		return fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeEngine) ContainerExecCreate(_ context.Context, id string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return container.ExecCreateResponse{}, fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	if !c.running {
		return container.ExecCreateResponse{}, fmt.Errorf("container %s is not running: %w", id, cerrdefs.ErrConflict)
	}
	var script execScript
	if f.Handler != nil {
		script = f.Handler(opts.Cmd)
	}
	execID := f.id("e")
	f.execs[execID] = &fakeExec{containerID: id, options: opts, script: script}
	return container.ExecCreateResponse{ID: execID}, nil
}

func (f *fakeEngine) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	e, ok := f.execs[execID]
	if ok {
		e.started = true
	}
	f.mu.Unlock()
	if !ok {
		return types.HijackedResponse{}, fmt.Errorf("no such exec %s: %w", execID, cerrdefs.ErrNotFound)
	}

	local, remote := net.Pipe()
	if e.script.Block {
		// Reads fail once the caller closes the connection.
		return types.HijackedResponse{Conn: local, Reader: bufio.NewReader(local)}, nil
	}
	_ = remote.Close()

	var buf bytes.Buffer
	if e.script.Stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(e.script.Stdout))
	}
	if e.script.Stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(e.script.Stderr))
	}
	return types.HijackedResponse{Conn: local, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeEngine) ContainerExecStart(_ context.Context, execID string, _ container.ExecStartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[execID]
	if !ok {
		return fmt.Errorf("no such exec %s: %w", execID, cerrdefs.ErrNotFound)
	}
	e.started = true
	return nil
}

func (f *fakeEngine) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[execID]
	if !ok {
		return container.ExecInspect{}, fmt.Errorf("no such exec %s: %w", execID, cerrdefs.ErrNotFound)
	}
	return container.ExecInspect{ExecID: execID, ContainerID: e.containerID, ExitCode: e.script.ExitCode}, nil
}

func (f *fakeEngine) CopyToContainer(_ context.Context, id, dir string, content io.Reader, _ container.CopyToContainerOptions) error {
	files := make(map[string]string)
	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		files[hdr.Name] = string(data)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	f.copies = append(f.copies, copyCall{ContainerID: id, Dir: dir, Files: files})
	return nil
}

func (f *fakeEngine) Close() error { return nil }

// execOptions returns the options of every exec created so far, in order.
func (f *fakeEngine) execOptions() []container.ExecOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]container.ExecOptions, 0, len(f.execs))
	for i := 1; i <= f.nextID; i++ {
		id := fmt.Sprintf("e%063d", i)
		if e, ok := f.execs[id]; ok {
			out = append(out, e.options)
		}
	}
	return out
}
