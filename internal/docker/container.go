package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
)

// ListManagedSandboxes returns every container carrying the
// "sandbox.managed-by=sandboxpipe" label, including stopped ones, sorted by
// name. Containers with unreadable labels are skipped.
func ListManagedSandboxes(ctx context.Context, cli *Client) ([]model.SandboxInfo, error) {
	// Docker filters server-side, so unrelated containers never cross
	// the wire.
	containers, err := cli.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedFilter())),
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker containers", err)
	}

	result := make([]model.SandboxInfo, 0, len(containers))
	for _, c := range containers {
		info, err := summaryToInfo(c)
		if err != nil {
			continue
		}
		result = append(result, *info)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// summaryToInfo converts a Docker container summary to SandboxInfo.
func summaryToInfo(c container.Summary) (*model.SandboxInfo, error) {
	info, err := ParseLabels(c.Labels)
	if err != nil {
		return nil, err
	}
	info.ContainerID = c.ID
	info.Status = statusFromState(string(c.State))
	if info.Name == "" && len(c.Names) > 0 {
		// Docker reports names with a leading "/".
		info.Name = strings.TrimPrefix(c.Names[0], "/")
	}
	return info, nil
}

// statusFromState maps a Docker container state ("running", "exited",
// "created", ...) onto a SessionStatus.
func statusFromState(state string) model.SessionStatus {
	if state == "running" {
		return model.StatusRunning
	}
	return model.StatusStopped
}

// FindSandbox returns the managed sandbox with the given name.
// Returns a CLIError with ExitSandboxNotFound when there is none.
func FindSandbox(ctx context.Context, cli *Client, name string) (*model.SandboxInfo, error) {
	sandboxes, err := ListManagedSandboxes(ctx, cli)
	if err != nil {
		return nil, err
	}
	for i := range sandboxes {
		if sandboxes[i].Name == name {
			return &sandboxes[i], nil
		}
	}
	return nil, model.NewCLIError(model.ExitSandboxNotFound, fmt.Sprintf("sandbox %q not found", name))
}

// RemoveSandbox force-removes a sandbox container together with its
// anonymous volumes. A container that is already gone counts as removed.
// Without force, a running sandbox is refused.
func RemoveSandbox(ctx context.Context, cli *Client, info model.SandboxInfo, force bool) error {
	if !force && info.Status == model.StatusRunning {
		return model.NewCLIError(
			model.ExitGeneralError,
			fmt.Sprintf("sandbox %q is running; use --force to remove it", info.Name),
		)
	}
	return removeContainer(ctx, cli.inner, info.ContainerID)
}

// removeContainer is shared by RemoveSandbox and Session.Delete.
func removeContainer(ctx context.Context, eng engine, containerID string) error {
	err := eng.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to remove container %q", containerID),
			err,
		)
	}
	return nil
}

// reservedHostPorts collects the host ports recorded on other sandboxes.
// Stopped sandboxes hold no socket, yet their ports come back on restart.
func reservedHostPorts(sandboxes []model.SandboxInfo) []int {
	var ports []int
	for _, s := range sandboxes {
		for _, p := range s.Ports {
			ports = append(ports, p.HostPort)
		}
	}
	return ports
}
