package docker

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
	"github.com/shinji-kodama/sandboxpipe/internal/port"
)

// Label keys persist sandbox metadata on the container itself. There is no
// external state file: a sandbox orphaned by a killed process can be found
// and removed from its labels alone.
const (
	// LabelPrefix namespaces every sandboxpipe label.
	LabelPrefix = "sandbox."

	// LabelManagedBy identifies containers created by sandboxpipe.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelName stores the sandbox name.
	LabelName = LabelPrefix + "name"

	// LabelRunID stores the ID of the run that created the sandbox.
	LabelRunID = LabelPrefix + "run-id"

	// LabelImage stores the image reference the sandbox was created from.
	LabelImage = LabelPrefix + "image"

	// LabelPublicHost stores the host used in externally reachable addresses.
	LabelPublicHost = LabelPrefix + "public-host"

	// LabelCreatedAt stores the RFC3339 creation timestamp.
	LabelCreatedAt = LabelPrefix + "created-at"

	// LabelPortPrefix is the prefix of per-port labels:
	//   "sandbox.port.7860" = "49152"
	LabelPortPrefix = LabelPrefix + "port."
)

// ManagedByValue is the value of LabelManagedBy on every managed container.
const ManagedByValue = "sandboxpipe"

// defaultPublicHost is used when a session config names no public host.
const defaultPublicHost = "localhost"

// BuildLabels constructs the label map for a new sandbox container.
// Credentials in cfg.Env are never written to labels.
func BuildLabels(cfg model.SessionConfig, bindings []port.Binding, createdAt time.Time) map[string]string {
	labels := map[string]string{
		LabelManagedBy:  ManagedByValue,
		LabelName:       cfg.Name,
		LabelRunID:      cfg.RunID,
		LabelImage:      cfg.Image,
		LabelPublicHost: publicHost(cfg.PublicHost),
		LabelCreatedAt:  createdAt.UTC().Format(time.RFC3339),
	}
	for _, b := range bindings {
		labels[BuildPortLabel(b.ContainerPort)] = strconv.Itoa(b.HostPort)
	}
	return labels
}

// ParseLabels reconstructs sandbox metadata from container labels.
// ContainerID and Status are not stored in labels; the caller fills them
// from the container state.
func ParseLabels(labels map[string]string) (*model.SandboxInfo, error) {
	var missing []string
	for _, key := range []string{LabelManagedBy, LabelName, LabelCreatedAt} {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}

	bindings, err := ParsePortLabels(labels)
	if err != nil {
		return nil, fmt.Errorf("failed to parse port labels: %w", err)
	}

	host := publicHost(labels[LabelPublicHost])
	ports := make([]model.ExposedPort, 0, len(bindings))
	for _, b := range bindings {
		ports = append(ports, exposed(host, b))
	}

	return &model.SandboxInfo{
		Name:      labels[LabelName],
		RunID:     labels[LabelRunID],
		Image:     labels[LabelImage],
		Ports:     ports,
		CreatedAt: createdAt,
	}, nil
}

// BuildPortLabel returns the label key for a container port:
//
//	BuildPortLabel(7860) → "sandbox.port.7860"
func BuildPortLabel(containerPort int) string {
	return fmt.Sprintf("%s%d", LabelPortPrefix, containerPort)
}

// ParsePortLabels extracts the port bindings recorded in labels, sorted by
// container port. Returns an empty slice (not nil) when there are none.
func ParsePortLabels(labels map[string]string) ([]port.Binding, error) {
	bindings := make([]port.Binding, 0, 2)

	for key, value := range labels {
		if !strings.HasPrefix(key, LabelPortPrefix) {
			continue
		}

		containerPort, err := strconv.Atoi(strings.TrimPrefix(key, LabelPortPrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid container port in label key %q: %w", key, err)
		}
		hostPort, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid host port in label %q=%q: %w", key, value, err)
		}

		bindings = append(bindings, port.Binding{ContainerPort: containerPort, HostPort: hostPort})
	}

	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].ContainerPort < bindings[j].ContainerPort
	})
	return bindings, nil
}

// ManagedFilter returns the "label" filter value selecting managed
// containers, for use with filters.Arg("label", ...).
func ManagedFilter() string {
	return LabelManagedBy + "=" + ManagedByValue
}

func publicHost(host string) string {
	if host == "" {
		return defaultPublicHost
	}
	return host
}

func exposed(host string, b port.Binding) model.ExposedPort {
	return model.ExposedPort{
		Port:     b.ContainerPort,
		HostPort: b.HostPort,
		Address:  net.JoinHostPort(host, strconv.Itoa(b.HostPort)),
	}
}
