package port

import (
	"fmt"
)

const (
	// minUnprivilegedPort is the lowest host port the allocator hands out
	// as-is. Container ports below it (80, 443) are remapped so the CLI
	// never needs elevated privileges.
	minUnprivilegedPort = 1024

	// maxPort is the highest valid TCP/UDP port number (2^16 - 1).
	maxPort = 65535

	// dynamicRangeStart is the start of the IANA dynamic/private port range
	// used when the preferred host port is taken.
	dynamicRangeStart = 49152

	// dynamicRangeEnd is the end of the dynamic port range.
	dynamicRangeEnd = 65535
)

// Binding pairs a container port with the host port it is published on.
type Binding struct {
	ContainerPort int
	HostPort      int
}

// Availability reports whether a host port is free. *Scanner implements it.
type Availability interface {
	IsPortAvailable(port int, protocol string) bool
}

// Allocator chooses host ports for container ports. It never hands out a
// host port that is reserved by another sandbox or already assigned in the
// same batch.
type Allocator struct {
	scanner  Availability
	reserved map[int]bool
}

// NewAllocator creates a new Allocator, usually with NewScanner().
func NewAllocator(scanner Availability) *Allocator {
	return &Allocator{scanner: scanner, reserved: make(map[int]bool)}
}

// Reserve marks host ports as taken, typically the ports recorded on other
// managed sandboxes that may be stopped and not visible to the Scanner.
func (a *Allocator) Reserve(hostPorts ...int) {
	for _, p := range hostPorts {
		a.reserved[p] = true
	}
}

// Allocate returns one TCP binding per container port, in input order.
// Each container port keeps its own number on the host when that port is
// unprivileged and free; otherwise the first free port in the dynamic range
// is used.
func (a *Allocator) Allocate(containerPorts []int) ([]Binding, error) {
	bindings := make([]Binding, 0, len(containerPorts))

	for _, cp := range containerPorts {
		if cp < 1 || cp > maxPort {
			return nil, fmt.Errorf("container port %d out of range (1-%d)", cp, maxPort)
		}

		hostPort := cp
		if hostPort < minUnprivilegedPort || !a.isFree(hostPort) {
			fallback, err := a.findFree(dynamicRangeStart, dynamicRangeEnd)
			if err != nil {
				return nil, fmt.Errorf("failed to allocate host port for container port %d: %w", cp, err)
			}
			hostPort = fallback
		}

		// Register right away so later ports in the same batch see it.
		a.reserved[hostPort] = true
		bindings = append(bindings, Binding{ContainerPort: cp, HostPort: hostPort})
	}

	return bindings, nil
}

func (a *Allocator) isFree(port int) bool {
	return !a.reserved[port] && a.scanner.IsPortAvailable(port, "tcp")
}

// findFree scans [start, end] in order, skipping reserved ports.
func (a *Allocator) findFree(start, end int) (int, error) {
	for port := start; port <= end; port++ {
		if a.isFree(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available tcp port found in range %d-%d", start, end)
}
