package port

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/docker/go-connections/nat"
)

const (
	maxPort = 65535

	// dynamicRangeStart is the start of the IANA dynamic/private port range,
	// searched when the container port itself is taken on the host.
	dynamicRangeStart = 49152
	dynamicRangeEnd   = 65535
)

// Checker reports whether a host port is free.
//
// *Scanner implements it by binding the port. *Allocator implements it too,
// layering its own reservations on top of another Checker, which lets
// FindAvailablePort skip ports already handed out.
type Checker interface {
	IsPortAvailable(port int, protocol string) bool
}

// Allocator picks host ports for a container's exposed ports.
//
// It is not safe for concurrent use; one Allocator serves one batch of
// bindings on a single goroutine.
//
// Each container port is first tried on the same host port (8080 stays
// 8080), then the dynamic range is searched. Ports handed out earlier by the
// same Allocator are never reused, so a batch never collides with itself.
type Allocator struct {
	checker  Checker
	reserved map[string]bool
}

// NewAllocator returns an Allocator using checker for host availability.
func NewAllocator(checker Checker) *Allocator {
	return &Allocator{
		checker:  checker,
		reserved: make(map[string]bool),
	}
}

// Reserve marks a host port as taken, e.g. one published by a container
// that is currently stopped.
//
// Parameters:
//   - hostPort: the host port to exclude from later allocations
//   - protocol: "tcp" or "udp"; reservations are per protocol
func (a *Allocator) Reserve(hostPort int, protocol string) {
	a.reserved[reservationKey(hostPort, protocol)] = true
}

// Allocate returns one binding per exposed port. The result can be used as
// HostConfig.PortBindings directly.
//
// Ports are processed in ascending order so that the same input against the
// same host state always yields the same bindings.
//
// Returns an error naming the container port if no host port is left for it.
func (a *Allocator) Allocate(exposed nat.PortSet) (nat.PortMap, error) {
	bindings := make(nat.PortMap, len(exposed))
	for _, p := range sortedPorts(exposed) {
		hostPort, err := a.allocatePort(p.Int(), p.Proto())
		if err != nil {
			return nil, fmt.Errorf("failed to allocate host port for %s: %w", p, err)
		}
		bindings[p] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}
	return bindings, nil
}

// allocatePort tries the container port on the host first, then the first
// free port in the dynamic range. The chosen port is reserved.
func (a *Allocator) allocatePort(containerPort int, protocol string) (int, error) {
	if containerPort > 0 && containerPort <= maxPort && a.IsPortAvailable(containerPort, protocol) {
		a.Reserve(containerPort, protocol)
		return containerPort, nil
	}
	port, err := FindAvailablePort(a, dynamicRangeStart, dynamicRangeEnd, protocol)
	if err != nil {
		return 0, err
	}
	a.Reserve(port, protocol)
	return port, nil
}

// IsPortAvailable reports whether port is neither reserved by this
// Allocator nor in use on the host.
//
// Reservations are checked first so that the underlying checker, which may
// bind a socket, is only consulted for ports not yet handed out.
func (a *Allocator) IsPortAvailable(port int, protocol string) bool {
	if a.reserved[reservationKey(port, protocol)] {
		return false
	}
	return a.checker.IsPortAvailable(port, protocol)
}

// sortedPorts orders ports numerically, then by protocol, so allocation
// does not depend on map iteration order.
func sortedPorts(set nat.PortSet) []nat.Port {
	ports := make([]nat.Port, 0, len(set))
	for p := range set {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].Int() != ports[j].Int() {
			return ports[i].Int() < ports[j].Int()
		}
		return ports[i].Proto() < ports[j].Proto()
	})
	return ports
}

// reservationKey formats a port the way Docker does, e.g. "8080/tcp".
func reservationKey(port int, protocol string) string {
	return strconv.Itoa(port) + "/" + protocol
}
