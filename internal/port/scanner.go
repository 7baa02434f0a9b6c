package port

import (
	"fmt"
	"net"
)

// Scanner checks whether specific ports are free on the host machine.
//
// It uses the operating system's network stack (net.Listen /
// net.ListenPacket) to decide whether a port is free. Asking the OS
// directly avoids parsing /proc/net/* or shelling out to `lsof` or `ss`,
// which may need elevated permissions.
//
// The struct is stateless. It is a struct rather than bare functions so that
// it satisfies the Checker interface and can be swapped for a fake in
// Allocator tests.
type Scanner struct{}

// NewScanner creates a new Scanner instance.
func NewScanner() *Scanner {
	return &Scanner{}
}

// IsPortAvailable checks whether a single port is free on the host machine.
//
// For TCP, it attempts net.Listen("tcp", ":port"). For UDP, it attempts
// net.ListenPacket("udp", ":port"). If the bind succeeds the port is free
// and the listener is closed again straight away.
//
// All interfaces (":port") are checked rather than loopback only, because
// Docker publishes on 0.0.0.0 unless told otherwise.
//
// Parameters:
//   - port: the port number to check (1-65535)
//   - protocol: "tcp" or "udp"
//
// Returns true if the port is free, false if it is in use or the protocol
// is unknown.
func (s *Scanner) IsPortAvailable(port int, protocol string) bool {
	addr := fmt.Sprintf(":%d", port)

	switch protocol {
	case "tcp":
		// Fails with "address already in use" when another process holds it.
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = listener.Close() }()
		return true

	case "udp":
		// UDP is connectionless, so ListenPacket replaces Listen.
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = conn.Close() }()
		return true

	default:
		// Docker publishes only tcp and udp here; anything else is unavailable.
		return false
	}
}

// FindAvailablePort scans [startPort, endPort] and returns the first port
// that checker reports as free.
//
// The scan is sequential so results are reproducible. The Allocator passes
// itself as checker so that ports it has already handed out are skipped.
//
// Parameters:
//   - checker: decides availability, usually a *Scanner or an *Allocator
//   - startPort, endPort: the inclusive range to scan
//   - protocol: "tcp" or "udp"
//
// Returns an error if every port in the range is taken.
func FindAvailablePort(checker Checker, startPort, endPort int, protocol string) (int, error) {
	for port := startPort; port <= endPort; port++ {
		if checker.IsPortAvailable(port, protocol) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available %s port found in range %d-%d", protocol, startPort, endPort)
}
