package port

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/docker/go-connections/nat"
)

const (
	// JenkinsHTTP is the Jenkins web port inside the container.
	JenkinsHTTP nat.Port = "8080/tcp"

	// JenkinsCLI is the Jenkins remoting/CLI port inside the container.
	JenkinsCLI nat.Port = "50000/tcp"
)

// ErrNoBinding is returned when a container port is not published.
var ErrNoBinding = errors.New("container port is not published")

// JenkinsPorts returns the exposed port set of a Jenkins workload container.
func JenkinsPorts() nat.PortSet {
	return nat.PortSet{
		JenkinsHTTP: struct{}{},
		JenkinsCLI:  struct{}{},
	}
}

// Discover returns the first host port bound to containerPort in ports, as
// reported by container inspect.
func Discover(ports nat.PortMap, containerPort nat.Port) (int, error) {
	for _, b := range ports[containerPort] {
		if b.HostPort == "" {
			continue
		}
		hostPort, err := strconv.Atoi(b.HostPort)
		if err != nil {
			return 0, fmt.Errorf("invalid host port %q for %s: %w", b.HostPort, containerPort, err)
		}
		return hostPort, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNoBinding, containerPort)
}
