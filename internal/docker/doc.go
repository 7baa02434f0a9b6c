// Package docker provides Docker Engine API wrappers for dockerit.
//
// This package handles:
//   - Docker client initialization for local sockets and remote tcp daemons
//     (with optional TLS client certificates)
//   - The API interface, the narrow slice of the Engine API the orchestrator
//     needs, satisfied by *client.Client and by the test backend
//   - Container and image helpers: list, find by name or label set, start,
//     stop, remove, image existence checks
//   - Decoding of the JSON message streams returned by build and pull
//   - Label management for workload containers
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
