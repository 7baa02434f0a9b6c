// Package port maps Jenkins container ports to host ports.
//
// Two directions are covered. Before a workload container starts, the
// Allocator can pick free host ports for its exposed ports (run
// --publish-free); otherwise Docker assigns ephemeral ones. After it starts,
// Discover reads the published host port for a container port out of the
// inspect result so the readiness poller knows where to connect.
//
// Jenkins listens on two well-known ports: 8080 for HTTP and 50000 for the
// remoting/CLI agent protocol.
package port
