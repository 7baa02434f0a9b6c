package docker

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"

	"github.com/shinji-kodama/dockerit/internal/model"
)

// defaultPingTimeout is the maximum duration to wait for a Docker daemon
// response during a Ping operation. Remote daemons behind docker-machine
// VMs can take a few seconds to answer the first request.
const defaultPingTimeout = 5 * time.Second

// Options selects the Docker daemon to connect to.
type Options struct {
	// Host is a Docker connection string such as "unix:///var/run/docker.sock"
	// or "tcp://192.168.99.100:2376". Empty means DOCKER_HOST, then the
	// platform default socket.
	Host string

	// TLSVerify enables TLS client authentication for tcp hosts.
	TLSVerify bool

	// CertPath is the directory holding ca.pem, cert.pem and key.pem.
	// Empty falls back to DOCKER_CERT_PATH.
	CertPath string
}

// Client wraps the Docker Engine SDK client. It remembers which host it is
// connected to so that callers can reach ports published by containers.
//
// Usage:
//
//	c, err := docker.NewClient(docker.Options{})
//	if err != nil { /* handle */ }
//	defer c.Close()
//	if err := c.Ping(ctx); err != nil { /* Docker not running */ }
type Client struct {
	// api is the underlying Docker SDK client, held behind the API
	// interface so tests can substitute an in-memory backend.
	api API

	// host is the resolved Docker connection string.
	host string
}

// NewClient creates a new Docker client.
//
// The host is chosen in this order:
//  1. opts.Host
//  2. DOCKER_HOST environment variable
//  3. Platform-specific default socket paths:
//     - Linux: /var/run/docker.sock
//     - macOS: /var/run/docker.sock, then ~/.docker/run/docker.sock
//     - Windows: npipe:////./pipe/docker_engine
//
// Returns a model.CLIError with ExitDockerNotRunning if no Docker socket
// is found or the client cannot be created.
func NewClient(opts Options) (*Client, error) {
	host := opts.Host
	if host == "" {
		host = os.Getenv("DOCKER_HOST")
	}
	if host == "" {
		detected, err := detectDockerHost()
		if err != nil {
			return nil, model.WrapCLIError(
				model.ExitDockerNotRunning,
				"Docker socket not found",
				err,
			)
		}
		host = detected
	}

	clientOpts := []client.Opt{
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	}

	if opts.TLSVerify {
		certPath := opts.CertPath
		if certPath == "" {
			certPath = os.Getenv("DOCKER_CERT_PATH")
		}
		if certPath == "" {
			return nil, model.NewCLIError(
				model.ExitConfigError,
				"TLS verification requested but no certificate path configured",
			)
		}
		clientOpts = append(clientOpts, client.WithTLSClientConfig(
			filepath.Join(certPath, "ca.pem"),
			filepath.Join(certPath, "cert.pem"),
			filepath.Join(certPath, "key.pem"),
		))
	}

	c, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create Docker client for host %q", host),
			err,
		)
	}

	return &Client{api: c, host: host}, nil
}

// NewClientWithAPI wraps an existing API implementation. It is used by
// tests and by callers that already hold an SDK client.
func NewClientWithAPI(api API, host string) *Client {
	return &Client{api: api, host: host}
}

// detectDockerHost determines the Docker socket path for the current platform.
// It checks known socket paths and returns the first one that exists.
func detectDockerHost() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return detectUnixSocket([]string{
			"/var/run/docker.sock",
		})

	case "darwin":
		// Newer Docker Desktop versions may only create the socket under
		// the user's home directory.
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return detectUnixSocket([]string{
				"/var/run/docker.sock",
			})
		}
		return detectUnixSocket([]string{
			"/var/run/docker.sock",
			homeDir + "/.docker/run/docker.sock",
		})

	case "windows":
		// os.Stat does not work on Windows named pipes, so try a dial instead.
		pipePath := `//./pipe/docker_engine`
		conn, err := net.DialTimeout("pipe", pipePath, 1*time.Second)
		if err == nil {
			conn.Close()
			return "npipe://" + pipePath, nil
		}
		return "", fmt.Errorf("Docker named pipe not found at %s: %w", pipePath, err)

	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// detectUnixSocket checks a list of Unix socket paths and returns the
// Docker host URI for the first socket that exists on the filesystem.
//
// Parameters:
//   - paths: candidate socket paths, in order of preference
//
// Returns "unix://<path>" for the first match, or an error listing every
// path that was tried.
func detectUnixSocket(paths []string) (string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", fmt.Errorf(
		"Docker socket not found at any of: %v; is Docker running?",
		paths,
	)
}

// Ping verifies that the Docker daemon is reachable and responsive.
// It waits up to defaultPingTimeout for a response.
//
// Returns a model.CLIError with ExitDockerNotRunning if the daemon
// does not respond or returns an error.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	_, err := c.api.Ping(pingCtx)
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			"Docker daemon is not responding, is Docker running?",
			err,
		)
	}
	return nil
}

// Info returns daemon-wide information such as the server version and the
// number of containers.
//
// The session calls it once during setup, right after Ping, to make sure
// API calls beyond ping work with the negotiated API version.
//
// Returns a model.CLIError with ExitDockerNotRunning if the request fails.
func (c *Client) Info(ctx context.Context) (system.Info, error) {
	info, err := c.api.Info(ctx)
	if err != nil {
		return system.Info{}, model.WrapCLIError(
			model.ExitDockerNotRunning,
			"failed to query Docker daemon info",
			err,
		)
	}
	return info, nil
}

// Close releases all resources held by the Docker client, including idle
// HTTP connections to the daemon.
//
// Close is safe to call multiple times. A Client built by NewClientWithAPI
// with a nil API returns nil.
func (c *Client) Close() error {
	if c.api != nil {
		return c.api.Close()
	}
	return nil
}

// API returns the underlying Engine API.
//
// The orchestration packages (image, datavolume, session) take the API
// interface rather than *Client so that they can run against the in-memory
// backend in tests.
func (c *Client) API() API {
	return c.api
}

// Host returns the Docker connection string the client was created with.
func (c *Client) Host() string {
	return c.host
}

// PublishedHost returns the host name under which ports published by
// containers are reachable.
//
// For a remote tcp daemon (for example a docker-machine VM) this is the
// daemon's host; for local unix sockets and named pipes it is "localhost".
func (c *Client) PublishedHost() string {
	return PublishedHost(c.host)
}

// PublishedHost derives the address of published container ports from a
// Docker connection string.
//
// Parameters:
//   - dockerHost: a connection string such as "tcp://192.168.99.100:2376"
//     or "unix:///var/run/docker.sock"
//
// Returns the host part of tcp, http and https URLs. Anything else,
// including strings that do not parse as URLs, yields "localhost".
func PublishedHost(dockerHost string) string {
	u, err := url.Parse(dockerHost)
	if err != nil {
		return "localhost"
	}
	switch u.Scheme {
	case "tcp", "http", "https":
		if h := u.Hostname(); h != "" {
			return h
		}
	}
	return "localhost"
}
