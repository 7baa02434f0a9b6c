package readiness

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// JenkinsHeader is sent by every Jenkins HTTP response and carries the
	// version. A proxy or a half-started container answers without it.
	JenkinsHeader = "X-Jenkins"

	defaultHandshakeTimeout = 5 * time.Second
)

// HTTPHandshaker checks that Jenkins answers its root page and, when the
// endpoint names a CLI port, that the remoting port accepts connections.
type HTTPHandshaker struct {
	// Client performs the request. Nil uses a client with a 5s timeout.
	Client *http.Client

	// DialTimeout bounds the remoting port dial. Zero uses 5s.
	DialTimeout time.Duration
}

// Handshake implements Handshaker.
func (h *HTTPHandshaker) Handshake(ctx context.Context, ep Endpoint) error {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHandshakeTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL()+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to build handshake request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("handshake request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("handshake returned %s", resp.Status)
	}
	if resp.Header.Get(JenkinsHeader) == "" {
		return fmt.Errorf("handshake response lacks %s header (status %s)", JenkinsHeader, resp.Status)
	}

	if ep.CLIPort == 0 {
		return nil
	}
	timeout := h.DialTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.CLIAddress())
	if err != nil {
		return fmt.Errorf("remoting port not reachable: %w", err)
	}
	return conn.Close()
}
