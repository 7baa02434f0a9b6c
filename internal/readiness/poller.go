// Package readiness waits for Jenkins inside a workload container to accept
// connections.
//
// The Poller retries a Handshaker at a constant interval up to a fixed
// number of attempts (10 x 5s by default). There is no exponential growth:
// Jenkins start-up time is roughly constant, and a predictable worst case
// keeps test timeouts easy to reason about.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/dockerit/internal/logging"
)

const (
	// DefaultAttempts is the number of handshakes tried before giving up.
	DefaultAttempts = 10

	// DefaultInterval is the pause between two failed handshakes.
	DefaultInterval = 5 * time.Second
)

// ErrNotReady is returned when every handshake attempt failed.
var ErrNotReady = errors.New("service did not become ready")

// Endpoint is where a Jenkins instance is reachable from the host.
type Endpoint struct {
	Host     string `json:"host"`
	HTTPPort int    `json:"http_port"`

	// CLIPort is the published remoting port, or 0 when unknown.
	CLIPort int `json:"cli_port,omitempty"`
}

// URL returns the base URL of the web endpoint, without a trailing slash.
func (e Endpoint) URL() string {
	return "http://" + net.JoinHostPort(e.Host, strconv.Itoa(e.HTTPPort))
}

// CLIAddress returns host:port of the remoting endpoint.
func (e Endpoint) CLIAddress() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.CLIPort))
}

// Handshaker performs one readiness check. It must fail while the service
// is still starting.
type Handshaker interface {
	Handshake(ctx context.Context, ep Endpoint) error
}

// HandshakeFunc adapts a function to Handshaker.
type HandshakeFunc func(ctx context.Context, ep Endpoint) error

// Handshake calls f.
func (f HandshakeFunc) Handshake(ctx context.Context, ep Endpoint) error {
	return f(ctx, ep)
}

// Poller repeats a handshake until it succeeds or attempts run out.
type Poller struct {
	// Attempts is the maximum number of handshakes. Values below 1 use
	// DefaultAttempts.
	Attempts int

	// Interval is the wait after each failed handshake. Non-positive values
	// use DefaultInterval.
	Interval time.Duration

	// Handshaker performs the check. Nil uses an HTTPHandshaker.
	Handshaker Handshaker

	// Logger receives one debug line per failed attempt. Nil discards.
	Logger *log.Logger

	// Timer drives the waits between attempts. Nil uses real time.
	Timer backoff.Timer
}

// Wait blocks until a handshake against ep succeeds. Attempt N succeeding
// means exactly N handshakes and N-1 waits of Interval. When every attempt
// fails the error wraps ErrNotReady and the last handshake error.
// Cancelling ctx aborts the wait with ctx's error.
func (p *Poller) Wait(ctx context.Context, ep Endpoint) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = DefaultAttempts
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	handshaker := p.Handshaker
	if handshaker == nil {
		handshaker = &HTTPHandshaker{}
	}
	logger := logging.OrDiscard(p.Logger)

	attempt := 0
	operation := func() error {
		attempt++
		return handshaker.Handshake(ctx, ep)
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("Jenkins not ready yet", "url", ep.URL(), "attempt", attempt, "of", attempts,
			"retry_in", next, "error", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(operation, policy, notify, p.Timer)
	if err == nil {
		logger.Info("Jenkins is ready", "url", ep.URL(), "attempts", attempt)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("waiting for %s: %w", ep.URL(), ctxErr)
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrNotReady, ep.URL(), attempt, err)
}
