package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/shinji-kodama/dockerit/internal/port"
	"github.com/shinji-kodama/dockerit/internal/readiness"
)

// Endpoint inspects a running container and returns where its Jenkins
// ports are published. The web port must be published; the CLI port is
// optional.
func (s *Session) Endpoint(ctx context.Context, id string) (readiness.Endpoint, error) {
	if s.client == nil {
		return readiness.Endpoint{}, ErrNotSetUp
	}
	info, err := s.client.API().ContainerInspect(ctx, id)
	if err != nil {
		return readiness.Endpoint{}, fmt.Errorf("failed to inspect container %q: %w", id, err)
	}
	if info.NetworkSettings == nil {
		return readiness.Endpoint{}, fmt.Errorf("%w: container %s has no network settings", port.ErrNoBinding, id)
	}
	ports := info.NetworkSettings.Ports

	httpPort, err := port.Discover(ports, port.JenkinsHTTP)
	if err != nil {
		return readiness.Endpoint{}, err
	}
	cliPort, err := port.Discover(ports, port.JenkinsCLI)
	if err != nil && !errors.Is(err, port.ErrNoBinding) {
		return readiness.Endpoint{}, err
	}

	host := s.cfg.Readiness.Host
	if host == "" {
		host = s.client.PublishedHost()
	}
	return readiness.Endpoint{Host: host, HTTPPort: httpPort, CLIPort: cliPort}, nil
}

// WaitReady blocks until Jenkins in container id answers, using the
// configured attempt count and interval.
func (s *Session) WaitReady(ctx context.Context, id string) (readiness.Endpoint, error) {
	ep, err := s.Endpoint(ctx, id)
	if err != nil {
		return readiness.Endpoint{}, err
	}
	if s.poller == nil {
		return ep, ErrNotSetUp
	}
	s.logger.Info("Waiting for Jenkins", "container", id, "url", ep.URL())
	if err := s.poller.Wait(ctx, ep); err != nil {
		return ep, err
	}
	return ep, nil
}
