// Package session orchestrates one integration-test run against Docker.
//
// A Session owns the Docker client and the set of workload containers it
// provisioned. Callers bracket their work with Setup and Teardown:
//
//	s := session.New(cfg, session.WithLogger(logger))
//	if err := s.Setup(ctx); err != nil { ... }
//	defer s.Teardown(context.Background())
//	id, err := s.RunFresh(ctx, spec, model.PullIfAbsent, false)
//	ep, err := s.WaitReady(ctx, id)
//
// Teardown removes exactly the containers RunFresh created, nothing else.
// The data container outlives sessions and is never removed by Teardown.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/dockerit/internal/config"
	"github.com/shinji-kodama/dockerit/internal/datavolume"
	"github.com/shinji-kodama/dockerit/internal/docker"
	"github.com/shinji-kodama/dockerit/internal/image"
	"github.com/shinji-kodama/dockerit/internal/logging"
	"github.com/shinji-kodama/dockerit/internal/model"
	"github.com/shinji-kodama/dockerit/internal/readiness"
)

// ErrNotSetUp is returned by operations called before Setup.
var ErrNotSetUp = errors.New("session is not set up")

// Session is a scoped orchestration run. It is not safe for concurrent use.
type Session struct {
	cfg    *config.Config
	logger *log.Logger

	client      *docker.Client
	builder     *image.Builder
	provisioner *datavolume.Provisioner
	poller      *readiness.Poller

	provisioned []string
}

// Option customises a Session.
type Option func(*Session)

// WithLogger sets the logger used by the session and its components.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClient makes Setup use c instead of connecting on its own.
func WithClient(c *docker.Client) Option {
	return func(s *Session) { s.client = c }
}

// WithPoller replaces the readiness poller built from the configuration.
func WithPoller(p *readiness.Poller) Option {
	return func(s *Session) { s.poller = p }
}

// New returns a Session for cfg. Nothing is contacted until Setup.
func New(cfg *config.Config, opts ...Option) *Session {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Session{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

// Setup connects to the Docker daemon, checks that it answers and wires the
// image builder, the data volume provisioner and the readiness poller.
func (s *Session) Setup(ctx context.Context) error {
	if s.client == nil {
		c, err := docker.NewClient(docker.Options{
			Host:      s.cfg.Docker.Host,
			TLSVerify: s.cfg.Docker.TLSVerify,
			CertPath:  s.cfg.Docker.CertPath,
		})
		if err != nil {
			return err
		}
		s.client = c
	}

	if err := s.client.Ping(ctx); err != nil {
		return err
	}
	info, err := s.client.Info(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug("Connected to Docker", "host", s.client.Host(), "server_version", info.ServerVersion,
		"os", info.OperatingSystem, "containers", info.Containers)

	s.builder = image.NewBuilder(s.client.API(), image.BuilderOptions{
		BuildDir:   s.cfg.BuildDir(),
		HomePath:   s.cfg.Build.HomePath,
		Maintainer: s.cfg.Build.Maintainer,
		Logger:     s.logger,
	})
	s.provisioner = datavolume.NewProvisioner(s.client.API(), s.builder, datavolume.Options{
		Image:         s.cfg.Data.Image,
		ContainerName: s.cfg.Data.Container,
		PluginsDir:    s.cfg.PluginsDir(),
		Logger:        s.logger,
	})
	if s.poller == nil {
		s.poller = &readiness.Poller{
			Attempts: s.cfg.Readiness.Attempts,
			Interval: s.cfg.Readiness.Interval,
			Logger:   s.logger,
		}
	}
	return nil
}

// Teardown removes every provisioned container (forced, with its anonymous
// volumes) unless cleanup is disabled, then closes the client. Removal
// continues past failures; all errors are returned joined. Containers that
// are already gone are not an error.
func (s *Session) Teardown(ctx context.Context) error {
	if s.client == nil {
		return nil
	}

	var errs []error
	if s.cfg.Cleanup {
		remaining := s.provisioned[:0]
		for _, id := range s.provisioned {
			removed, err := docker.RemoveContainerIfExists(ctx, s.client.API(), id, true, true)
			if err != nil {
				errs = append(errs, err)
				remaining = append(remaining, id)
				continue
			}
			if removed {
				s.logger.Info("Removed container", "id", id)
			}
		}
		s.provisioned = remaining
	} else if len(s.provisioned) > 0 {
		s.logger.Info("Cleanup disabled, leaving containers", "ids", s.provisioned)
	}

	if err := s.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close Docker client: %w", err))
	}
	return errors.Join(errs...)
}

// Provisioned returns the IDs of workload containers created by this
// session and not yet removed, in creation order.
func (s *Session) Provisioned() []string {
	return append([]string(nil), s.provisioned...)
}

// Client returns the Docker client, or nil before Setup.
func (s *Session) Client() *docker.Client {
	return s.client
}

// Config returns the session configuration.
func (s *Session) Config() *config.Config {
	return s.cfg
}

// DataContainer ensures the data container exists and returns its ID.
func (s *Session) DataContainer(ctx context.Context, refresh bool) (string, error) {
	if s.provisioner == nil {
		return "", ErrNotSetUp
	}
	return s.provisioner.Ensure(ctx, refresh)
}

// BuildDataImage rebuilds the data image from the plugins directory,
// replacing any image with the same tag.
func (s *Session) BuildDataImage(ctx context.Context) (model.ImageRef, error) {
	if s.builder == nil {
		return model.ImageRef{}, ErrNotSetUp
	}
	files, err := image.CollectPlugins(s.cfg.PluginsDir())
	if err != nil {
		return model.ImageRef{}, err
	}
	return s.builder.Build(ctx, files, s.cfg.Data.Image)
}

// BuildDataImageIfChanged rebuilds the data image only when the plugin
// hashes differ from the labels of the current image. It reports whether a
// build ran; when none did, the returned ref describes the current image.
func (s *Session) BuildDataImageIfChanged(ctx context.Context) (model.ImageRef, bool, error) {
	if s.builder == nil {
		return model.ImageRef{}, false, ErrNotSetUp
	}
	files, err := image.CollectPlugins(s.cfg.PluginsDir())
	if err != nil {
		return model.ImageRef{}, false, err
	}
	manifest, err := s.builder.Manifest(files)
	if err != nil {
		return model.ImageRef{}, false, err
	}

	info, err := s.client.API().ImageInspect(ctx, s.cfg.Data.Image)
	switch {
	case err == nil:
		var labels map[string]string
		if info.Config != nil {
			labels = info.Config.Labels
		}
		current := model.ImageRefFromLabels(s.cfg.Data.Image, info.ID, labels)
		if current.MatchesContent(manifest.Labels) {
			s.logger.Info("Data image up to date", "image", s.cfg.Data.Image, "id", info.ID)
			return current, false, nil
		}
	case !docker.IsNotFound(err):
		return model.ImageRef{}, false, fmt.Errorf("failed to inspect data image %s: %w", s.cfg.Data.Image, err)
	}

	ref, err := s.builder.Build(ctx, files, s.cfg.Data.Image)
	if err != nil {
		return model.ImageRef{}, false, err
	}
	return ref, true, nil
}

// Manifest renders the Dockerfile the next data image build would use.
// It needs no daemon.
func (s *Session) Manifest() (*image.Manifest, error) {
	files, err := image.CollectPlugins(s.cfg.PluginsDir())
	if err != nil {
		return nil, err
	}
	return image.GenerateManifest(files, image.ManifestOptions{
		Maintainer: s.cfg.Build.Maintainer,
		HomePath:   s.cfg.Build.HomePath,
	})
}
