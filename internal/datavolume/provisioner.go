// Package datavolume keeps the long-lived Jenkins data container alive.
//
// The data container is created from the data image and never runs; its
// only purpose is to own the image's VOLUME so workload containers can mount
// it with volumes-from. Ensure walks a fixed sequence of states:
//
//	DETECT        find a container named exactly "/"+name
//	REFRESH       on request, force remove it (and its volumes)
//	ENSURE-IMAGE  build the data image if absent; on refresh, remove it first
//	CREATE        create the container with a no-op command
//	VERIFY        inspect the chosen container
//
// Two provisioners sharing a daemon and a container name race on CREATE.
package datavolume

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/container"

	"github.com/shinji-kodama/dockerit/internal/docker"
	"github.com/shinji-kodama/dockerit/internal/image"
	"github.com/shinji-kodama/dockerit/internal/logging"
	"github.com/shinji-kodama/dockerit/internal/model"
)

const (
	// DefaultImage is the data image reference.
	DefaultImage = "kostyasha/jenkins-data:sometest"

	// DefaultContainerName is the well-known data container name.
	DefaultContainerName = "jenkins_data"

	// NoopCommand is the data container command. The container is never
	// started, so the command only has to be valid.
	NoopCommand = "/bin/true"
)

// ErrInvariant signals an internal logic error: a state that must have
// produced a container ID did not.
var ErrInvariant = errors.New("data volume provisioner invariant violated")

// ImageBuilder builds the data image.
type ImageBuilder interface {
	Build(ctx context.Context, files map[string]string, target string) (model.ImageRef, error)
}

// Options configures a Provisioner.
type Options struct {
	// Image is the data image "repo:tag".
	Image string

	// ContainerName is the data container name, without the "/" prefix.
	ContainerName string

	// PluginsDir holds the plugin archives embedded into a new data image.
	PluginsDir string

	// Logger receives progress messages. Nil discards them.
	Logger *log.Logger
}

// Provisioner ensures the data container exists.
type Provisioner struct {
	api     docker.API
	builder ImageBuilder
	opts    Options
	logger  *log.Logger
}

// NewProvisioner returns a Provisioner using api for container operations
// and builder for the data image.
func NewProvisioner(api docker.API, builder ImageBuilder, opts Options) *Provisioner {
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.ContainerName == "" {
		opts.ContainerName = DefaultContainerName
	}
	return &Provisioner{
		api:     api,
		builder: builder,
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger),
	}
}

// Detect reports the ID of the data container, if one exists. Stopped
// containers count.
func (p *Provisioner) Detect(ctx context.Context) (string, bool, error) {
	containers, err := docker.ListContainers(ctx, p.api)
	if err != nil {
		return "", false, err
	}
	id, found := docker.FindContainerByName(containers, p.opts.ContainerName)
	return id, found, nil
}

// Ensure returns the ID of the data container, creating it (and building
// the data image) when needed. With refresh, an existing container and
// image are removed and rebuilt.
//
// Backend errors are returned unchanged apart from wrapping.
func (p *Provisioner) Ensure(ctx context.Context, refresh bool) (string, error) {
	// DETECT
	id, exists, err := p.Detect(ctx)
	if err != nil {
		return "", err
	}

	// REFRESH
	if exists && refresh {
		p.logger.Info("Removing data container", "name", p.opts.ContainerName, "id", id)
		if _, err := docker.RemoveContainerIfExists(ctx, p.api, id, true, true); err != nil {
			return "", err
		}
		id, exists = "", false
	}

	// ENSURE-IMAGE
	if err := p.ensureImage(ctx, refresh); err != nil {
		return "", err
	}

	// CREATE
	if !exists {
		id, err = p.create(ctx)
		if err != nil {
			return "", err
		}
	}

	// VERIFY
	if id == "" {
		return "", fmt.Errorf("%w: no data container id after create", ErrInvariant)
	}
	if _, err := p.api.ContainerInspect(ctx, id); err != nil {
		return "", fmt.Errorf("failed to inspect data container %q: %w", id, err)
	}
	return id, nil
}

func (p *Provisioner) ensureImage(ctx context.Context, refresh bool) error {
	present, err := docker.ImageExists(ctx, p.api, p.opts.Image)
	if err != nil {
		return err
	}
	if present && refresh {
		p.logger.Info("Removing data image", "image", p.opts.Image)
		if err := docker.RemoveImageIfExists(ctx, p.api, p.opts.Image); err != nil {
			return err
		}
		present = false
	}
	if present {
		return nil
	}

	files, err := image.CollectPlugins(p.opts.PluginsDir)
	if err != nil {
		return err
	}
	_, err = p.builder.Build(ctx, files, p.opts.Image)
	return err
}

func (p *Provisioner) create(ctx context.Context) (string, error) {
	resp, err := p.api.ContainerCreate(ctx, &container.Config{
		Image: p.opts.Image,
		Cmd:   []string{NoopCommand},
	}, nil, nil, nil, p.opts.ContainerName)
	if err != nil {
		return "", fmt.Errorf("failed to create data container %q: %w", p.opts.ContainerName, err)
	}
	for _, w := range resp.Warnings {
		p.logger.Warn("Data container warning", "warning", w)
	}
	p.logger.Info("Created data container", "name", p.opts.ContainerName, "id", resp.ID)
	return resp.ID, nil
}
