// container.go implements the container and image operations shared by the
// data-volume provisioner, the session and the CLI. The functions take the
// API interface rather than *Client so they run unchanged against the
// in-memory backend used in tests.
//
// Errors from the daemon are wrapped with %w; IsNotFound still recognises
// them, which the removal paths rely on.
package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"

	"github.com/shinji-kodama/dockerit/internal/model"
)

// ListContainers returns every container known to the daemon, including
// stopped ones.
func ListContainers(ctx context.Context, api API) ([]container.Summary, error) {
	containers, err := api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return containers, nil
}

// ListManagedContainers queries the daemon for all containers that carry
// the "dockerit.managed-by=dockerit" label, including stopped ones.
//
// The filter runs server-side, so unrelated containers on a shared host
// are never transferred.
func ListManagedContainers(ctx context.Context, api API) ([]model.ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for k, v := range FilterLabels() {
		filterArgs.Add("label", k+"="+v)
	}

	containers, err := api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}

	result := make([]model.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		result = append(result, containerToInfo(c))
	}
	return result, nil
}

// containerToInfo converts a Docker API container summary to the domain
// ContainerInfo. Docker reports names with a leading "/", which is stripped.
func containerToInfo(c container.Summary) model.ContainerInfo {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}

	var hostPorts []int
	for _, p := range c.Ports {
		if p.PublicPort != 0 {
			hostPorts = append(hostPorts, int(p.PublicPort))
		}
	}
	sort.Ints(hostPorts)

	return model.ContainerInfo{
		ContainerID:   c.ID,
		ContainerName: name,
		Image:         c.Image,
		Status:        string(c.State),
		Labels:        c.Labels,
		HostPorts:     hostPorts,
	}
}

// FindContainerByName returns the ID of the container whose name is exactly
// name. Docker stores names with a "/" prefix, so "/"+name is compared.
// When several names match, the last one scanned wins.
func FindContainerByName(containers []container.Summary, name string) (string, bool) {
	want := "/" + name
	id := ""
	found := false
	for _, c := range containers {
		for _, n := range c.Names {
			if n == want {
				id = c.ID
				found = true
			}
		}
	}
	return id, found
}

// FindContainerByLabels returns the ID of the first container whose label
// set is exactly equal to labels.
func FindContainerByLabels(containers []container.Summary, labels map[string]string) (string, bool) {
	for _, c := range containers {
		if model.LabelsEqual(c.Labels, labels) {
			return c.ID, true
		}
	}
	return "", false
}

// StartContainer starts a created or stopped container.
func StartContainer(ctx context.Context, api API, containerID string) error {
	if err := api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %q: %w", containerID, err)
	}
	return nil
}

// StopContainer sends SIGTERM and waits up to timeout before the daemon
// kills the container. A zero timeout uses the daemon default (10 seconds).
func StopContainer(ctx context.Context, api API, containerID string, timeout time.Duration) error {
	opts := container.StopOptions{}
	if timeout > 0 {
		seconds := int(timeout.Round(time.Second) / time.Second)
		opts.Timeout = &seconds
	}
	if err := api.ContainerStop(ctx, containerID, opts); err != nil {
		return fmt.Errorf("failed to stop container %q: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container. With force the container is killed
// first; with removeVolumes its anonymous volumes go with it.
func RemoveContainer(ctx context.Context, api API, containerID string, force, removeVolumes bool) error {
	err := api.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: removeVolumes,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %q: %w", containerID, err)
	}
	return nil
}

// RemoveContainerIfExists behaves like RemoveContainer but treats a missing
// container as success. It reports whether a container was actually removed.
func RemoveContainerIfExists(ctx context.Context, api API, containerID string, force, removeVolumes bool) (bool, error) {
	err := RemoveContainer(ctx, api, containerID, force, removeVolumes)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// ImageExists lists all images, untagged ones included, and reports whether
// one of them carries ref. Both sides are normalised first, so "jenkins"
// matches a "jenkins:latest" tag and "docker.io/library/jenkins:latest".
func ImageExists(ctx context.Context, api API, ref string) (bool, error) {
	want, err := NormalizeImage(ref)
	if err != nil {
		return false, err
	}
	images, err := api.ImageList(ctx, image.ListOptions{All: true})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			got, err := NormalizeImage(tag)
			if err != nil {
				// "<none>:<none>" and similar placeholders
				continue
			}
			if got == want {
				return true, nil
			}
		}
	}
	return false, nil
}

// NormalizeImage returns ref fully qualified, with the implicit "latest"
// tag added when ref has neither tag nor digest.
func NormalizeImage(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return reference.TagNameOnly(named).String(), nil
}

// RemoveImageIfExists force-removes an image by reference. A missing image
// is not an error: the daemon sometimes reports an image gone while it is
// still being untagged, and a concurrent refresh may have removed it first.
func RemoveImageIfExists(ctx context.Context, api API, ref string) error {
	_, err := api.ImageRemove(ctx, ref, image.RemoveOptions{Force: true})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to remove image %q: %w", ref, err)
	}
	return nil
}
