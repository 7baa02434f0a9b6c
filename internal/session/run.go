package session

import (
	"context"
	"fmt"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"

	"github.com/shinji-kodama/dockerit/internal/docker"
	"github.com/shinji-kodama/dockerit/internal/model"
)

// DefaultStopTimeout is how long Stop waits before the daemon kills the
// container.
const DefaultStopTimeout = 10 * time.Second

// RunFresh starts a new workload container from spec and returns its ID.
//
// Steps, in order: pull spec.Image per strategy; remove the first existing
// container whose labels exactly equal spec.Labels; ensure the data
// container (refreshData is passed through); create the container with the
// configured environment block and volumes-from the data container; record
// it as provisioned; start it.
//
// A container that fails to start stays provisioned so Teardown removes it.
func (s *Session) RunFresh(ctx context.Context, spec model.ContainerSpec, strategy model.PullStrategy, refreshData bool) (string, error) {
	if s.client == nil {
		return "", ErrNotSetUp
	}
	api := s.client.API()

	if err := s.PullImage(ctx, strategy, spec.Image); err != nil {
		return "", err
	}

	if err := s.removeStale(ctx, spec.Image, spec.Labels); err != nil {
		return "", err
	}

	dataID, err := s.DataContainer(ctx, refreshData)
	if err != nil {
		return "", err
	}

	env := append(s.cfg.WorkloadEnv(), spec.Env...)
	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: spec.ExposedPorts,
	}
	if len(spec.Cmd) > 0 {
		cfg.Cmd = spec.Cmd
	}
	hostCfg := &container.HostConfig{
		VolumesFrom:  []string{dataID},
		PortBindings: spec.PortBindings,
	}

	resp, err := api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container from %s: %w", spec.Image, err)
	}
	for _, w := range resp.Warnings {
		s.logger.Warn("Container create warning", "warning", w)
	}
	s.provisioned = append(s.provisioned, resp.ID)
	s.logger.Info("Created container", "id", resp.ID, "image", spec.Image, "data", dataID)

	if err := docker.StartContainer(ctx, api, resp.ID); err != nil {
		return resp.ID, err
	}
	return resp.ID, nil
}

// removeStale force-removes the first container whose label set exactly
// equals the labels a container created from img with labels would carry.
// The daemon merges image labels into container labels, so those are part
// of the comparison. A container that vanished in the meantime is fine.
func (s *Session) removeStale(ctx context.Context, img string, labels map[string]string) error {
	if len(labels) == 0 {
		// every unlabelled container would match
		return nil
	}
	want, err := s.effectiveLabels(ctx, img, labels)
	if err != nil {
		return err
	}
	containers, err := docker.ListContainers(ctx, s.client.API())
	if err != nil {
		return err
	}
	id, found := docker.FindContainerByLabels(containers, want)
	if !found {
		return nil
	}
	removed, err := docker.RemoveContainerIfExists(ctx, s.client.API(), id, true, false)
	if err != nil {
		return err
	}
	if removed {
		s.logger.Info("Removed stale container", "id", id, "labels", docker.FormatLabels(labels))
	}
	return nil
}

// effectiveLabels returns the image labels of img overlaid with labels.
// A missing image contributes nothing.
func (s *Session) effectiveLabels(ctx context.Context, img string, labels map[string]string) (map[string]string, error) {
	named, err := normalize(img)
	if err != nil {
		return nil, err
	}
	info, err := s.client.API().ImageInspect(ctx, reference.FamiliarString(named))
	if err != nil {
		if docker.IsNotFound(err) {
			return labels, nil
		}
		return nil, fmt.Errorf("failed to inspect image %s: %w", img, err)
	}
	if info.Config == nil || len(info.Config.Labels) == 0 {
		return labels, nil
	}

	merged := make(map[string]string, len(info.Config.Labels)+len(labels))
	for k, v := range info.Config.Labels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}
	return merged, nil
}

// Stop stops a container gracefully, waiting up to timeout (10s when
// zero) before it is killed.
func (s *Session) Stop(ctx context.Context, id string, timeout time.Duration) error {
	if s.client == nil {
		return ErrNotSetUp
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	return docker.StopContainer(ctx, s.client.API(), id, timeout)
}

// Clean removes every container carrying the dockerit management label,
// provisioned by this session or not, and returns the removed IDs.
func (s *Session) Clean(ctx context.Context) ([]string, error) {
	if s.client == nil {
		return nil, ErrNotSetUp
	}
	managed, err := docker.ListManagedContainers(ctx, s.client.API())
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, c := range managed {
		ok, err := docker.RemoveContainerIfExists(ctx, s.client.API(), c.ContainerID, true, true)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, c.ContainerID)
		}
	}
	s.forget(removed)
	return removed, nil
}

func (s *Session) forget(ids []string) {
	gone := make(map[string]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
	}
	kept := s.provisioned[:0]
	for _, id := range s.provisioned {
		if !gone[id] {
			kept = append(kept, id)
		}
	}
	s.provisioned = kept
}
