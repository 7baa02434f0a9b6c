package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/shinji-kodama/dockerit/internal/docker"
	"github.com/shinji-kodama/dockerit/internal/model"
)

// ErrImageMissing is returned when the never-pull strategy meets an image
// that is not present locally.
var ErrImageMissing = errors.New("image not present locally")

// PullImage makes ref available according to strategy:
//
//	always     pull unconditionally
//	if-absent  pull only when no local image carries the reference
//	never      never pull; fail with ErrImageMissing when absent
func (s *Session) PullImage(ctx context.Context, strategy model.PullStrategy, ref string) error {
	if s.client == nil {
		return ErrNotSetUp
	}
	named, err := normalize(ref)
	if err != nil {
		return err
	}

	switch strategy {
	case model.PullAlways:
		return s.pull(ctx, named)
	case model.PullIfAbsent, model.PullNever:
		present, err := s.imagePresent(ctx, named)
		if err != nil {
			return err
		}
		if present {
			s.logger.Debug("Image present locally", "image", ref)
			return nil
		}
		if strategy == model.PullNever {
			return fmt.Errorf("%w: %s", ErrImageMissing, ref)
		}
		return s.pull(ctx, named)
	default:
		return fmt.Errorf("unknown pull strategy %q", strategy)
	}
}

// normalize parses ref and adds the implicit "latest" tag, so that
// "jenkins" and "docker.io/library/jenkins:latest" compare equal.
func normalize(ref string) (reference.Named, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return reference.TagNameOnly(named), nil
}

// imagePresent reports whether any local image tag normalises to named.
func (s *Session) imagePresent(ctx context.Context, named reference.Named) (bool, error) {
	return docker.ImageExists(ctx, s.client.API(), named.String())
}

func (s *Session) pull(ctx context.Context, named reference.Named) error {
	ref := reference.FamiliarString(named)
	s.logger.Info("Pulling image", "image", ref)

	body, err := s.client.API().ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	defer body.Close()

	err = docker.ReadMessages(body, func(msg jsonmessage.JSONMessage) {
		if text := docker.MessageText(msg); text != "" {
			s.logger.Debug(text)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	return nil
}
