package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/go-archive"

	"github.com/shinji-kodama/dockerit/internal/docker"
	"github.com/shinji-kodama/dockerit/internal/logging"
	"github.com/shinji-kodama/dockerit/internal/model"
)

var (
	// ErrContext reports that the build context could not be materialised.
	// No request has reached the daemon when it is returned.
	ErrContext = errors.New("cannot prepare build context")

	// ErrBuildFailed reports a build the daemon rejected or did not finish.
	ErrBuildFailed = errors.New("image build failed")
)

// Builder builds data images through the Docker API.
type Builder struct {
	api        docker.API
	logger     *log.Logger
	buildDir   string
	homePath   string
	maintainer string

	// generation returns the GENERATION_UUID value for the next build.
	// Nil draws a random UUID.
	generation func() string
}

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	// BuildDir is the scratch directory for the build context. It is wiped
	// before and after every build.
	BuildDir string

	// HomePath is the Jenkins reference directory inside the image.
	HomePath string

	// Maintainer is written to the MAINTAINER line.
	Maintainer string

	// Logger receives build progress. Nil discards it.
	Logger *log.Logger

	// Generation overrides the random generation identifier.
	Generation func() string
}

// NewBuilder returns a Builder that talks to api.
func NewBuilder(api docker.API, opts BuilderOptions) *Builder {
	if opts.HomePath == "" {
		opts.HomePath = DefaultHomePath
	}
	if opts.Maintainer == "" {
		opts.Maintainer = DefaultMaintainer
	}
	return &Builder{
		api:        api,
		logger:     logging.OrDiscard(opts.Logger),
		buildDir:   opts.BuildDir,
		homePath:   opts.HomePath,
		maintainer: opts.Maintainer,
		generation: opts.Generation,
	}
}

// BuildDir returns the scratch directory used for build contexts.
func (b *Builder) BuildDir() string {
	return b.buildDir
}

// Manifest renders the Dockerfile that Build would send for files.
func (b *Builder) Manifest(files map[string]string) (*Manifest, error) {
	opts := ManifestOptions{
		Maintainer: b.maintainer,
		HomePath:   b.homePath,
	}
	if b.generation != nil {
		opts.Generation = b.generation()
	}
	return GenerateManifest(files, opts)
}

// Build embeds files (destination name to source path) below
// <home path>/plugins/ of a new image tagged target ("repo:tag") and blocks
// until the daemon reports the image ID.
//
// The build directory is removed when Build returns, on success and on
// failure alike. Removal errors are logged, not returned.
func (b *Builder) Build(ctx context.Context, files map[string]string, target string) (model.ImageRef, error) {
	if b.buildDir == "" {
		return model.ImageRef{}, fmt.Errorf("%w: build directory not set", ErrContext)
	}

	defer b.cleanup()

	manifest, err := b.Manifest(files)
	if err != nil {
		return model.ImageRef{}, err
	}

	if err := b.materialise(manifest, files); err != nil {
		return model.ImageRef{}, err
	}

	b.logger.Info("Building data image", "image", target, "files", len(files))
	id, err := b.send(ctx, target)
	if err != nil {
		return model.ImageRef{}, err
	}
	b.logger.Info("Built data image", "image", target, "id", id)

	name, tag := model.SplitImage(target)
	return model.ImageRef{
		Name:       name,
		Tag:        tag,
		ID:         id,
		Labels:     manifest.Labels,
		Generation: manifest.Generation,
	}, nil
}

// materialise recreates the build directory with the Dockerfile at its root
// and every file copied into <home path>/plugins/.
func (b *Builder) materialise(manifest *Manifest, files map[string]string) error {
	if err := os.RemoveAll(b.buildDir); err != nil {
		return fmt.Errorf("%w: %w", ErrContext, err)
	}
	if err := os.MkdirAll(b.buildDir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrContext, err)
	}

	dockerfile := filepath.Join(b.buildDir, DockerfileName)
	if err := os.WriteFile(dockerfile, []byte(manifest.Text), 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrContext, err)
	}

	pluginsDir := filepath.Join(b.buildDir, filepath.FromSlash(b.homePath), "plugins")
	if err := os.MkdirAll(pluginsDir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrContext, err)
	}

	for _, dest := range model.SortedKeys(files) {
		if err := copyFile(files[dest], filepath.Join(pluginsDir, dest)); err != nil {
			return fmt.Errorf("%w: %w", ErrContext, err)
		}
	}
	return nil
}

// send tars the build directory, starts the build and drains the message
// stream. Stream lines are logged at debug level.
func (b *Builder) send(ctx context.Context, target string) (string, error) {
	buildContext, err := archive.TarWithOptions(b.buildDir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrContext, err)
	}
	defer buildContext.Close()

	resp, err := b.api.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        []string{target},
		Dockerfile:  DockerfileName,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	defer resp.Body.Close()

	imageID := ""
	err = docker.ReadMessages(resp.Body, func(msg jsonmessage.JSONMessage) {
		if id, ok := docker.AuxImageID(msg); ok {
			imageID = id
			return
		}
		if text := docker.MessageText(msg); text != "" {
			b.logger.Debug(text)
		}
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	if imageID == "" {
		return "", fmt.Errorf("%w: daemon did not report an image ID for %s", ErrBuildFailed, target)
	}
	return imageID, nil
}

func (b *Builder) cleanup() {
	if err := os.RemoveAll(b.buildDir); err != nil {
		b.logger.Warn("Failed to remove build directory", "dir", b.buildDir, "error", err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
