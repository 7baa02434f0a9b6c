package image

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/shinji-kodama/dockerit/internal/model"
)

const (
	// DefaultHomePath is the Jenkins reference directory of the official
	// images; its contents are copied into JENKINS_HOME on first start.
	DefaultHomePath = "/usr/share/jenkins/ref"

	// DefaultMaintainer is written to the MAINTAINER line when none is set.
	DefaultMaintainer = "dockerit"

	// DockerfileName is the manifest file name inside the build context.
	DockerfileName = "Dockerfile"
)

// ManifestOptions controls the fixed lines of a generated manifest.
type ManifestOptions struct {
	// Maintainer is written verbatim after MAINTAINER.
	Maintainer string

	// HomePath is declared as the image VOLUME.
	HomePath string

	// Generation is the GENERATION_UUID label value. Empty draws a new
	// random UUID.
	Generation string
}

// Manifest is a generated Dockerfile together with the labels it stamps.
type Manifest struct {
	// Text is the Dockerfile content.
	Text string

	// Labels maps destination file names to their SHA-256 digests.
	Labels map[string]string

	// Generation is the GENERATION_UUID value written to Text.
	Generation string
}

// GenerateManifest hashes every source file in files (destination name to
// source path) and renders the data image Dockerfile:
//
//	FROM scratch
//	MAINTAINER <maintainer>
//	COPY ./ /
//	VOLUME <home path>
//	LABEL <dest>=<sha256>
//	LABEL GENERATION_UUID=<uuid>
//
// LABEL lines follow sorted destination names, so two manifests for the same
// files differ only in the GENERATION_UUID line.
func GenerateManifest(files map[string]string, opts ManifestOptions) (*Manifest, error) {
	if opts.Maintainer == "" {
		opts.Maintainer = DefaultMaintainer
	}
	if opts.HomePath == "" {
		opts.HomePath = DefaultHomePath
	}
	if opts.Generation == "" {
		opts.Generation = uuid.NewString()
	}

	labels := make(map[string]string, len(files))
	for _, dest := range model.SortedKeys(files) {
		if strings.ContainsAny(dest, "= \t\n/") {
			return nil, fmt.Errorf("%w: invalid destination file name %q", ErrContext, dest)
		}
		sum, err := FileDigest(files[dest])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrContext, err)
		}
		labels[dest] = sum
	}

	var sb strings.Builder
	sb.WriteString("FROM scratch\n")
	fmt.Fprintf(&sb, "MAINTAINER %s\n", opts.Maintainer)
	sb.WriteString("COPY ./ /\n")
	fmt.Fprintf(&sb, "VOLUME %s\n", opts.HomePath)
	for _, dest := range model.SortedKeys(labels) {
		fmt.Fprintf(&sb, "LABEL %s=%s\n", dest, labels[dest])
	}
	fmt.Fprintf(&sb, "LABEL %s=%s\n", model.GenerationLabel, opts.Generation)

	return &Manifest{
		Text:       sb.String(),
		Labels:     labels,
		Generation: opts.Generation,
	}, nil
}
