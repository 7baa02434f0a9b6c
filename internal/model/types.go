// Package model defines the domain types shared by the dockerit packages.
//
// The orchestrator keeps no state of its own on disk. Images, containers and
// their labels live in the Docker daemon; these types are the transient
// representations that move between the builder, the data-volume
// provisioner, the session and the CLI.
package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/docker/go-connections/nat"
)

// PullStrategy selects how a workload image is fetched before a container
// is created from it.
type PullStrategy string

const (
	// PullAlways pulls the image on every run, even when a local copy exists.
	PullAlways PullStrategy = "always"

	// PullIfAbsent pulls only when no local image carries the requested tag.
	PullIfAbsent PullStrategy = "if-absent"

	// PullNever never contacts a registry. The image must already exist.
	PullNever PullStrategy = "never"
)

// String returns the string representation of PullStrategy.
func (s PullStrategy) String() string {
	return string(s)
}

// IsValid checks whether the PullStrategy is one of the predefined values.
func (s PullStrategy) IsValid() bool {
	switch s {
	case PullAlways, PullIfAbsent, PullNever:
		return true
	default:
		return false
	}
}

// ParsePullStrategy converts a string to a PullStrategy.
// Matching is case-insensitive and accepts "ifabsent" / "if_absent" spellings.
func ParsePullStrategy(s string) (PullStrategy, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.NewReplacer("_", "-").Replace(normalized)
	if normalized == "ifabsent" {
		normalized = string(PullIfAbsent)
	}
	strategy := PullStrategy(normalized)
	if !strategy.IsValid() {
		return "", fmt.Errorf("invalid pull strategy: %q (valid: always, if-absent, never)", s)
	}
	return strategy, nil
}

// GenerationLabel is the label key stamped on every data image build with a
// fresh random value, making each build unique regardless of content.
const GenerationLabel = "GENERATION_UUID"

// ImageRef identifies a built data image.
type ImageRef struct {
	// Name is the repository part, e.g. "kostyasha/jenkins-data".
	Name string `json:"name"`

	// Tag is the tag part, e.g. "sometest".
	Tag string `json:"tag"`

	// ID is the image ID reported by the daemon once the build finished.
	ID string `json:"id,omitempty"`

	// Labels maps each embedded file name to its SHA-256 content hash.
	// The generation label is kept separately in Generation.
	Labels map[string]string `json:"labels,omitempty"`

	// Generation is the random identifier stamped on this build.
	Generation string `json:"generation"`
}

// String returns "name:tag", the form Docker lists in RepoTags.
func (r ImageRef) String() string {
	if r.Tag == "" {
		return r.Name
	}
	return r.Name + ":" + r.Tag
}

// MatchesContent reports whether the image labels carry exactly the given
// file hashes. The generation label is ignored.
func (r ImageRef) MatchesContent(hashes map[string]string) bool {
	if len(r.Labels) != len(hashes) {
		return false
	}
	for name, sum := range hashes {
		if r.Labels[name] != sum {
			return false
		}
	}
	return true
}

// ImageRefFromLabels rebuilds the ImageRef of an existing image from its
// labels, splitting off the generation label.
func ImageRefFromLabels(image, id string, labels map[string]string) ImageRef {
	name, tag := SplitImage(image)
	ref := ImageRef{Name: name, Tag: tag, ID: id, Labels: make(map[string]string, len(labels))}
	for k, v := range labels {
		if k == GenerationLabel {
			ref.Generation = v
			continue
		}
		ref.Labels[k] = v
	}
	return ref
}

// SplitImage splits "repo:tag" into its parts. A colon that belongs to a
// registry host ("host:5000/repo") is not treated as a tag separator.
// A missing tag yields "latest".
func SplitImage(image string) (name, tag string) {
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon > slash {
		return image[:colon], image[colon+1:]
	}
	return image, "latest"
}

// ContainerSpec describes a workload container to create. It is the
// backend-agnostic equivalent of a create-container command; the session
// converts it into Docker API structs and injects the environment block and
// the volumes-from relationship.
type ContainerSpec struct {
	// Image is the image to run, e.g. "jenkins:1.609.1".
	Image string `json:"image"`

	// Name is an optional container name. Empty lets Docker choose.
	Name string `json:"name,omitempty"`

	// Labels identify the container. A previous container with exactly
	// the same label set is removed before this one is created.
	Labels map[string]string `json:"labels,omitempty"`

	// Env holds extra "KEY=VALUE" entries set in addition to the injected block.
	Env []string `json:"env,omitempty"`

	// Cmd overrides the image command when non-empty.
	Cmd []string `json:"cmd,omitempty"`

	// ExposedPorts lists container ports to expose, e.g. "8080/tcp".
	ExposedPorts nat.PortSet `json:"exposedPorts,omitempty"`

	// PortBindings maps container ports to host bindings. An empty HostPort
	// lets Docker pick an ephemeral port.
	PortBindings nat.PortMap `json:"portBindings,omitempty"`
}

// LabelsEqual reports whether two label sets are exactly equal.
// A nil map and an empty map are equal.
func LabelsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || other != v {
			return false
		}
	}
	return true
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ContainerInfo holds runtime information about a Docker container.
// This data is fetched dynamically from the Docker API, not persisted.
type ContainerInfo struct {
	// ContainerID is the Docker container identifier.
	ContainerID string `json:"containerId"`

	// ContainerName is the container name without Docker's leading "/".
	ContainerName string `json:"containerName"`

	// Image is the image the container was created from.
	Image string `json:"image,omitempty"`

	// Status is the Docker container state (e.g., "running", "exited", "created").
	Status string `json:"status"`

	// Labels is the full set of Docker labels on the container.
	Labels map[string]string `json:"labels,omitempty"`

	// HostPorts are the published host ports, sorted ascending.
	HostPorts []int `json:"hostPorts,omitempty"`
}

// ExitCode defines the CLI exit codes. Scripts and CI jobs use them to tell
// a broken daemon apart from a Jenkins instance that never came up.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigError indicates the configuration could not be loaded or
	// failed validation.
	ExitConfigError ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 3

	// ExitBuildFailed indicates the data image could not be built.
	ExitBuildFailed ExitCode = 4

	// ExitNotReady indicates the service inside the workload container did
	// not answer the readiness handshake in time.
	ExitNotReady ExitCode = 5

	// ExitNotFound indicates a referenced container or image does not exist.
	ExitNotFound ExitCode = 6
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
