// Package testutil provides test doubles shared across dockerit packages.
//
// FakeDocker is an in-memory Docker backend implementing docker.API. It keeps
// containers and images in maps, records every call, and can be told to fail
// specific methods. Build contexts sent to ImageBuild are untarred so tests
// can assert on the generated Dockerfile and the embedded files.
package testutil

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	dockerspec "github.com/moby/docker-image-spec/specs-go/v1"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// FakeContainer is a container held by FakeDocker.
type FakeContainer struct {
	ID         string
	Name       string
	Config     container.Config
	HostConfig container.HostConfig
	Running    bool
	Ports      nat.PortMap
}

// FakeImage is an image held by FakeDocker.
type FakeImage struct {
	ID       string
	RepoTags []string
	Labels   map[string]string
}

// BuildContext is what FakeDocker saw in one ImageBuild call.
type BuildContext struct {
	Tags       []string
	Dockerfile string
	// Files maps tar entry names (regular files only) to their contents.
	Files map[string][]byte
}

// FakeDocker is an in-memory implementation of docker.API.
type FakeDocker struct {
	mu sync.Mutex

	containers map[string]*FakeContainer
	order      []string
	images     []*FakeImage
	nextID     int
	nextPort   int

	// Calls records method invocations as "Method arg", in order.
	Calls []string

	// Errors makes the named method ("ContainerRemove", "ImageBuild", ...)
	// fail with the given error on every call.
	Errors map[string]error

	// Builds records every build context received.
	Builds []BuildContext

	// BuildLog holds extra stream lines emitted before the aux ID message.
	BuildLog []string

	// OmitBuildID makes ImageBuild finish without an aux image ID message.
	OmitBuildID bool
}

// NewFakeDocker returns an empty backend.
func NewFakeDocker() *FakeDocker {
	return &FakeDocker{
		containers: make(map[string]*FakeContainer),
		Errors:     make(map[string]error),
		nextPort:   32768,
	}
}

func (f *FakeDocker) record(method string, args ...string) error {
	f.Calls = append(f.Calls, strings.TrimSpace(method+" "+strings.Join(args, " ")))
	if err, ok := f.Errors[method]; ok {
		return err
	}
	return nil
}

func (f *FakeDocker) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%04d", prefix, f.nextID)
}

// CallCount returns how many times method was called.
func (f *FakeDocker) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == method || strings.HasPrefix(c, method+" ") {
			n++
		}
	}
	return n
}

// AddContainer seeds a container and returns its ID.
func (f *FakeDocker) AddContainer(name, img string, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newID("seed")
	f.containers[id] = &FakeContainer{
		ID:     id,
		Name:   name,
		Config: container.Config{Image: img, Labels: labels},
	}
	f.order = append(f.order, id)
	return id
}

// AddImage seeds an image carrying repoTag.
func (f *FakeDocker) AddImage(repoTag string, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "sha256:" + f.newID("img")
	f.images = append(f.images, &FakeImage{ID: id, RepoTags: []string{repoTag}, Labels: labels})
	return id
}

// Container returns the container with the given ID.
func (f *FakeDocker) Container(id string) (*FakeContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	return c, ok
}

// ContainerIDs returns the IDs of all live containers in creation order.
func (f *FakeDocker) ContainerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.order))
	for _, id := range f.order {
		if _, ok := f.containers[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// ContainersNamed returns the IDs of live containers with the given name.
func (f *FakeDocker) ContainersNamed(name string) []string {
	var ids []string
	for _, id := range f.ContainerIDs() {
		c, _ := f.Container(id)
		if c.Name == name {
			ids = append(ids, id)
		}
	}
	return ids
}

// Image returns the image carrying repoTag.
func (f *FakeDocker) Image(repoTag string) (*FakeImage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := f.findImage(repoTag)
	return img, img != nil
}

func (f *FakeDocker) findImage(ref string) *FakeImage {
	for _, img := range f.images {
		if img.ID == ref {
			return img
		}
		for _, t := range img.RepoTags {
			if t == ref {
				return img
			}
		}
	}
	return nil
}

func notFound(kind, ref string) error {
	return fmt.Errorf("no such %s: %s: %w", kind, ref, cerrdefs.ErrNotFound)
}

// Ping implements docker.API.
func (f *FakeDocker) Ping(context.Context) (types.Ping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Ping"); err != nil {
		return types.Ping{}, err
	}
	return types.Ping{APIVersion: "1.51", OSType: "linux"}, nil
}

// Info implements docker.API.
func (f *FakeDocker) Info(context.Context) (system.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Info"); err != nil {
		return system.Info{}, err
	}
	return system.Info{ID: "fake", ServerVersion: "28.5.2", Containers: len(f.containers)}, nil
}

// ContainerList implements docker.API. Label filters of the form
// "key=value" are honoured; other filters are ignored.
func (f *FakeDocker) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerList"); err != nil {
		return nil, err
	}

	var labelFilters []string
	if options.Filters.Len() > 0 {
		labelFilters = options.Filters.Get("label")
	}

	var result []container.Summary
	for _, id := range f.order {
		c, ok := f.containers[id]
		if !ok {
			continue
		}
		if !options.All && !c.Running {
			continue
		}
		if !matchesLabelFilters(c.Config.Labels, labelFilters) {
			continue
		}
		summary := container.Summary{
			ID:     c.ID,
			Names:  []string{"/" + c.Name},
			Image:  c.Config.Image,
			Labels: copyLabels(c.Config.Labels),
			State:  "created",
		}
		if c.Running {
			summary.State = "running"
			summary.Ports = summaryPorts(c.Ports)
		}
		result = append(result, summary)
	}
	return result, nil
}

func matchesLabelFilters(labels map[string]string, filters []string) bool {
	for _, f := range filters {
		key, value, hasValue := strings.Cut(f, "=")
		got, ok := labels[key]
		if !ok || (hasValue && got != value) {
			return false
		}
	}
	return true
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// ContainerCreate implements docker.API. The image must exist and the name,
// when given, must be unused.
func (f *FakeDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerCreate", containerName); err != nil {
		return container.CreateResponse{}, err
	}

	if f.findImage(config.Image) == nil {
		return container.CreateResponse{}, notFound("image", config.Image)
	}
	if containerName != "" {
		for _, c := range f.containers {
			if c.Name == containerName {
				return container.CreateResponse{}, fmt.Errorf("container name %q already in use: %w",
					containerName, cerrdefs.ErrConflict)
			}
		}
	}

	id := f.newID("ctr")
	name := containerName
	if name == "" {
		name = "fake_" + id
	}
	c := &FakeContainer{ID: id, Name: name, Config: *config}
	if hostConfig != nil {
		c.HostConfig = *hostConfig
	}
	// The daemon merges the image labels under the container's own.
	labels := copyLabels(f.findImage(config.Image).Labels)
	if labels == nil && len(config.Labels) > 0 {
		labels = make(map[string]string, len(config.Labels))
	}
	for k, v := range config.Labels {
		labels[k] = v
	}
	c.Config.Labels = labels
	f.containers[id] = c
	f.order = append(f.order, id)

	var warnings []string
	if len(config.Cmd) > 0 && config.Cmd[0] == "/bin/true" {
		warnings = append(warnings, "image has no /bin/true, container only holds volumes")
	}
	return container.CreateResponse{ID: id, Warnings: warnings}, nil
}

// ContainerStart implements docker.API. Published ports without a host
// port get sequential ephemeral ports starting at 32768.
func (f *FakeDocker) ContainerStart(_ context.Context, containerID string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerStart", containerID); err != nil {
		return err
	}
	c, ok := f.lookup(containerID)
	if !ok {
		return notFound("container", containerID)
	}
	c.Running = true
	c.Ports = nat.PortMap{}
	for p, bindings := range c.HostConfig.PortBindings {
		bound := make([]nat.PortBinding, 0, len(bindings))
		for _, b := range bindings {
			if b.HostPort == "" {
				b.HostPort = strconv.Itoa(f.nextPort)
				f.nextPort++
			}
			if b.HostIP == "" {
				b.HostIP = "0.0.0.0"
			}
			bound = append(bound, b)
		}
		c.Ports[p] = bound
	}
	return nil
}

func summaryPorts(ports nat.PortMap) []container.Port {
	var out []container.Port
	for p, bindings := range ports {
		for _, b := range bindings {
			public, _ := strconv.Atoi(b.HostPort)
			out = append(out, container.Port{
				IP:          b.HostIP,
				PrivatePort: uint16(p.Int()),
				PublicPort:  uint16(public),
				Type:        p.Proto(),
			})
		}
	}
	return out
}

// lookup resolves a container by ID or by name, as the daemon does.
func (f *FakeDocker) lookup(ref string) (*FakeContainer, bool) {
	if c, ok := f.containers[ref]; ok {
		return c, true
	}
	name := strings.TrimPrefix(ref, "/")
	for _, c := range f.containers {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// ContainerStop implements docker.API.
func (f *FakeDocker) ContainerStop(_ context.Context, containerID string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	timeout := "default"
	if options.Timeout != nil {
		timeout = strconv.Itoa(*options.Timeout)
	}
	if err := f.record("ContainerStop", containerID, timeout); err != nil {
		return err
	}
	c, ok := f.lookup(containerID)
	if !ok {
		return notFound("container", containerID)
	}
	c.Running = false
	return nil
}

// ContainerRemove implements docker.API. Running containers need Force.
func (f *FakeDocker) ContainerRemove(_ context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerRemove", containerID,
		"force="+strconv.FormatBool(options.Force),
		"volumes="+strconv.FormatBool(options.RemoveVolumes)); err != nil {
		return err
	}
	c, ok := f.lookup(containerID)
	if !ok {
		return notFound("container", containerID)
	}
	if c.Running && !options.Force {
		return fmt.Errorf("container %s is running: %w", containerID, cerrdefs.ErrConflict)
	}
	delete(f.containers, c.ID)
	return nil
}

// ContainerInspect implements docker.API.
func (f *FakeDocker) ContainerInspect(_ context.Context, containerID string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerInspect", containerID); err != nil {
		return container.InspectResponse{}, err
	}
	c, ok := f.lookup(containerID)
	if !ok {
		return container.InspectResponse{}, notFound("container", containerID)
	}
	cfg := c.Config
	hostCfg := c.HostConfig
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:         c.ID,
			Name:       "/" + c.Name,
			Image:      c.Config.Image,
			State:      &container.State{Running: c.Running},
			HostConfig: &hostCfg,
		},
		Config: &cfg,
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{Ports: c.Ports},
		},
	}, nil
}

// ImageList implements docker.API.
func (f *FakeDocker) ImageList(_ context.Context, _ image.ListOptions) ([]image.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ImageList"); err != nil {
		return nil, err
	}
	result := make([]image.Summary, 0, len(f.images))
	for _, img := range f.images {
		result = append(result, image.Summary{
			ID:       img.ID,
			RepoTags: append([]string(nil), img.RepoTags...),
			Labels:   copyLabels(img.Labels),
		})
	}
	return result, nil
}

// ImageInspect implements docker.API.
func (f *FakeDocker) ImageInspect(_ context.Context, imageID string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ImageInspect", imageID); err != nil {
		return image.InspectResponse{}, err
	}
	img := f.findImage(imageID)
	if img == nil {
		return image.InspectResponse{}, notFound("image", imageID)
	}
	return image.InspectResponse{
		ID:       img.ID,
		RepoTags: append([]string(nil), img.RepoTags...),
		Config: &dockerspec.DockerOCIImageConfig{
			ImageConfig: ocispec.ImageConfig{Labels: copyLabels(img.Labels)},
		},
	}, nil
}

// ImageRemove implements docker.API.
func (f *FakeDocker) ImageRemove(_ context.Context, imageID string, _ image.RemoveOptions) ([]image.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ImageRemove", imageID); err != nil {
		return nil, err
	}
	for i, img := range f.images {
		if img == f.findImage(imageID) {
			f.images = append(f.images[:i], f.images[i+1:]...)
			return []image.DeleteResponse{{Untagged: imageID}, {Deleted: img.ID}}, nil
		}
	}
	return nil, notFound("image", imageID)
}

// ImagePull implements docker.API. The pulled image appears under refStr.
func (f *FakeDocker) ImagePull(_ context.Context, refStr string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ImagePull", refStr); err != nil {
		return nil, err
	}
	if f.findImage(refStr) == nil {
		f.images = append(f.images, &FakeImage{ID: "sha256:" + f.newID("pulled"), RepoTags: []string{refStr}})
	}
	var buf bytes.Buffer
	writeMessage(&buf, map[string]any{"status": "Pulling from " + refStr})
	writeMessage(&buf, map[string]any{"status": "Status: Downloaded newer image for " + refStr})
	return io.NopCloser(&buf), nil
}

// ImageBuild implements docker.API. It reads the tar context, records it,
// turns every LABEL line of the Dockerfile into an image label and tags the
// new image with the first requested tag.
func (f *FakeDocker) ImageBuild(_ context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ImageBuild", strings.Join(options.Tags, ",")); err != nil {
		return build.ImageBuildResponse{}, err
	}

	bc := BuildContext{Tags: options.Tags, Files: make(map[string][]byte)}
	tr := tar.NewReader(buildContext)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return build.ImageBuildResponse{}, fmt.Errorf("read build context: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return build.ImageBuildResponse{}, fmt.Errorf("read build context: %w", err)
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		bc.Files[name] = data
		if name == "Dockerfile" {
			bc.Dockerfile = string(data)
		}
	}
	f.Builds = append(f.Builds, bc)

	labels := parseLabels(bc.Dockerfile)
	id := "sha256:" + f.newID("built")
	if len(options.Tags) > 0 {
		tag := options.Tags[0]
		// The daemon moves the tag; an older image keeps existing untagged.
		if old := f.findImage(tag); old != nil {
			old.RepoTags = nil
		}
		f.images = append(f.images, &FakeImage{ID: id, RepoTags: []string{tag}, Labels: labels})
	}

	var buf bytes.Buffer
	for _, line := range f.BuildLog {
		writeMessage(&buf, map[string]any{"stream": line + "\n"})
	}
	writeMessage(&buf, map[string]any{"stream": "Step 1/1 : FROM scratch\n"})
	if !f.OmitBuildID {
		writeMessage(&buf, map[string]any{"aux": map[string]string{"ID": id}})
	}
	writeMessage(&buf, map[string]any{"stream": "Successfully built " + id + "\n"})
	return build.ImageBuildResponse{Body: io.NopCloser(&buf), OSType: "linux"}, nil
}

// Close implements docker.API.
func (f *FakeDocker) Close() error {
	return nil
}

func writeMessage(w io.Writer, msg map[string]any) {
	data, _ := json.Marshal(msg)
	_, _ = w.Write(append(data, '\n'))
}

// parseLabels extracts "LABEL key=value" lines from a Dockerfile.
func parseLabels(dockerfile string) map[string]string {
	labels := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(dockerfile))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, "LABEL ")
		if !ok {
			continue
		}
		key, value, _ := strings.Cut(rest, "=")
		labels[key] = value
	}
	return labels
}
