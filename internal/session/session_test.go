package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/dockerit/internal/config"
	"github.com/shinji-kodama/dockerit/internal/docker"
	"github.com/shinji-kodama/dockerit/internal/model"
	"github.com/shinji-kodama/dockerit/internal/port"
	"github.com/shinji-kodama/dockerit/internal/readiness"
	"github.com/shinji-kodama/dockerit/internal/testutil"
)

const jenkinsImage = "jenkins:1.609.1"

// newTestSession returns a set-up session backed by fake, with one plugin
// in the plugins directory and a poller that records endpoints.
func newTestSession(t *testing.T, fake *testutil.FakeDocker, mutate ...func(*config.Config)) (*Session, *[]readiness.Endpoint) {
	t.Helper()
	cfg := config.Default()
	cfg.Build.WorkDir = t.TempDir()
	cfg.Data.Image = "test/data:1"
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, os.MkdirAll(cfg.PluginsDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.PluginsDir(), "docker-plugin.hpi"), []byte("X"), 0o644))

	var polled []readiness.Endpoint
	poller := &readiness.Poller{Handshaker: readiness.HandshakeFunc(func(_ context.Context, ep readiness.Endpoint) error {
		polled = append(polled, ep)
		return nil
	})}

	s := New(cfg,
		WithClient(docker.NewClientWithAPI(fake, "unix:///var/run/docker.sock")),
		WithPoller(poller),
	)
	require.NoError(t, s.Setup(context.Background()))
	return s, &polled
}

// instantTimer fires as soon as it is started.
type instantTimer struct {
	ch chan time.Time
}

func (i *instantTimer) Start(time.Duration) { i.ch <- time.Time{} }
func (i *instantTimer) Stop()               {}
func (i *instantTimer) C() <-chan time.Time { return i.ch }

func workloadSpec(instance string) model.ContainerSpec {
	return model.ContainerSpec{
		Image:        jenkinsImage,
		Labels:       docker.BuildWorkloadLabels(instance, nil),
		ExposedPorts: port.JenkinsPorts(),
		PortBindings: nat.PortMap{
			port.JenkinsHTTP: {{}},
			port.JenkinsCLI:  {{}},
		},
	}
}

func TestSetup_PingFailure(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.Errors["Ping"] = errors.New("connection refused")
	s := New(config.Default(), WithClient(docker.NewClientWithAPI(fake, "unix:///var/run/docker.sock")))

	err := s.Setup(context.Background())

	require.Error(t, err)
	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitDockerNotRunning, cliErr.Code)
}

func TestOperations_RequireSetup(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	_, err := s.RunFresh(ctx, workloadSpec("a"), model.PullNever, false)
	assert.ErrorIs(t, err, ErrNotSetUp)
	_, err = s.DataContainer(ctx, false)
	assert.ErrorIs(t, err, ErrNotSetUp)
	_, err = s.WaitReady(ctx, "x")
	assert.ErrorIs(t, err, ErrNotSetUp)
	assert.ErrorIs(t, s.Stop(ctx, "x", 0), ErrNotSetUp)
	assert.NoError(t, s.Teardown(ctx), "teardown before setup is a no-op")
}

// TestRunFresh_CreatesBoundContainer verifies the injected environment,
// the volumes-from relationship and that the container is started.
func TestRunFresh_CreatesBoundContainer(t *testing.T) {
	// Arrange
	fake := testutil.NewFakeDocker()
	s, _ := newTestSession(t, fake, func(c *config.Config) {
		c.Workload.DebugAddress = "192.168.99.1:5005"
	})
	spec := workloadSpec("it")
	spec.Env = []string{"TZ=UTC"}

	// Act
	id, err := s.RunFresh(context.Background(), spec, model.PullIfAbsent, false)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{id}, s.Provisioned())

	dataIDs := fake.ContainersNamed("jenkins_data")
	require.Len(t, dataIDs, 1)

	c, ok := fake.Container(id)
	require.True(t, ok)
	assert.True(t, c.Running)
	assert.Equal(t, jenkinsImage, c.Config.Image)
	assert.Equal(t, []string{dataIDs[0]}, c.HostConfig.VolumesFrom)
	assert.Equal(t, []string{
		config.DefaultJavaOpts + " -agentlib:jdwp=transport=dt_socket,server=n,address=192.168.99.1:5005,suspend=y",
		"TZ=UTC",
	}, c.Config.Env)
	assert.Equal(t, spec.Labels, c.Config.Labels)
	assert.Contains(t, fake.Calls, "ImagePull "+jenkinsImage)
}

// TestRunFresh_RemovesStaleContainer verifies that only a container with an
// exactly equal label set is replaced.
func TestRunFresh_RemovesStaleContainer(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, nil)
	s, _ := newTestSession(t, fake)
	spec := workloadSpec("it")

	stale := fake.AddContainer("old", jenkinsImage, spec.Labels)
	superset := docker.BuildWorkloadLabels("it", map[string]string{"extra": "1"})
	unrelated := fake.AddContainer("other", jenkinsImage, superset)

	id, err := s.RunFresh(context.Background(), spec, model.PullNever, false)

	require.NoError(t, err)
	_, staleExists := fake.Container(stale)
	assert.False(t, staleExists)
	_, unrelatedExists := fake.Container(unrelated)
	assert.True(t, unrelatedExists)
	assert.NotEqual(t, stale, id)
}

// TestRunFresh_ReplacesContainerOfLabelledImage runs the same named
// instance twice from an image carrying its own labels. The daemon merges
// those into the container labels, and the rerun must still find and
// replace the first container.
func TestRunFresh_ReplacesContainerOfLabelledImage(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, map[string]string{
		"org.opencontainers.image.vendor": "Jenkins project",
		"org.opencontainers.image.title":  "Official Jenkins Docker image",
	})
	s, _ := newTestSession(t, fake)
	spec := workloadSpec("it")
	spec.Name = "jenkins-it"

	first, err := s.RunFresh(context.Background(), spec, model.PullNever, false)
	require.NoError(t, err)
	c, ok := fake.Container(first)
	require.True(t, ok)
	assert.Equal(t, "Jenkins project", c.Config.Labels["org.opencontainers.image.vendor"])

	second, err := s.RunFresh(context.Background(), spec, model.PullNever, false)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	_, firstExists := fake.Container(first)
	assert.False(t, firstExists)
	assert.Equal(t, []string{second}, fake.ContainersNamed("jenkins-it"))
}

// TestRunFresh_ImageLabelsOverridden verifies that a label set by the
// caller wins over the image label of the same key when matching.
func TestRunFresh_ImageLabelsOverridden(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, map[string]string{"suite": "image-default"})
	s, _ := newTestSession(t, fake)
	spec := workloadSpec("it")
	spec.Labels["suite"] = "docker-plugin"

	first, err := s.RunFresh(context.Background(), spec, model.PullNever, false)
	require.NoError(t, err)
	c, _ := fake.Container(first)
	assert.Equal(t, "docker-plugin", c.Config.Labels["suite"])

	_, err = s.RunFresh(context.Background(), spec, model.PullNever, false)
	require.NoError(t, err)
	_, firstExists := fake.Container(first)
	assert.False(t, firstExists)
}

// TestRunFresh_RefreshData passes the refresh flag through to the data
// container.
func TestRunFresh_RefreshData(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, nil)
	s, _ := newTestSession(t, fake)

	first, err := s.DataContainer(context.Background(), false)
	require.NoError(t, err)

	id, err := s.RunFresh(context.Background(), workloadSpec("it"), model.PullNever, true)
	require.NoError(t, err)

	c, _ := fake.Container(id)
	require.Len(t, c.HostConfig.VolumesFrom, 1)
	assert.NotEqual(t, first, c.HostConfig.VolumesFrom[0])
	assert.Equal(t, 2, fake.CallCount("ImageBuild"))
}

// startFails fails every ContainerStart.
type startFails struct {
	*testutil.FakeDocker
}

func (startFails) ContainerStart(context.Context, string, container.StartOptions) error {
	return errors.New("port is already allocated")
}

func TestRunFresh_StartFailureStaysProvisioned(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, nil)
	s, _ := newTestSession(t, fake)
	s.client = docker.NewClientWithAPI(startFails{fake}, "unix:///var/run/docker.sock")

	id, err := s.RunFresh(context.Background(), workloadSpec("it"), model.PullNever, false)

	require.Error(t, err)
	assert.Equal(t, []string{id}, s.Provisioned())
	require.NoError(t, s.Teardown(context.Background()))
	_, exists := fake.Container(id)
	assert.False(t, exists)
}

func TestRunFresh_PullNeverMissing(t *testing.T) {
	fake := testutil.NewFakeDocker()
	s, _ := newTestSession(t, fake)

	_, err := s.RunFresh(context.Background(), workloadSpec("it"), model.PullNever, false)

	assert.ErrorIs(t, err, ErrImageMissing)
	assert.Empty(t, s.Provisioned())
	assert.Equal(t, 0, fake.CallCount("ContainerCreate"))
}

// TestTeardown_CleanupEnabled removes exactly the provisioned containers:
// the data container and foreign containers survive.
func TestTeardown_CleanupEnabled(t *testing.T) {
	// Arrange
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, nil)
	foreign := fake.AddContainer("someone-else", jenkinsImage, nil)
	s, _ := newTestSession(t, fake)

	first, err := s.RunFresh(context.Background(), workloadSpec("a"), model.PullNever, false)
	require.NoError(t, err)
	second, err := s.RunFresh(context.Background(), workloadSpec("b"), model.PullNever, false)
	require.NoError(t, err)
	dataID := fake.ContainersNamed("jenkins_data")[0]

	// Act
	err = s.Teardown(context.Background())

	// Assert
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{foreign, dataID}, fake.ContainerIDs())
	assert.Contains(t, fake.Calls, "ContainerRemove "+first+" force=true volumes=true")
	assert.Contains(t, fake.Calls, "ContainerRemove "+second+" force=true volumes=true")
	assert.Equal(t, 2, fake.CallCount("ContainerRemove"))
	assert.Empty(t, s.Provisioned())
}

func TestTeardown_CleanupDisabled(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, nil)
	s, _ := newTestSession(t, fake, func(c *config.Config) { c.Cleanup = false })

	id, err := s.RunFresh(context.Background(), workloadSpec("a"), model.PullNever, false)
	require.NoError(t, err)

	require.NoError(t, s.Teardown(context.Background()))

	c, ok := fake.Container(id)
	require.True(t, ok)
	assert.True(t, c.Running)
	assert.Equal(t, 0, fake.CallCount("ContainerRemove"))
}

// failFirstRemove fails removal of one specific container.
type failFirstRemove struct {
	*testutil.FakeDocker
	id string
}

func (f failFirstRemove) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	if id == f.id {
		return errors.New("device or resource busy")
	}
	return f.FakeDocker.ContainerRemove(ctx, id, opts)
}

// TestTeardown_ContinuesAfterFailure verifies that one failed removal does
// not stop the others and that its error is reported.
func TestTeardown_ContinuesAfterFailure(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, nil)
	s, _ := newTestSession(t, fake)

	first, err := s.RunFresh(context.Background(), workloadSpec("a"), model.PullNever, false)
	require.NoError(t, err)
	second, err := s.RunFresh(context.Background(), workloadSpec("b"), model.PullNever, false)
	require.NoError(t, err)
	s.client = docker.NewClientWithAPI(failFirstRemove{FakeDocker: fake, id: first}, "unix:///var/run/docker.sock")

	err = s.Teardown(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "device or resource busy")
	_, secondExists := fake.Container(second)
	assert.False(t, secondExists)
	assert.Equal(t, []string{first}, s.Provisioned())
}

func TestTeardown_AlreadyRemoved(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, nil)
	s, _ := newTestSession(t, fake)

	id, err := s.RunFresh(context.Background(), workloadSpec("a"), model.PullNever, false)
	require.NoError(t, err)
	require.NoError(t, fake.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}))

	assert.NoError(t, s.Teardown(context.Background()))
}

func TestWaitReady(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, nil)
	s, polled := newTestSession(t, fake)

	id, err := s.RunFresh(context.Background(), workloadSpec("a"), model.PullNever, false)
	require.NoError(t, err)

	ep, err := s.WaitReady(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, "localhost", ep.Host)
	assert.Positive(t, ep.HTTPPort)
	assert.Positive(t, ep.CLIPort)
	assert.NotEqual(t, ep.HTTPPort, ep.CLIPort)
	assert.Equal(t, []readiness.Endpoint{ep}, *polled)
}

func TestWaitReady_HostOverride(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, nil)
	s, _ := newTestSession(t, fake, func(c *config.Config) { c.Readiness.Host = "192.168.99.100" })

	id, err := s.RunFresh(context.Background(), workloadSpec("a"), model.PullNever, false)
	require.NoError(t, err)

	ep, err := s.WaitReady(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "192.168.99.100", ep.Host)
}

func TestWaitReady_NotPublished(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, nil)
	s, polled := newTestSession(t, fake)
	spec := workloadSpec("a")
	spec.PortBindings = nil

	id, err := s.RunFresh(context.Background(), spec, model.PullNever, false)
	require.NoError(t, err)

	_, err = s.WaitReady(context.Background(), id)

	assert.ErrorIs(t, err, port.ErrNoBinding)
	assert.Empty(t, *polled)
}

func TestWaitReady_NotReady(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, nil)
	s, _ := newTestSession(t, fake)
	s.poller = &readiness.Poller{
		Attempts:   2,
		Handshaker: readiness.HandshakeFunc(func(context.Context, readiness.Endpoint) error { return errors.New("503") }),
		Timer:      &instantTimer{ch: make(chan time.Time, 1)},
	}

	id, err := s.RunFresh(context.Background(), workloadSpec("a"), model.PullNever, false)
	require.NoError(t, err)

	_, err = s.WaitReady(context.Background(), id)
	assert.ErrorIs(t, err, readiness.ErrNotReady)
}

func TestStop_DefaultTimeout(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, nil)
	s, _ := newTestSession(t, fake)

	id, err := s.RunFresh(context.Background(), workloadSpec("a"), model.PullNever, false)
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background(), id, 0))
	assert.Contains(t, fake.Calls, "ContainerStop "+id+" 10")

	c, _ := fake.Container(id)
	assert.False(t, c.Running)
}

func TestClean(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage(jenkinsImage, nil)
	s, _ := newTestSession(t, fake)
	foreign := fake.AddContainer("someone-else", jenkinsImage, map[string]string{"team": "ci"})
	leftover := fake.AddContainer("leftover", jenkinsImage, docker.BuildWorkloadLabels("old-run", nil))

	id, err := s.RunFresh(context.Background(), workloadSpec("a"), model.PullNever, false)
	require.NoError(t, err)

	removed, err := s.Clean(context.Background())

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{leftover, id}, removed)
	_, foreignExists := fake.Container(foreign)
	assert.True(t, foreignExists)
	assert.Empty(t, s.Provisioned())
}

func TestManifest(t *testing.T) {
	s := New(nil)
	s.cfg.Build.WorkDir = t.TempDir()
	require.NoError(t, os.MkdirAll(s.cfg.PluginsDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.cfg.PluginsDir(), "git.hpi"), []byte("g"), 0o644))

	m, err := s.Manifest()

	require.NoError(t, err)
	assert.Contains(t, m.Labels, "git.jpi")
	assert.Contains(t, m.Text, "LABEL git.jpi=")
}

func TestBuildDataImage(t *testing.T) {
	fake := testutil.NewFakeDocker()
	s, _ := newTestSession(t, fake)

	ref, err := s.BuildDataImage(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "test/data", ref.Name)
	assert.Contains(t, ref.Labels, "docker-plugin.jpi")
	_, ok := fake.Image("test/data:1")
	assert.True(t, ok)
}

// TestBuildDataImageIfChanged builds once, skips while the plugins are
// unchanged and rebuilds after a plugin changes.
func TestBuildDataImageIfChanged(t *testing.T) {
	fake := testutil.NewFakeDocker()
	s, _ := newTestSession(t, fake)
	ctx := context.Background()

	first, built, err := s.BuildDataImageIfChanged(ctx)
	require.NoError(t, err)
	assert.True(t, built, "a missing image is built")

	same, built, err := s.BuildDataImageIfChanged(ctx)
	require.NoError(t, err)
	assert.False(t, built)
	assert.Equal(t, first.ID, same.ID)
	assert.Equal(t, first.Generation, same.Generation)
	assert.Equal(t, 1, fake.CallCount("ImageBuild"))

	plugin := filepath.Join(s.Config().PluginsDir(), "docker-plugin.hpi")
	require.NoError(t, os.WriteFile(plugin, []byte("Y"), 0o644))

	changed, built, err := s.BuildDataImageIfChanged(ctx)
	require.NoError(t, err)
	assert.True(t, built)
	assert.NotEqual(t, first.ID, changed.ID)
	assert.Equal(t, 2, fake.CallCount("ImageBuild"))
}
