package docker

import (
	"context"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/dockerit/internal/testutil"
)

// makeSummary is a helper that creates a container.Summary with the given
// names and labels, avoiding repetitive struct literals across tests.
func makeSummary(id string, labels map[string]string, names ...string) container.Summary {
	return container.Summary{
		ID:     id,
		Names:  names,
		Labels: labels,
		State:  "running",
		Image:  "jenkins:1.609.1",
	}
}

// TestFindContainerByName verifies the exact "/"+name comparison. Docker
// prefixes every container name with "/", so a bare name never matches.
func TestFindContainerByName(t *testing.T) {
	containers := []container.Summary{
		makeSummary("aaa111", nil, "/jenkins_data_old"),
		makeSummary("bbb222", nil, "/jenkins_data"),
		makeSummary("ccc333", nil, "jenkins_data"),
	}

	id, ok := FindContainerByName(containers, "jenkins_data")
	require.True(t, ok)
	assert.Equal(t, "bbb222", id)

	_, ok = FindContainerByName(containers, "jenkins")
	assert.False(t, ok, "prefix matches must not count")
}

func TestFindContainerByName_Empty(t *testing.T) {
	_, ok := FindContainerByName(nil, "jenkins_data")
	assert.False(t, ok)
}

// TestFindContainerByLabels verifies that only an exactly equal label set
// matches, and that the first match wins.
func TestFindContainerByLabels(t *testing.T) {
	want := map[string]string{"dockerit.instance": "a", "dockerit.managed-by": "dockerit"}
	containers := []container.Summary{
		makeSummary("superset", map[string]string{"dockerit.instance": "a", "dockerit.managed-by": "dockerit", "x": "y"}),
		makeSummary("first", map[string]string{"dockerit.managed-by": "dockerit", "dockerit.instance": "a"}),
		makeSummary("second", map[string]string{"dockerit.managed-by": "dockerit", "dockerit.instance": "a"}),
	}

	id, ok := FindContainerByLabels(containers, want)
	require.True(t, ok)
	assert.Equal(t, "first", id)

	_, ok = FindContainerByLabels(containers, map[string]string{"dockerit.instance": "a"})
	assert.False(t, ok, "a subset of labels must not match")
}

// TestContainerToInfo verifies the leading "/" is stripped from names and
// that state and labels carry over.
func TestContainerToInfo(t *testing.T) {
	info := containerToInfo(makeSummary("abc", map[string]string{"k": "v"}, "/jenkins-1"))

	assert.Equal(t, "abc", info.ContainerID)
	assert.Equal(t, "jenkins-1", info.ContainerName)
	assert.Equal(t, "running", info.Status)
	assert.Equal(t, "jenkins:1.609.1", info.Image)
	assert.Equal(t, "v", info.Labels["k"])
}

func TestContainerToInfo_HostPorts(t *testing.T) {
	c := makeSummary("abc", nil, "/jenkins-1")
	c.Ports = []container.Port{
		{PrivatePort: 50000, PublicPort: 32769, Type: "tcp"},
		{PrivatePort: 8080, PublicPort: 32768, Type: "tcp"},
		{PrivatePort: 9000, Type: "tcp"},
	}
	assert.Equal(t, []int{32768, 32769}, containerToInfo(c).HostPorts)
}

func TestContainerToInfo_NoNames(t *testing.T) {
	info := containerToInfo(container.Summary{ID: "abc"})
	assert.Empty(t, info.ContainerName)
}

func TestPublishedHost(t *testing.T) {
	tests := []struct {
		host     string
		expected string
	}{
		{"tcp://192.168.99.100:2376", "192.168.99.100"},
		{"https://docker.example.com:2376", "docker.example.com"},
		{"unix:///var/run/docker.sock", "localhost"},
		{"npipe:////./pipe/docker_engine", "localhost"},
		{"", "localhost"},
	}

	for _, tt := range tests {
		name := tt.host
		if name == "" {
			name = "empty"
		}
		t.Run(strings.ReplaceAll(name, "/", "_"), func(t *testing.T) {
			assert.Equal(t, tt.expected, PublishedHost(tt.host))
		})
	}
}

// TestListManagedContainers verifies the server-side label filter selects
// only dockerit containers.
func TestListManagedContainers(t *testing.T) {
	fake := testutil.NewFakeDocker()
	managed := fake.AddContainer("jenkins-it", "jenkins:1.609.1", BuildWorkloadLabels("jenkins-it", nil))
	fake.AddContainer("postgres", "postgres:16", map[string]string{"app": "db"})
	fake.AddContainer("impostor", "jenkins:1.609.1", map[string]string{LabelManagedBy: "someone-else"})

	infos, err := ListManagedContainers(context.Background(), fake)

	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, managed, infos[0].ContainerID)
	assert.Equal(t, "jenkins-it", infos[0].ContainerName)
}

func TestImageExists(t *testing.T) {
	fake := testutil.NewFakeDocker()
	fake.AddImage("kostyasha/jenkins-data:latest", nil)
	fake.AddImage("<none>:<none>", nil)

	tests := []struct {
		ref  string
		want bool
	}{
		{"kostyasha/jenkins-data:latest", true},
		{"kostyasha/jenkins-data", true},
		{"docker.io/kostyasha/jenkins-data:latest", true},
		{"kostyasha/jenkins-data:sometest", false},
		{"jenkins-data", false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := ImageExists(context.Background(), fake, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestImageExists_InvalidReference(t *testing.T) {
	_, err := ImageExists(context.Background(), testutil.NewFakeDocker(), "-bad/name")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid image reference")
}

func TestNormalizeImage(t *testing.T) {
	got, err := NormalizeImage("jenkins")
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/jenkins:latest", got)
}
