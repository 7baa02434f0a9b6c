package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParsePullStrategy verifies string-to-strategy conversion,
// including case normalization, alternative spellings and error cases.
func TestParsePullStrategy(t *testing.T) {
	tests := []struct {
		input    string
		expected PullStrategy
		hasError bool
	}{
		{"always", PullAlways, false},
		{"if-absent", PullIfAbsent, false},
		{"never", PullNever, false},
		{"ALWAYS", PullAlways, false},
		{"if_absent", PullIfAbsent, false},
		{"IfAbsent", PullIfAbsent, false},
		{" never ", PullNever, false},
		{"sometimes", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParsePullStrategy(tt.input)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

// TestPullStrategy_IsValid checks that only defined strategies pass validation.
func TestPullStrategy_IsValid(t *testing.T) {
	assert.True(t, PullAlways.IsValid())
	assert.True(t, PullIfAbsent.IsValid())
	assert.True(t, PullNever.IsValid())
	assert.False(t, PullStrategy("pull").IsValid())
	assert.False(t, PullStrategy("").IsValid())
}

func TestSplitImage(t *testing.T) {
	tests := []struct {
		image, name, tag string
	}{
		{"kostyasha/jenkins-data:sometest", "kostyasha/jenkins-data", "sometest"},
		{"jenkins", "jenkins", "latest"},
		{"localhost:5000/jenkins", "localhost:5000/jenkins", "latest"},
		{"localhost:5000/jenkins:1.609", "localhost:5000/jenkins", "1.609"},
	}

	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			name, tag := SplitImage(tt.image)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.tag, tag)
		})
	}
}

func TestImageRef_String(t *testing.T) {
	assert.Equal(t, "test/data:1", ImageRef{Name: "test/data", Tag: "1"}.String())
	assert.Equal(t, "test/data", ImageRef{Name: "test/data"}.String())
}

// TestImageRef_MatchesContent verifies that only the file hash labels take
// part in the comparison.
func TestImageRef_MatchesContent(t *testing.T) {
	ref := ImageRef{
		Labels:     map[string]string{"a.jpi": "aaa", "b.jpi": "bbb"},
		Generation: "ignored",
	}

	assert.True(t, ref.MatchesContent(map[string]string{"a.jpi": "aaa", "b.jpi": "bbb"}))
	assert.False(t, ref.MatchesContent(map[string]string{"a.jpi": "aaa"}))
	assert.False(t, ref.MatchesContent(map[string]string{"a.jpi": "aaa", "b.jpi": "ccc"}))
}

func TestLabelsEqual(t *testing.T) {
	assert.True(t, LabelsEqual(nil, map[string]string{}))
	assert.True(t, LabelsEqual(map[string]string{"a": "1"}, map[string]string{"a": "1"}))
	assert.False(t, LabelsEqual(map[string]string{"a": "1"}, map[string]string{"a": "2"}))
	assert.False(t, LabelsEqual(map[string]string{"a": "1"}, map[string]string{"a": "1", "b": "2"}))
	assert.False(t, LabelsEqual(map[string]string{"a": ""}, map[string]string{"b": ""}))
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Empty(t, SortedKeys(map[string]string{}))
}

// TestCLIError verifies the message formatting and unwrapping behaviour
// that the CLI relies on when mapping errors to exit codes.
func TestCLIError(t *testing.T) {
	base := errors.New("connection refused")

	wrapped := WrapCLIError(ExitDockerNotRunning, "cannot reach Docker", base)
	assert.Equal(t, "cannot reach Docker: connection refused", wrapped.Error())
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, ExitDockerNotRunning, wrapped.Code)

	plain := NewCLIError(ExitNotFound, "container not found")
	assert.Equal(t, "container not found", plain.Error())
	assert.Nil(t, plain.Unwrap())

	var cliErr *CLIError
	require.True(t, errors.As(error(wrapped), &cliErr))
	assert.Equal(t, ExitDockerNotRunning, cliErr.Code)
}

func TestImageRefFromLabels(t *testing.T) {
	ref := ImageRefFromLabels("kostyasha/jenkins-data:sometest", "sha256:abc", map[string]string{
		"git.jpi":       "aa",
		GenerationLabel: "gen-1",
	})

	assert.Equal(t, "kostyasha/jenkins-data", ref.Name)
	assert.Equal(t, "sometest", ref.Tag)
	assert.Equal(t, "sha256:abc", ref.ID)
	assert.Equal(t, "gen-1", ref.Generation)
	assert.True(t, ref.MatchesContent(map[string]string{"git.jpi": "aa"}))
	assert.False(t, ref.MatchesContent(map[string]string{"git.jpi": "bb"}))
}
