// Package config loads dockerit settings.
//
// Values are layered with viper, later layers winning:
//
//  1. built-in defaults
//  2. a .env file in the working directory (loaded into the process
//     environment with godotenv; existing variables are not overridden)
//  3. a config file: dockerit.yaml, dockerit.yml, dockerit.json or
//     dockerit.jsonc (JSON files may carry comments)
//  4. DOCKERIT_* environment variables, e.g. DOCKERIT_DATA_IMAGE
//  5. command-line flags bound with BindFlag
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/distribution/reference"

	"github.com/shinji-kodama/dockerit/internal/datavolume"
	"github.com/shinji-kodama/dockerit/internal/image"
	"github.com/shinji-kodama/dockerit/internal/readiness"
)

// FileName is the base name searched for when no --config is given.
const FileName = "dockerit"

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "DOCKERIT"

// DefaultJavaOpts disables chunked HTTP responses, which the remoting CLI
// of older Jenkins versions cannot handle behind Docker port forwarding.
const DefaultJavaOpts = "JAVA_OPTS=-Dhudson.diyChunking=false"

// Config is the complete dockerit configuration.
type Config struct {
	Docker    DockerConfig    `json:"docker" mapstructure:"docker"`
	Data      DataConfig      `json:"data" mapstructure:"data"`
	Build     BuildConfig     `json:"build" mapstructure:"build"`
	Workload  WorkloadConfig  `json:"workload" mapstructure:"workload"`
	Readiness ReadinessConfig `json:"readiness" mapstructure:"readiness"`

	// Cleanup removes provisioned workload containers on teardown.
	Cleanup bool `json:"cleanup" mapstructure:"cleanup"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level" mapstructure:"log_level"`
}

// DockerConfig selects the daemon. Empty values fall back to DOCKER_HOST,
// DOCKER_CERT_PATH and socket auto-detection.
type DockerConfig struct {
	Host      string `json:"host,omitempty" mapstructure:"host"`
	TLSVerify bool   `json:"tls_verify" mapstructure:"tls_verify"`
	CertPath  string `json:"cert_path,omitempty" mapstructure:"cert_path"`
}

// DataConfig names the data image and container.
type DataConfig struct {
	Image     string `json:"image" mapstructure:"image"`
	Container string `json:"container" mapstructure:"container"`

	// Refresh rebuilds the data image and recreates the container.
	Refresh bool `json:"refresh" mapstructure:"refresh"`
}

// BuildConfig controls data image builds.
type BuildConfig struct {
	// WorkDir is the build output directory. Plugins are read from
	// <work_dir>/docker-it/plugins, the context is assembled in
	// <work_dir>/docker-it/build-image.
	WorkDir    string `json:"work_dir" mapstructure:"work_dir"`
	HomePath   string `json:"home_path" mapstructure:"home_path"`
	Maintainer string `json:"maintainer" mapstructure:"maintainer"`
}

// WorkloadConfig is injected into every workload container.
type WorkloadConfig struct {
	// Env is the fixed environment block.
	Env []string `json:"env" mapstructure:"env"`

	// DebugAddress, when set, makes Jenkins connect to a JDWP debugger
	// listening at host:port and wait for it before starting.
	DebugAddress string `json:"debug_address,omitempty" mapstructure:"debug_address"`
}

// ReadinessConfig is the readiness retry policy.
type ReadinessConfig struct {
	// Host overrides the address published ports are reached on.
	// Empty derives it from the Docker host.
	Host     string        `json:"host,omitempty" mapstructure:"host"`
	Attempts int           `json:"attempts" mapstructure:"attempts"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Image:     datavolume.DefaultImage,
			Container: datavolume.DefaultContainerName,
		},
		Build: BuildConfig{
			WorkDir:    "target",
			HomePath:   image.DefaultHomePath,
			Maintainer: image.DefaultMaintainer,
		},
		Workload: WorkloadConfig{
			Env: []string{DefaultJavaOpts},
		},
		Readiness: ReadinessConfig{
			Attempts: readiness.DefaultAttempts,
			Interval: readiness.DefaultInterval,
		},
		Cleanup:  true,
		LogLevel: "info",
	}
}

// BuildDir is the scratch directory for data image build contexts.
func (c *Config) BuildDir() string {
	return filepath.Join(c.Build.WorkDir, "docker-it", "build-image")
}

// PluginsDir holds the plugin archives embedded into the data image.
func (c *Config) PluginsDir() string {
	return filepath.Join(c.Build.WorkDir, "docker-it", "plugins")
}

// WorkloadEnv returns the environment block for workload containers. With a
// debug address the JDWP agent is appended to JAVA_OPTS.
func (c *Config) WorkloadEnv() []string {
	env := append([]string(nil), c.Workload.Env...)
	if c.Workload.DebugAddress == "" {
		return env
	}

	agent := "-agentlib:jdwp=transport=dt_socket,server=n,address=" + c.Workload.DebugAddress + ",suspend=y"
	for i, kv := range env {
		if strings.HasPrefix(kv, "JAVA_OPTS=") {
			env[i] = kv + " " + agent
			return env
		}
	}
	return append(env, "JAVA_OPTS="+agent)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Data.Image == "" {
		return fmt.Errorf("data.image must not be empty")
	}
	if _, err := reference.ParseNormalizedNamed(c.Data.Image); err != nil {
		return fmt.Errorf("data.image %q is not a valid image reference: %w", c.Data.Image, err)
	}
	if c.Data.Container == "" {
		return fmt.Errorf("data.container must not be empty")
	}
	if strings.HasPrefix(c.Data.Container, "/") {
		return fmt.Errorf("data.container %q must not start with '/'", c.Data.Container)
	}
	if c.Build.WorkDir == "" {
		return fmt.Errorf("build.work_dir must not be empty")
	}
	if !strings.HasPrefix(c.Build.HomePath, "/") {
		return fmt.Errorf("build.home_path %q must be absolute", c.Build.HomePath)
	}
	if c.Readiness.Attempts < 1 {
		return fmt.Errorf("readiness.attempts must be at least 1, got %d", c.Readiness.Attempts)
	}
	if c.Readiness.Interval <= 0 {
		return fmt.Errorf("readiness.interval must be positive, got %s", c.Readiness.Interval)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}
