package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. When set it must exist.
	ConfigFile string

	// Dir is searched for dockerit.{yaml,yml,json,jsonc} and .env when
	// ConfigFile is empty. Empty means the working directory.
	Dir string

	// Flags maps config keys to command-line flags. Only flags the user
	// actually set override lower layers.
	Flags map[string]*pflag.Flag
}

// Loader layers defaults, files, environment and flags into a Config.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a Loader seeded with the defaults.
func NewLoader() *Loader {
	v := viper.New()

	d := Default()
	v.SetDefault("docker.host", d.Docker.Host)
	v.SetDefault("docker.tls_verify", d.Docker.TLSVerify)
	v.SetDefault("docker.cert_path", d.Docker.CertPath)
	v.SetDefault("data.image", d.Data.Image)
	v.SetDefault("data.container", d.Data.Container)
	v.SetDefault("data.refresh", d.Data.Refresh)
	v.SetDefault("build.work_dir", d.Build.WorkDir)
	v.SetDefault("build.home_path", d.Build.HomePath)
	v.SetDefault("build.maintainer", d.Build.Maintainer)
	v.SetDefault("workload.env", d.Workload.Env)
	v.SetDefault("workload.debug_address", d.Workload.DebugAddress)
	v.SetDefault("readiness.host", d.Readiness.Host)
	v.SetDefault("readiness.attempts", d.Readiness.Attempts)
	v.SetDefault("readiness.interval", d.Readiness.Interval)
	v.SetDefault("cleanup", d.Cleanup)
	v.SetDefault("log_level", d.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// Load returns the merged, validated configuration and the config file
// that was used, if any.
func (l *Loader) Load(opts LoadOptions) (*Config, string, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}

	// A missing .env is normal; a malformed one is not.
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("failed to load .env: %w", err)
	}

	path := opts.ConfigFile
	if path == "" {
		path = findConfigFile(dir)
	} else if _, err := os.Stat(path); err != nil {
		return nil, "", fmt.Errorf("config file not found: %w", err)
	}
	if path != "" {
		if err := l.mergeFile(path); err != nil {
			return nil, "", err
		}
	}

	for key, flag := range opts.Flags {
		if flag == nil || !flag.Changed {
			continue
		}
		if err := l.v.BindPFlag(key, flag); err != nil {
			return nil, "", fmt.Errorf("failed to bind flag --%s: %w", flag.Name, err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, path, nil
}

// Load is a convenience wrapper around NewLoader().Load.
func Load(opts LoadOptions) (*Config, string, error) {
	return NewLoader().Load(opts)
}

func findConfigFile(dir string) string {
	for _, ext := range []string{"yaml", "yml", "json", "jsonc"} {
		candidate := filepath.Join(dir, FileName+"."+ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// mergeFile decodes a YAML or JSON(C) file into a generic map and merges it
// over the defaults.
func (l *Loader) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	values := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".json", ".jsonc":
		// JSON is a YAML subset, so the stripped document decodes with the
		// same decoder and yields the same map shapes.
		if err := yaml.Unmarshal(jsonc.ToJSON(data), &values); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q (want .yaml, .yml, .json or .jsonc)", ext)
	}

	if err := l.v.MergeConfigMap(values); err != nil {
		return fmt.Errorf("failed to merge %s: %w", path, err)
	}
	return nil
}
