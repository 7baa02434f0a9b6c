// Package cli implements the cobra-based CLI commands for dockerit.
//
// Each subcommand lives in its own file. This file defines the root command,
// the global flags and the helpers every subcommand uses to load the
// configuration, open a session and print results.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shinji-kodama/dockerit/internal/config"
	"github.com/shinji-kodama/dockerit/internal/docker"
	"github.com/shinji-kodama/dockerit/internal/image"
	"github.com/shinji-kodama/dockerit/internal/logging"
	"github.com/shinji-kodama/dockerit/internal/model"
	"github.com/shinji-kodama/dockerit/internal/readiness"
	"github.com/shinji-kodama/dockerit/internal/session"
)

// Global flag variables shared across all subcommands.
var (
	// jsonOutput switches command output to JSON.
	jsonOutput bool

	// verbose lowers the log level to debug.
	verbose bool

	// configFile is an explicit config file path.
	configFile string
)

// Version, Commit and Date are set at build time via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// connect opens the Docker client for a command. Tests replace it with a
// client backed by an in-memory daemon.
var connect = func(cfg *config.Config) (*docker.Client, error) {
	return docker.NewClient(docker.Options{
		Host:      cfg.Docker.Host,
		TLSVerify: cfg.Docker.TLSVerify,
		CertPath:  cfg.Docker.CertPath,
	})
}

// logOutput is where the structured logger writes.
var logOutput io.Writer = os.Stderr

// NewRootCommand creates the root cobra command with every subcommand
// registered. The root command itself only provides help and global flags.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dockerit",
		Short: "Jenkins integration-test container orchestrator",
		Long: `dockerit prepares Docker containers for Jenkins integration tests.

It builds a data image holding plugin archives, keeps a data container
created from it, runs disposable Jenkins containers that mount the data
container's volumes and waits until Jenkins answers.`,

		// Errors and usage are printed by Execute.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Config file (default: ./dockerit.{yaml,yml,json,jsonc})")
	rootCmd.PersistentFlags().String("host", "", "Docker host (default: DOCKER_HOST or local socket)")

	rootCmd.AddCommand(NewDataCommand())
	rootCmd.AddCommand(NewBuildCommand())
	rootCmd.AddCommand(NewManifestCommand())
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewWaitCommand())
	rootCmd.AddCommand(NewStopCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewCleanCommand())

	return rootCmd
}

// Execute runs the root command and exits with the code matching the
// returned error.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		cliErr := classify(err)
		printError(os.Stderr, cliErr.Message, cliErr.Err)
		os.Exit(int(cliErr.Code))
	}
}

// classify maps an error to a CLIError carrying the exit code. Errors that
// already are CLIErrors keep their code.
func classify(err error) *model.CLIError {
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		return cliErr
	}

	code := model.ExitGeneralError
	switch {
	case errors.Is(err, image.ErrBuildFailed), errors.Is(err, image.ErrContext):
		code = model.ExitBuildFailed
	case errors.Is(err, readiness.ErrNotReady):
		code = model.ExitNotReady
	case errors.Is(err, session.ErrImageMissing), docker.IsNotFound(err):
		code = model.ExitNotFound
	}
	return &model.CLIError{Code: code, Message: err.Error()}
}

// printError writes an error in text or JSON form.
func printError(w io.Writer, message string, underlying error) {
	if jsonOutput {
		errObj := map[string]any{
			"error": map[string]any{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]any); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	if underlying != nil {
		fmt.Fprintf(w, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// loadConfig loads the configuration. flagKeys maps config keys to the
// names of flags on cmd that override them.
func loadConfig(cmd *cobra.Command, flagKeys map[string]string) (*config.Config, error) {
	flags := map[string]*pflag.Flag{
		"docker.host": cmd.Flags().Lookup("host"),
	}
	for key, name := range flagKeys {
		flags[key] = cmd.Flags().Lookup(name)
	}

	cfg, path, err := config.Load(config.LoadOptions{
		ConfigFile: configFile,
		Flags:      flags,
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "failed to load configuration", err)
	}
	if path != "" {
		newLogger(cfg).Debug("Loaded configuration", "file", path)
	}
	return cfg, nil
}

// newLogger returns the command logger. --verbose wins over log_level.
func newLogger(cfg *config.Config) *log.Logger {
	logger := logging.New(logOutput, "dockerit", verbose)
	if !verbose {
		if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
			logger.SetLevel(level)
		}
	}
	return logger
}

// openSession connects to Docker and sets up a session for cfg. The caller
// must call Teardown.
func openSession(ctx context.Context, cfg *config.Config, opts ...session.Option) (*session.Session, error) {
	client, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]session.Option{
		session.WithLogger(newLogger(cfg)),
		session.WithClient(client),
	}, opts...)

	s := session.New(cfg, opts...)
	if err := s.Setup(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// closeSession tears s down, keeping the first error.
func closeSession(s *session.Session, err *error) {
	if tdErr := s.Teardown(context.Background()); tdErr != nil && *err == nil {
		*err = model.WrapCLIError(model.ExitGeneralError, "teardown failed", tdErr)
	}
}
