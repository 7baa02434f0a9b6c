package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/dockerit/internal/docker"
	"github.com/shinji-kodama/dockerit/internal/model"
	"github.com/shinji-kodama/dockerit/internal/port"
	"github.com/shinji-kodama/dockerit/internal/readiness"
)

type runFlags struct {
	pull        string
	refreshData bool
	labels      []string
	env         []string
	name        string
	publishFree bool
	wait        bool
	rm          bool
}

// NewRunCommand creates the "run" command, which starts a fresh Jenkins
// workload container bound to the data container.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Run a fresh Jenkins container bound to the data container",
		Long: `Run a fresh Jenkins container that mounts the data container's volumes.

A previous container with exactly the same labels is removed first. Ports
8080 and 50000 are published on ephemeral host ports, or on free host ports
chosen up front with --publish-free.

Examples:
  dockerit run jenkins:1.609.1
  dockerit run --pull always --wait jenkins:1.609.1
  dockerit run --label suite=docker-plugin --wait --rm jenkins:1.609.1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.pull, "pull", string(model.PullIfAbsent), "Pull strategy: always, if-absent, never")
	cmd.Flags().BoolVar(&flags.refreshData, "refresh-data", false, "Rebuild the data image and container first")
	cmd.Flags().StringArrayVarP(&flags.labels, "label", "l", nil, "Extra container label key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&flags.env, "env", "e", nil, "Extra environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&flags.name, "name", "", "Container name and instance label (default: image)")
	cmd.Flags().BoolVar(&flags.publishFree, "publish-free", false, "Publish on free host ports, preferring 8080 and 50000")
	cmd.Flags().BoolVar(&flags.wait, "wait", false, "Wait until Jenkins answers")
	cmd.Flags().BoolVar(&flags.rm, "rm", false, "Remove the container before exiting")

	return cmd
}

type runResult struct {
	ID       string              `json:"id"`
	Image    string              `json:"image"`
	Labels   map[string]string   `json:"labels"`
	Endpoint *readiness.Endpoint `json:"endpoint,omitempty"`
	URL      string              `json:"url,omitempty"`
	Removed  bool                `json:"removed"`
}

func runRun(cmd *cobra.Command, image string, flags *runFlags) (err error) {
	strategy, err := model.ParsePullStrategy(flags.pull)
	if err != nil {
		return model.WrapCLIError(model.ExitConfigError, "invalid --pull value", err)
	}
	spec, err := buildRunSpec(image, flags)
	if err != nil {
		return model.WrapCLIError(model.ExitConfigError, "invalid run options", err)
	}

	cfg, err := loadConfig(cmd, map[string]string{"data.refresh": "refresh-data"})
	if err != nil {
		return err
	}
	// The container outlives the command unless --rm is given.
	cfg.Cleanup = flags.rm

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	id, err := s.RunFresh(ctx, spec, strategy, cfg.Data.Refresh)
	if err != nil {
		return err
	}

	result := runResult{ID: id, Image: image, Labels: spec.Labels, Removed: flags.rm}
	if flags.wait {
		ep, err := s.WaitReady(ctx, id)
		if err != nil {
			return err
		}
		result.Endpoint = &ep
		result.URL = ep.URL()
	}
	return printRunResult(cmd.OutOrStdout(), result)
}

// buildRunSpec turns the command line into a container spec with the
// management labels and the Jenkins ports.
func buildRunSpec(image string, flags *runFlags) (model.ContainerSpec, error) {
	extra, err := docker.ParseLabelFlags(flags.labels)
	if err != nil {
		return model.ContainerSpec{}, err
	}
	for _, kv := range flags.env {
		if !strings.Contains(kv, "=") {
			return model.ContainerSpec{}, fmt.Errorf("environment variable %q must be KEY=VALUE", kv)
		}
	}

	instance := flags.name
	if instance == "" {
		instance = image
	}

	bindings, err := portBindings(flags.publishFree)
	if err != nil {
		return model.ContainerSpec{}, err
	}

	return model.ContainerSpec{
		Image:        image,
		Name:         flags.name,
		Labels:       docker.BuildWorkloadLabels(instance, extra),
		Env:          flags.env,
		ExposedPorts: port.JenkinsPorts(),
		PortBindings: bindings,
	}, nil
}

// portBindings publishes the Jenkins ports. Without publishFree the host
// ports are left empty so Docker assigns ephemeral ones.
func portBindings(publishFree bool) (nat.PortMap, error) {
	if publishFree {
		return port.NewAllocator(port.NewScanner()).Allocate(port.JenkinsPorts())
	}
	bindings := nat.PortMap{}
	for p := range port.JenkinsPorts() {
		bindings[p] = []nat.PortBinding{{}}
	}
	return bindings, nil
}

func printRunResult(w io.Writer, r runResult) error {
	if IsJSONOutput() {
		return printJSON(w, r)
	}
	fmt.Fprintf(w, "Started %s from %s\n", r.ID, r.Image)
	fmt.Fprintf(w, "  labels: %s\n", docker.FormatLabels(r.Labels))
	if r.URL != "" {
		fmt.Fprintf(w, "  Jenkins ready at %s\n", r.URL)
	}
	if r.Removed {
		fmt.Fprintln(w, "  container removed")
	}
	return nil
}

// waitFlags holds overrides of the readiness policy.
type waitFlags struct {
	attempts int
	interval string
}

// NewWaitCommand creates the "wait" command, which checks an already
// running Jenkins container.
func NewWaitCommand() *cobra.Command {
	flags := &waitFlags{}

	cmd := &cobra.Command{
		Use:   "wait <container>",
		Short: "Wait until Jenkins in a container answers",
		Long: `Discover the published Jenkins ports of a container and retry the
readiness handshake until it succeeds (default: 10 attempts, 5s apart).

Examples:
  dockerit wait jenkins-it
  dockerit wait --attempts 30 --interval 2s 3f2a9c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := loadConfig(cmd, map[string]string{
				"readiness.attempts": "attempts",
				"readiness.interval": "interval",
			})
			if err != nil {
				return err
			}
			// wait never removes anything
			cfg.Cleanup = false

			s, err := openSession(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			ep, err := s.WaitReady(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printEndpoint(cmd.OutOrStdout(), args[0], ep)
		},
	}

	cmd.Flags().IntVar(&flags.attempts, "attempts", 0, "Maximum handshake attempts (default from config: 10)")
	cmd.Flags().StringVar(&flags.interval, "interval", "", "Pause between attempts, e.g. 5s (default from config)")

	return cmd
}

func printEndpoint(w io.Writer, containerID string, ep readiness.Endpoint) error {
	if IsJSONOutput() {
		return printJSON(w, map[string]any{
			"container": containerID,
			"endpoint":  ep,
			"url":       ep.URL(),
		})
	}
	_, err := fmt.Fprintf(w, "Jenkins in %s ready at %s\n", containerID, ep.URL())
	return err
}
