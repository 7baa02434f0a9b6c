package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/dockerit/internal/docker"
	"github.com/shinji-kodama/dockerit/internal/model"
)

// listFlags holds the flag values for the list command.
type listFlags struct {
	// status filters containers by Docker state ("running", "exited", ...).
	// Empty or "all" shows every container.
	status string
}

// NewListCommand creates the "list" command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List containers managed by dockerit",
		Long: `List every container carrying the dockerit.managed-by=dockerit label,
with its state, image, published host ports and instance label.

Examples:
  dockerit list
  dockerit list --status running
  dockerit list --json`,
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}

			client, err := connect(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if err := client.Ping(cmd.Context()); err != nil {
				return err
			}

			containers, err := docker.ListManagedContainers(cmd.Context(), client.API())
			if err != nil {
				return err
			}
			containers = filterByStatus(containers, flags.status)

			if IsJSONOutput() {
				if containers == nil {
					containers = []model.ContainerInfo{}
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"containers": containers})
			}
			printListText(cmd.OutOrStdout(), containers)
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.status, "status", "s", "all", "Filter by container state (running, created, exited, all)")

	return cmd
}

func filterByStatus(containers []model.ContainerInfo, status string) []model.ContainerInfo {
	if status == "" || status == "all" {
		return containers
	}
	var out []model.ContainerInfo
	for _, c := range containers {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out
}

// printListText prints containers as an aligned table:
//
//	ID            NAME        STATUS    IMAGE             PORTS        INSTANCE
//	3f2a9c0d1e2b  jenkins-it  running   jenkins:1.609.1   32768,32769  jenkins-it
func printListText(w io.Writer, containers []model.ContainerInfo) {
	if len(containers) == 0 {
		fmt.Fprintln(w, "No dockerit containers found.")
		return
	}

	fmt.Fprintf(w, "%-13s %-20s %-10s %-24s %-13s %s\n",
		"ID", "NAME", "STATUS", "IMAGE", "PORTS", "INSTANCE")
	for _, c := range containers {
		fmt.Fprintf(w, "%-13s %-20s %-10s %-24s %-13s %s\n",
			shortID(c.ContainerID),
			dashIfEmpty(c.ContainerName),
			c.Status,
			c.Image,
			FormatPortsList(c.HostPorts),
			dashIfEmpty(c.Labels[docker.LabelInstance]),
		)
	}
}

// FormatPortsList joins host ports with commas, or returns "-" when there
// are none. Ports are expected in ascending order.
func FormatPortsList(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, strconv.Itoa(p))
	}
	return strings.Join(parts, ",")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
