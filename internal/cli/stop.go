package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/dockerit/internal/session"
)

// NewStopCommand creates the "stop" command.
func NewStopCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop <container>",
		Short: "Stop a Jenkins container",
		Long: `Stop a container gracefully. The daemon sends SIGTERM and kills the
container once the timeout expires. The container is not removed.

Examples:
  dockerit stop jenkins-it
  dockerit stop --timeout 30s 3f2a9c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			cfg.Cleanup = false

			s, err := openSession(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			if err := s.Stop(cmd.Context(), args[0], timeout); err != nil {
				return err
			}
			return printAction(cmd.OutOrStdout(), "stopped", []string{args[0]})
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", session.DefaultStopTimeout, "Time to wait before the container is killed")

	return cmd
}

// NewCleanCommand creates the "clean" command.
func NewCleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove every container managed by dockerit",
		Long: `Force-remove every container labelled dockerit.managed-by=dockerit,
running or not, together with its anonymous volumes. Containers left behind
by interrupted test runs are collected this way. The data container is not
labelled and survives.

Examples:
  dockerit clean
  dockerit clean --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			cfg.Cleanup = false

			s, err := openSession(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			removed, err := s.Clean(cmd.Context())
			if printErr := printAction(cmd.OutOrStdout(), "removed", removed); printErr != nil && err == nil {
				err = printErr
			}
			return err
		},
	}
}

// printAction reports the containers an action applied to.
func printAction(w io.Writer, action string, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	if IsJSONOutput() {
		return printJSON(w, map[string]any{
			"action":     action,
			"containers": ids,
		})
	}
	if len(ids) == 0 {
		_, err := fmt.Fprintf(w, "No containers %s.\n", action)
		return err
	}
	for _, id := range ids {
		if _, err := fmt.Fprintf(w, "%s %s\n", capitalize(action), id); err != nil {
			return err
		}
	}
	return nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
