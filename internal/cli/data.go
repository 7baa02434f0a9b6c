package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

type dataFlags struct {
	refresh bool
}

// NewDataCommand creates the "data" command, which ensures the data
// container exists.
func NewDataCommand() *cobra.Command {
	flags := &dataFlags{}

	cmd := &cobra.Command{
		Use:   "data",
		Short: "Ensure the Jenkins data container exists",
		Long: `Ensure the long-lived data container exists and print its ID.

The data image is built from the plugins directory when it is missing.
With --refresh the container and the image are removed and rebuilt.

Examples:
  dockerit data
  dockerit data --refresh`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := loadConfig(cmd, map[string]string{"data.refresh": "refresh"})
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			id, err := s.DataContainer(cmd.Context(), cfg.Data.Refresh)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if IsJSONOutput() {
				return printJSON(out, map[string]any{
					"name":  cfg.Data.Container,
					"image": cfg.Data.Image,
					"id":    id,
				})
			}
			_, err = fmt.Fprintf(out, "Data container %s (%s): %s\n", cfg.Data.Container, cfg.Data.Image, id)
			return err
		},
	}

	cmd.Flags().BoolVar(&flags.refresh, "refresh", false, "Remove and rebuild the data container and image")

	return cmd
}
