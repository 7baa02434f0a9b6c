package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/dockerit/internal/model"
	"github.com/shinji-kodama/dockerit/internal/session"
)

// NewBuildCommand creates the "build" command, which rebuilds the data
// image without touching the data container.
func NewBuildCommand() *cobra.Command {
	var ifChanged bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the Jenkins data image",
		Long: `Build the data image from the plugins directory.

Every *.hpi file is embedded as *.jpi below <home_path>/plugins. Each file's
SHA-256 is stamped as an image label together with a fresh GENERATION_UUID.

With --if-changed the build is skipped while the hash labels of the current
image still match the plugins directory.

Examples:
  dockerit build
  dockerit build --if-changed
  dockerit build --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			if !ifChanged {
				ref, err := s.BuildDataImage(cmd.Context())
				if err != nil {
					return err
				}
				return printImageRef(cmd.OutOrStdout(), ref)
			}

			ref, built, err := s.BuildDataImageIfChanged(cmd.Context())
			if err != nil {
				return err
			}
			if built {
				return printImageRef(cmd.OutOrStdout(), ref)
			}
			if IsJSONOutput() {
				return printJSON(cmd.OutOrStdout(), ref)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Data image %s (%s) is up to date\n", ref.String(), ref.ID)
			return err
		},
	}

	cmd.Flags().BoolVar(&ifChanged, "if-changed", false, "Skip the build when the plugins match the current image")

	return cmd
}

func printImageRef(w io.Writer, ref model.ImageRef) error {
	if IsJSONOutput() {
		return printJSON(w, ref)
	}
	fmt.Fprintf(w, "Built %s (%s)\n", ref.String(), ref.ID)
	fmt.Fprintf(w, "  %s=%s\n", model.GenerationLabel, ref.Generation)
	for _, name := range model.SortedKeys(ref.Labels) {
		fmt.Fprintf(w, "  %s=%s\n", name, ref.Labels[name])
	}
	return nil
}

// NewManifestCommand creates the "manifest" command, which prints the
// Dockerfile the next build would use. It does not contact Docker.
func NewManifestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest",
		Short: "Print the data image Dockerfile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}

			m, err := session.New(cfg).Manifest()
			if err != nil {
				return err
			}

			if IsJSONOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"dockerfile": m.Text,
					"labels":     m.Labels,
					"generation": m.Generation,
				})
			}
			_, err = io.WriteString(cmd.OutOrStdout(), m.Text)
			return err
		},
	}
}
