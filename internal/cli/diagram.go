package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/imgtier/pkg/diagram"
	imgerr "github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/netprofile"
)

// diagramCommand creates the diagram command.
func (c *CLI) diagramCommand() *cobra.Command {
	var (
		output   string
		detailed bool
		profile  string
	)

	cmd := &cobra.Command{
		Use:   "diagram",
		Short: "Render the load session state machine",
		Long: `Render the stage sequence and its terminal outcomes as a Graphviz diagram.

Without -o the DOT source is printed. An output ending in .svg is rendered
with the embedded Graphviz; .dot writes the source.`,
		Example: `  imgtier diagram -o session.svg --detailed --profile slow`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := netprofile.ParseProfile(profile)
			if err != nil {
				return imgerr.Wrap(imgerr.ErrCodeInvalidInput, err, "--profile")
			}
			dot := diagram.ToDOT(diagram.Options{Detailed: detailed, Profile: p})

			if output == "" {
				fmt.Print(dot)
				return nil
			}

			var data []byte
			switch ext := strings.ToLower(filepath.Ext(output)); ext {
			case ".dot", ".gv":
				data = []byte(dot)
			case ".svg":
				if data, err = diagram.RenderSVG(cmd.Context(), dot); err != nil {
					return err
				}
			default:
				return imgerr.New(imgerr.ErrCodeInvalidInput, "unsupported output extension %q (want .svg or .dot)", ext)
			}

			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			printSuccess("Rendered diagram")
			printFile(output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (.svg or .dot)")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "label stages with their parameters")
	cmd.Flags().StringVarP(&profile, "profile", "p", "medium", "network profile for detailed labels")
	return cmd
}
