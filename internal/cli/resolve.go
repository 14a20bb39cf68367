package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	imgerr "github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/netprofile"
	"github.com/matzehuels/imgtier/pkg/variant"
)

// sourceFlags are the flags shared by commands that take a source argument.
type sourceFlags struct {
	noTransform bool
	overrides   variant.Overrides
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.noTransform, "no-transform", false, "load the source URL as-is for every stage")
	cmd.Flags().IntVar(&f.overrides.Width, "width", 0, "override the full-stage width")
	cmd.Flags().IntVar(&f.overrides.Quality, "quality", 0, "override the full-stage quality")
	cmd.Flags().StringVar(&f.overrides.Format, "format", "", "output format (webp, avif, jpeg, png, origin)")
	cmd.Flags().StringVar(&f.overrides.Crop, "crop", "", "resize mode (cover, contain, fill)")
}

func (f *sourceFlags) source(ref string) variant.Source {
	return parseSource(ref, f.noTransform, f.overrides)
}

// resolveCommand creates the resolve command.
func (c *CLI) resolveCommand() *cobra.Command {
	var (
		flags   sourceFlags
		profile string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "resolve <src>",
		Short: "Print the variant URL of every stage for a source",
		Long: `Resolve a source against the transformation endpoint and print the URL
and parameters of each stage for a network profile. No network requests are made.

A source is an absolute http(s) URL or an identifier joined onto
transform.base_url from the config file.`,
		Example: `  imgtier resolve photos/cat.jpg --profile slow
  imgtier resolve https://cdn.example.com/a.png --format avif --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := netprofile.ParseProfile(profile)
			if err != nil {
				return imgerr.Wrap(imgerr.ErrCodeInvalidInput, err, "--profile")
			}
			src := flags.source(args[0])

			vs, err := variant.NewResolver(c.cfg.Transform.BaseURL).ResolveAll(src, p)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(vs)
			}

			fmt.Fprintln(w, StyleTitle.Render(src.URL)+" "+StyleDim.Render(p.String()+" network"))
			fmt.Fprintln(w, variantTable(vs))
			if src.Transformable {
				printNextStep("Load it", "imgtier load "+args[0]+" --profile "+p.String())
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&profile, "profile", "p", "medium", "network profile (slow, medium, fast)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print variants as JSON")
	return cmd
}
