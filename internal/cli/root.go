package cli

import (
	"github.com/spf13/cobra"

	"github.com/matzehuels/imgtier/pkg/buildinfo"
)

// RootCommand creates the root cobra command with all subcommands registered.
//
// The persistent --config flag names the TOML file every command reads; it
// defaults to $IMGTIER_CONFIG and then the user config directory. The loaded
// configuration and the logger are attached before any subcommand runs.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          appName,
		Short:        "imgtier loads images progressively, adapting quality to the network",
		Long:         `imgtier resolves quality tiers of an image against a transformation endpoint and loads them in order, placeholder to full, scaling width and quality to the detected network.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := c.loadConfig(); err != nil {
				return err
			}
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
			return nil
		},
	}

	root.SetVersionTemplate(buildinfo.Template())
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default $IMGTIER_CONFIG or ~/.config/imgtier/config.toml)")

	// Register all subcommands
	root.AddCommand(c.resolveCommand())
	root.AddCommand(c.loadCommand())
	root.AddCommand(c.profileCommand())
	root.AddCommand(c.serveCommand())
	root.AddCommand(c.diagramCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.completionCommand())

	return root
}
