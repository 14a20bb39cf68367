package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// completionCommand creates the completion command for generating shell completions.
func (c *CLI) completionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for imgtier.

To load completions:

Bash:
  $ source <(imgtier completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ imgtier completion bash > /etc/bash_completion.d/imgtier
  # macOS:
  $ imgtier completion bash > $(brew --prefix)/etc/bash_completion.d/imgtier

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ imgtier completion zsh > "${fpath[1]}/_imgtier"

  # You will need to start a new shell for this setup to take effect.

Fish:
  $ imgtier completion fish | source

  # To load completions for each session, execute once:
  $ imgtier completion fish > ~/.config/fish/completions/imgtier.fish

PowerShell:
  PS> imgtier completion powershell | Out-String | Invoke-Expression

  # To load completions for every new session, run:
  PS> imgtier completion powershell > imgtier.ps1
  # and source this file from your PowerShell profile.
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
			}
			return nil
		},
	}

	return cmd
}
