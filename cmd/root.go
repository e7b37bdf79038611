package cmd

import (
	"github.com/spf13/cobra"

	"go.olrik.dev/remotehub/internal/core"
)

// NewRootCommand assembles the remotehub command tree.
func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "remotehub",
		Short: "Remotehub - remote development connection manager",
		Long:  `Remotehub - remote development connection manager`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return core.InitializeConfig(configPath, verbose)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", core.DefaultConfigPath(),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewConnectCommand(),
		NewReconnectCommand(),
		NewListCommand(),
		NewForgetCommand(),
		NewCredentialsCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
