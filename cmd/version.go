package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.olrik.dev/remotehub/internal/core"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the remotehub version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(core.FormatVersion(core.Version))
		},
	}

	return versionCmd
}
