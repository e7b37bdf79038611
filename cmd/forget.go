package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.olrik.dev/remotehub/internal/core"
	"go.olrik.dev/remotehub/internal/store"
)

func NewForgetCommand() *cobra.Command {
	forgetCmd := &cobra.Command{
		Use:   "forget HOST",
		Short: "Remove the saved configuration for a host",
		Long:  `Remove the saved configuration and stored credentials for a host.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]

			st, err := store.Open(core.GetStorePath(), store.NewKeyringVault(core.GetKeyringPath()))
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Delete(host); err != nil {
				return err
			}
			fmt.Printf("Forgot %s\n", host)
			return nil
		},
	}

	return forgetCmd
}
