package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/remotehub/internal/core"
	"go.olrik.dev/remotehub/internal/store"
)

func NewCredentialsCommand() *cobra.Command {
	credentialsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored TLS credentials",
		Long:  `Manage the TLS credential material stored in the OS keyring per host.`,
	}

	var caCertPath, certPath, keyPath string
	setCmd := &cobra.Command{
		Use:   "set HOST",
		Short: "Store TLS credentials for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]

			var creds store.Credentials
			var err error
			if caCertPath != "" {
				if creds.CACert, err = os.ReadFile(caCertPath); err != nil {
					return fmt.Errorf("failed to read CA certificate: %w", err)
				}
			}
			if certPath != "" {
				if creds.ClientCert, err = os.ReadFile(certPath); err != nil {
					return fmt.Errorf("failed to read client certificate: %w", err)
				}
			}
			if keyPath != "" {
				if creds.ClientKey, err = os.ReadFile(keyPath); err != nil {
					return fmt.Errorf("failed to read client key: %w", err)
				}
			}
			if len(creds.CACert) == 0 && len(creds.ClientCert) == 0 && len(creds.ClientKey) == 0 {
				return fmt.Errorf("nothing to store: pass --ca-cert, --cert and/or --key")
			}

			vault := store.NewKeyringVault(core.GetKeyringPath())
			if err := vault.Store(host, creds); err != nil {
				return err
			}
			fmt.Printf("Stored credentials for %s\n", host)
			return nil
		},
	}
	setCmd.Flags().StringVar(&caCertPath, "ca-cert", "", "certificate authority certificate file")
	setCmd.Flags().StringVar(&certPath, "cert", "", "client certificate file")
	setCmd.Flags().StringVar(&keyPath, "key", "", "client key file")

	clearCmd := &cobra.Command{
		Use:   "clear HOST",
		Short: "Remove stored TLS credentials for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]
			vault := store.NewKeyringVault(core.GetKeyringPath())
			if err := vault.Delete(host); err != nil {
				return err
			}
			fmt.Printf("Cleared credentials for %s\n", host)
			return nil
		},
	}

	credentialsCmd.AddCommand(setCmd, clearCmd)
	return credentialsCmd
}
