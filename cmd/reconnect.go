package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.olrik.dev/remotehub/internal/connection"
)

func NewReconnectCommand() *cobra.Command {
	var title string
	var stay bool

	reconnectCmd := &cobra.Command{
		Use:     "reconnect HOST CWD",
		Aliases: []string{"r"},
		Short:   "Reconnect to a remote working directory",
		Long: `Reconnect to a remote working directory using the configuration saved for
the host, falling back to a configuration saved under the host's IP address.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, cwd := args[0], args[1]
			if title == "" {
				title = host
			}

			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.shutdown()

			conn, err := rt.reconnector.Reconnect(cmd.Context(), host, cwd, title, true)
			if err != nil {
				if connection.CodeOf(err) == connection.CodeDirectoryNotFound {
					return fmt.Errorf("remote directory %s no longer exists on %s: %w", cwd, host, err)
				}
				return err
			}
			if conn == nil {
				return fmt.Errorf("no usable saved configuration for %s; run `remotehub connect %s %s` first", host, host, cwd)
			}

			printConnection(rt, conn)

			if stay {
				waitForSignal(cmd.Context())
			}
			return nil
		},
	}

	reconnectCmd.Flags().StringVarP(&title, "title", "t", "", "display title (defaults to the host)")
	reconnectCmd.Flags().BoolVar(&stay, "stay", false, "keep connections open until interrupted")

	return reconnectCmd
}
