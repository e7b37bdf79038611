package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"go.olrik.dev/remotehub/internal/connection"
	"go.olrik.dev/remotehub/internal/core"
	"go.olrik.dev/remotehub/internal/session"
)

func NewConnectCommand() *cobra.Command {
	var port int
	var family int
	var title string
	var caCertPath, certPath, keyPath string
	var noSave bool
	var stay bool
	var shutdownLast bool

	connectCmd := &cobra.Command{
		Use:     "connect HOST CWD",
		Aliases: []string{"c"},
		Short:   "Open a remote connection",
		Long: `Open a remote connection to a working directory on a remote host.

When CWD points at a project descriptor file, one connection is opened per
directory the descriptor names. The configuration is saved for later
reconnects unless --no-save is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, cwd := args[0], args[1]
			if port == 0 {
				port = core.Config.Connect.DefaultPort
			}
			if title == "" {
				title = host
			}

			cfg := session.Config{
				Host:                 host,
				Port:                 port,
				Family:               family,
				Cwd:                  cwd,
				DisplayTitle:         title,
				AlwaysShutdownIfLast: shutdownLast,
			}
			if err := loadCertFiles(&cfg, caCertPath, certPath, keyPath); err != nil {
				return err
			}

			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.shutdown()

			conn, err := rt.factory.FindOrCreate(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			saved := conn.Config()
			saved.Version = conn.Session().ServerVersion()
			if !noSave {
				if err := rt.store.Put(saved); err != nil {
					slog.Warn("Failed to save connection configuration", "error", err)
				}
			}

			printConnection(rt, conn)

			if stay {
				waitForSignal(cmd.Context())
			}
			return nil
		},
	}

	connectCmd.Flags().IntVarP(&port, "port", "p", 0, "server port (defaults to connect.default_port)")
	connectCmd.Flags().IntVar(&family, "family", 0, "IP family to dial, 4 or 6")
	connectCmd.Flags().StringVarP(&title, "title", "t", "", "display title (defaults to the host)")
	connectCmd.Flags().StringVar(&caCertPath, "ca-cert", "", "certificate authority certificate file")
	connectCmd.Flags().StringVar(&certPath, "cert", "", "client certificate file")
	connectCmd.Flags().StringVar(&keyPath, "key", "", "client key file")
	connectCmd.Flags().BoolVar(&noSave, "no-save", false, "do not save the configuration for reconnects")
	connectCmd.Flags().BoolVar(&stay, "stay", false, "keep connections open until interrupted")
	connectCmd.Flags().BoolVar(&shutdownLast, "shutdown-last", false, "shut the server session down when its last connection closes")

	return connectCmd
}

func loadCertFiles(cfg *session.Config, caCertPath, certPath, keyPath string) error {
	var err error
	if caCertPath != "" {
		if cfg.CACert, err = os.ReadFile(caCertPath); err != nil {
			return fmt.Errorf("failed to read CA certificate: %w", err)
		}
	}
	if certPath != "" {
		if cfg.ClientCert, err = os.ReadFile(certPath); err != nil {
			return fmt.Errorf("failed to read client certificate: %w", err)
		}
	}
	if keyPath != "" {
		if cfg.ClientKey, err = os.ReadFile(keyPath); err != nil {
			return fmt.Errorf("failed to read client key: %w", err)
		}
	}
	return nil
}

func printConnection(rt *runtime, primary *connection.Conn) {
	for _, hostname := range rt.registry.Hostnames() {
		for _, c := range rt.registry.ByHostname(hostname) {
			marker := " "
			if c == primary {
				marker = "*"
			}
			line := fmt.Sprintf("%s %s:%s", marker, c.Hostname(), c.Cwd())
			if repo := c.HgRepository(); repo != nil {
				line += fmt.Sprintf(" [hg %s", repo.Root)
				if repo.ActiveBookmark != "" {
					line += " @" + repo.ActiveBookmark
				}
				line += "]"
			}
			fmt.Println(line)
		}
	}
}

// waitForSignal blocks until interrupted, keeping the config file watch
// alive so verbosity changes apply without restarting.
func waitForSignal(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := core.WatchConfigFile(watchCtx, core.GetConfigFilePath(), func() error {
		cfg, err := core.LoadConfig(core.Config.ConfigPath)
		if err != nil {
			return err
		}
		core.Config = cfg
		core.SetupLogging(cfg.Verbose)
		return nil
	})
	if err != nil {
		slog.Debug("Config file watch unavailable", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	slog.Info("Connections held open; press Ctrl+C to close")
	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	}
}
