package cmd

import (
	"log/slog"

	"go.olrik.dev/remotehub/internal/connection"
	"go.olrik.dev/remotehub/internal/core"
	"go.olrik.dev/remotehub/internal/notify"
	"go.olrik.dev/remotehub/internal/session"
	"go.olrik.dev/remotehub/internal/store"
)

// runtime wires the connection machinery together for one command
// invocation: session pool, registry, factory, reconnector, and the saved
// configuration store with its event journal.
type runtime struct {
	pool        *session.Pool
	registry    *connection.Registry
	factory     *connection.Factory
	reconnector *connection.Reconnector
	store       *store.Store

	stopJournal func()
}

func newRuntime() (*runtime, error) {
	st, err := store.Open(core.GetStorePath(), store.NewKeyringVault(core.GetKeyringPath()))
	if err != nil {
		return nil, err
	}

	pool := session.NewPool()
	registry := connection.NewRegistry()
	factory := connection.NewFactory(pool, registry, notify.New(), connection.FactoryOptions{
		WatchMarkerFile: core.Config.Watch.MarkerFile,
	})
	reconnector := connection.NewReconnector(factory, st, core.Config.Connect.PreferredIP == "ipv4")

	return &runtime{
		pool:        pool,
		registry:    registry,
		factory:     factory,
		reconnector: reconnector,
		store:       st,
		stopJournal: st.JournalConnections(registry),
	}, nil
}

// shutdown closes every live connection (shutting down sessions that lose
// their last connection) and releases the store.
func (rt *runtime) shutdown() {
	for _, hostname := range rt.registry.Hostnames() {
		for _, c := range rt.registry.ByHostname(hostname) {
			if err := c.Close(true); err != nil {
				slog.Warn("Failed to close connection", "error", err, "host", hostname, "cwd", c.Cwd())
			}
		}
	}
	rt.stopJournal()
	if err := rt.store.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}
}
