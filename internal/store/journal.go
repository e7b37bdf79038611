package store

import (
	"log/slog"

	"go.olrik.dev/remotehub/internal/connection"
)

// JournalConnections subscribes the store to the registry's notifications
// and records every added/removed event. The returned function detaches the
// subscriptions.
func (s *Store) JournalConnections(registry *connection.Registry) func() {
	added := registry.OnAdded(func(c *connection.Conn) {
		if err := s.RecordEvent(EventAdded, c.Hostname(), c.Cwd(), c.ID().String()); err != nil {
			slog.Debug("Failed to journal connection event", "error", err)
		}
	})
	closed := registry.OnClosed(func(c *connection.Conn) {
		if err := s.RecordEvent(EventRemoved, c.Hostname(), c.Cwd(), c.ID().String()); err != nil {
			slog.Debug("Failed to journal connection event", "error", err)
		}
	})

	return func() {
		added.Dispose()
		closed.Dispose()
	}
}
