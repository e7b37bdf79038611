// Package notify is the user-visible notification surface. Degraded-but-
// functional conditions (a watch that could not be established, a root on a
// network filesystem) surface here as persistent, dismissable warnings
// instead of failing the connection.
package notify

import "log/slog"

// Notifier delivers user-visible notifications.
type Notifier interface {
	// Info delivers a transient informational notification.
	Info(title, message string)

	// Warning delivers a persistent warning that stays visible until the
	// user dismisses it.
	Warning(title, message string)
}

// New returns the best notifier for the platform: desktop notifications
// where a notification service is reachable, the log otherwise.
func New() Notifier {
	return platformNotifier()
}

// LogNotifier writes notifications to the default slog logger. It is the
// fallback on platforms without a desktop notification service and the
// notifier of choice for tests.
type LogNotifier struct{}

func (LogNotifier) Info(title, message string) {
	slog.Info(title, "detail", message)
}

func (LogNotifier) Warning(title, message string) {
	slog.Warn(title, "detail", message)
}
