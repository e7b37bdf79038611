//go:build !linux

package notify

// platformNotifier returns the log notifier on platforms without a
// freedesktop notification service.
func platformNotifier() Notifier {
	return LogNotifier{}
}
