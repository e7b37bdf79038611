package notify

import (
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	notifyService   = "org.freedesktop.Notifications"
	notifyPath      = "/org/freedesktop/Notifications"
	notifyInterface = "org.freedesktop.Notifications.Notify"

	expireNever   = int32(0)  // stays until dismissed
	expireDefault = int32(-1) // server-chosen timeout
)

// platformNotifier connects to the session bus notification service.
// Falls back to the log when D-Bus is unavailable (headless hosts, CI).
func platformNotifier() Notifier {
	conn, err := dbus.SessionBus()
	if err != nil {
		slog.Debug("D-Bus session bus unavailable, using log notifications", "error", err)
		return LogNotifier{}
	}
	return &dbusNotifier{conn: conn}
}

type dbusNotifier struct {
	conn *dbus.Conn
}

func (n *dbusNotifier) Info(title, message string) {
	n.send(title, message, expireDefault)
}

func (n *dbusNotifier) Warning(title, message string) {
	n.send(title, message, expireNever)
}

func (n *dbusNotifier) send(title, message string, expire int32) {
	obj := n.conn.Object(notifyService, notifyPath)
	call := obj.Call(notifyInterface, 0,
		"remotehub",          // app name
		uint32(0),            // no notification replacement
		"",                   // no icon
		title,
		message,
		[]string{},           // no actions
		map[string]dbus.Variant{},
		expire,
	)
	if call.Err != nil {
		// Never lose a warning: fall back to the log
		slog.Warn(title, "detail", message, "notifyError", call.Err)
	}
}
