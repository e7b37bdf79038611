package session

import (
	"context"
	"fmt"
)

// Service names resolvable through Session.Service.
const (
	ServiceFileSystem    = "filesystem"
	ServiceWatcher       = "watcher"
	ServiceSourceControl = "sourcecontrol"
)

// Session is one established transport channel to a remote host. Multiple
// remote connections share a session; the session counts attachments and is
// closed when the last one detaches (or explicitly via Close).
type Session interface {
	// Config returns the configuration the session was built from.
	Config() Config

	// ServerVersion returns the version string the server reported during
	// the hello exchange.
	ServerVersion() string

	// Service returns the named service capability object, e.g. a
	// FileSystemService for ServiceFileSystem.
	Service(name string) (any, error)

	// Attach records one more remote connection using this session.
	Attach()

	// Detach records one fewer remote connection. When the count reaches
	// zero and either shutdownIfLast or the session's always-shutdown flag
	// is set, the underlying channel is closed.
	Detach(shutdownIfLast bool) error

	// AttachCount returns the number of currently attached connections.
	AttachCount() int

	// SetAlwaysShutdownIfLast marks the session for shutdown when its last
	// connection detaches regardless of the detach argument.
	SetAlwaysShutdownIfLast(v bool)

	// Close tears the session down unconditionally.
	Close() error
}

// Provider hands out sessions for configurations, reusing an existing live
// session when one matches the configuration's key.
type Provider interface {
	Acquire(ctx context.Context, cfg Config) (Session, error)
}

// FileSystem resolves the session's filesystem service.
func FileSystem(s Session) (FileSystemService, error) {
	svc, err := s.Service(ServiceFileSystem)
	if err != nil {
		return nil, err
	}
	fs, ok := svc.(FileSystemService)
	if !ok {
		return nil, fmt.Errorf("service %q has unexpected type %T", ServiceFileSystem, svc)
	}
	return fs, nil
}

// Watcher resolves the session's recursive directory watch service.
func Watcher(s Session) (WatcherService, error) {
	svc, err := s.Service(ServiceWatcher)
	if err != nil {
		return nil, err
	}
	w, ok := svc.(WatcherService)
	if !ok {
		return nil, fmt.Errorf("service %q has unexpected type %T", ServiceWatcher, svc)
	}
	return w, nil
}

// SourceControl resolves the session's source control service.
func SourceControl(s Session) (SourceControlService, error) {
	svc, err := s.Service(ServiceSourceControl)
	if err != nil {
		return nil, err
	}
	sc, ok := svc.(SourceControlService)
	if !ok {
		return nil, fmt.Errorf("service %q has unexpected type %T", ServiceSourceControl, svc)
	}
	return sc, nil
}
