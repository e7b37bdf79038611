package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"go.olrik.dev/remotehub/internal/notify"
	"go.olrik.dev/remotehub/internal/session"
	"go.olrik.dev/remotehub/internal/watch"
)

// Conn is one remote connection: a remote working directory bound to a
// server session. The working directory and the session reference are fixed
// for the connection's lifetime. Connections are built by the Factory and
// live in the Registry from session attachment until Close completes.
type Conn struct {
	id                   uuid.UUID
	cwd                  string
	displayTitle         string
	sess                 session.Session
	registry             *Registry
	promptReconnect      bool
	alwaysShutdownIfLast bool

	mu     sync.Mutex
	hgRepo *session.HgRepository // nil until initialization completes
	// disposables are torn down first during Close, in reverse order.
	disposables []func() error

	closeOnce sync.Once
	closeErr  error
}

func newConn(registry *Registry, sess session.Session, cwd, displayTitle string) *Conn {
	cfg := sess.Config()
	return &Conn{
		id:                   uuid.New(),
		cwd:                  cwd,
		displayTitle:         displayTitle,
		sess:                 sess,
		registry:             registry,
		promptReconnect:      cfg.PromptReconnect(),
		alwaysShutdownIfLast: cfg.AlwaysShutdownIfLast,
	}
}

// attachAndRegister pins the session and makes the connection visible in the
// registry. It performs no I/O; the factory calls it under the hostname lock
// so the duplicate check and the registration are one atomic step. Attaching
// first guarantees the session's attachment count is positive before any
// later step can suspend.
func (c *Conn) attachAndRegister() {
	c.sess.Attach()
	if c.alwaysShutdownIfLast {
		c.sess.SetAlwaysShutdownIfLast(true)
	}
	c.registry.Register(c)
}

// finishInitialize completes initialization after registration: fetch the
// source control description, publish the added event, then start the watch
// supervisor. Any failure closes the connection (without shutting down a
// shared session) and is returned unchanged, so the connection is never left
// half-registered.
func (c *Conn) finishInitialize(ctx context.Context, notifier notify.Notifier, markerFile string) error {
	if err := c.fetchSourceControl(ctx); err != nil {
		closeErr := c.Close(false)
		if closeErr != nil {
			slog.Debug("Cleanup close failed after initialization error", "error", closeErr, "cwd", c.cwd)
		}
		return err
	}

	c.registry.emitAdded(c)

	// Best-effort: a failed watch degrades the connection, never fails it.
	c.startWatch(ctx, notifier, markerFile)

	slog.Info("Remote connection ready", "host", c.Hostname(), "cwd", c.cwd, "id", c.id)
	return nil
}

func (c *Conn) fetchSourceControl(ctx context.Context) error {
	sc, err := session.SourceControl(c.sess)
	if err != nil {
		return err
	}
	repo, err := sc.HgRepository(ctx, c.cwd)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.hgRepo = repo
	c.mu.Unlock()
	return nil
}

func (c *Conn) startWatch(ctx context.Context, notifier notify.Notifier, markerFile string) {
	fs, err := session.FileSystem(c.sess)
	if err != nil {
		slog.Error("File watch unavailable", "error", err, "cwd", c.cwd)
		return
	}
	watcher, err := session.Watcher(c.sess)
	if err != nil {
		slog.Error("File watch unavailable", "error", err, "cwd", c.cwd)
		return
	}

	supervisor := watch.New(fs, watcher, notifier, c.cwd, markerFile)
	supervisor.Start(ctx)
	c.AddDisposable(supervisor.Close)
}

// AddDisposable registers a resource torn down when the connection closes.
func (c *Conn) AddDisposable(dispose func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposables = append(c.disposables, dispose)
}

// Close tears the connection down: scoped resources first, then registry
// removal and session detachment, then the removed event. The removed event
// is emitted even when detachment fails; the detachment error still reaches
// the caller.
// shutdownIfLast shuts the session down if this was its last connection.
// Safe to call more than once; later calls return the first result.
func (c *Conn) Close(shutdownIfLast bool) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		disposables := c.disposables
		c.disposables = nil
		c.mu.Unlock()

		var errs []error
		for i := len(disposables) - 1; i >= 0; i-- {
			if err := disposables[i](); err != nil {
				errs = append(errs, err)
			}
		}

		c.registry.Unregister(c)
		if err := c.sess.Detach(shutdownIfLast); err != nil {
			errs = append(errs, err)
		}
		c.registry.emitRemoved(c)

		c.closeErr = errors.Join(errs...)
		slog.Debug("Remote connection closed", "host", c.Hostname(), "cwd", c.cwd, "id", c.id)
	})
	return c.closeErr
}

// ID returns the connection's unique identity.
func (c *Conn) ID() uuid.UUID { return c.id }

// Cwd returns the connection's remote working directory.
func (c *Conn) Cwd() string { return c.cwd }

// Hostname returns the remote host.
func (c *Conn) Hostname() string { return c.sess.Config().Host }

// DisplayTitle returns the title shown for this connection. Only the primary
// connection of a project-descriptor expansion carries one.
func (c *Conn) DisplayTitle() string { return c.displayTitle }

// Session returns the server session the connection is attached to.
func (c *Conn) Session() session.Session { return c.sess }

// PromptReconnectOnFailure reports whether the user should be offered a
// reconnect when this connection drops.
func (c *Conn) PromptReconnectOnFailure() bool { return c.promptReconnect }

// HgRepository returns the source control description for the working
// directory, nil when it is not in a repository or before initialization
// completes.
func (c *Conn) HgRepository() *session.HgRepository {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hgRepo
}

// Config reconstructs a connection configuration equivalent to the one this
// connection was created from: the session's transport settings plus this
// connection's own directory, title and prompt flag.
func (c *Conn) Config() session.Config {
	cfg := c.sess.Config()
	cfg.Cwd = c.cwd
	cfg.DisplayTitle = c.displayTitle
	cfg.PromptReconnectOnFailure = session.Bool(c.promptReconnect)
	cfg.AlwaysShutdownIfLast = c.alwaysShutdownIfLast
	return cfg
}
