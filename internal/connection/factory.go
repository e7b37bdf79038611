package connection

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"go.olrik.dev/remotehub/internal/notify"
	"go.olrik.dev/remotehub/internal/session"
)

// Factory builds remote connections: it acquires (or reuses) the server
// session for a configuration, canonicalizes the working directory, expands
// project descriptors into their directory lists, deduplicates against the
// registry, and initializes one connection per resolved directory.
type Factory struct {
	provider session.Provider
	registry *Registry
	notifier notify.Notifier

	// markerFile is the watcher-config marker looked up when a watch
	// degrades, e.g. ".watchmanconfig".
	markerFile string

	// rewriter, when non-nil, lets the host replace a project descriptor
	// that resolved without an explicit directory list.
	rewriter ProjectRewriter
}

// FactoryOptions carries the factory's optional collaborators.
type FactoryOptions struct {
	WatchMarkerFile string
	Rewriter        ProjectRewriter
}

// NewFactory creates a connection factory.
func NewFactory(provider session.Provider, registry *Registry, notifier notify.Notifier, opts FactoryOptions) *Factory {
	markerFile := opts.WatchMarkerFile
	if markerFile == "" {
		markerFile = ".watchmanconfig"
	}
	return &Factory{
		provider:   provider,
		registry:   registry,
		notifier:   notifier,
		markerFile: markerFile,
		rewriter:   opts.Rewriter,
	}
}

// Registry returns the registry the factory populates.
func (f *Factory) Registry() *Registry {
	return f.registry
}

// FindOrCreate returns a remote connection for cfg, reusing an existing
// registered connection when one already covers the resolved root. When
// cfg.Cwd names a project descriptor, one connection is created per listed
// directory; the first directory's connection (carrying cfg's display title)
// is returned and the rest stay reachable through the registry.
//
// If anything fails after the session was acquired, or the call resolves to
// a connection living on a different session, the acquired session is closed
// again if and only if it still has no attached connections; it may have
// been reused by a concurrent caller in the meantime. Failures propagate
// unchanged.
func (f *Factory) FindOrCreate(ctx context.Context, cfg session.Config) (*Conn, error) {
	sess, err := f.provider.Acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}

	conn, err := f.buildConnections(ctx, sess, cfg)
	if err != nil {
		f.closeIfUnused(sess, cfg.Host)
		return nil, err
	}

	// Success can still mean reuse: when every resolved directory was
	// already covered by connections on another session, the acquired one
	// has nothing attached and would sit pooled with an open channel.
	if conn.Session() != sess {
		f.closeIfUnused(sess, cfg.Host)
	}
	return conn, nil
}

func (f *Factory) closeIfUnused(sess session.Session, host string) {
	if sess.AttachCount() != 0 {
		return
	}
	if err := sess.Close(); err != nil {
		slog.Debug("Failed to close unused session", "error", err, "host", host)
	}
}

func (f *Factory) buildConnections(ctx context.Context, sess session.Session, cfg session.Config) (*Conn, error) {
	fs, err := session.FileSystem(sess)
	if err != nil {
		return nil, err
	}

	realPath, err := fs.ResolveRealPath(ctx, cfg.Cwd)
	if err != nil {
		return nil, err
	}

	resolution := projectResolution{Dirs: []string{realPath}}
	if IsProjectFile(realPath) {
		resolution, err = resolveProject(ctx, fs, realPath)
		if err != nil {
			return nil, err
		}

		if resolution.Descriptor && !resolution.Explicit && f.rewriter != nil {
			if err := f.rewriter.ReplaceProject(realPath, resolution.Dirs); err != nil {
				return nil, err
			}
		}

		// The descriptor was reached through an alias (symlink or relative
		// path): if a connection already covers the canonical path there is
		// nothing new to open.
		if realPath != cfg.Cwd {
			if existing := f.registry.ByHostnameAndPath(cfg.Host, realPath); existing != nil {
				return existing, nil
			}
		}
	}

	conns, created := f.registerConnections(sess, cfg, resolution.Dirs)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range created {
		c := c
		g.Go(func() error {
			return c.finishInitialize(gctx, f.notifier, f.markerFile)
		})
	}
	if err := g.Wait(); err != nil {
		// Failed connections have already closed themselves; siblings that
		// initialized successfully stay registered and keep the session.
		return nil, err
	}

	return conns[0], nil
}

// registerConnections atomically performs the duplicate check and the
// attach+register step for every resolved directory, under the hostname
// lock, with no I/O. Directory 0 carries the caller's display title. The
// returned created slice holds only the connections that still need their
// initialization finished.
func (f *Factory) registerConnections(sess session.Session, cfg session.Config, dirs []string) (conns, created []*Conn) {
	lock := f.registry.hostLock(cfg.Host)
	lock.Lock()
	defer lock.Unlock()

	conns = make([]*Conn, len(dirs))
	for i, dir := range dirs {
		if existing := f.registry.ByHostnameAndPath(cfg.Host, dir); existing != nil {
			conns[i] = existing
			continue
		}

		title := ""
		if i == 0 {
			title = cfg.DisplayTitle
		}
		c := newConn(f.registry, sess, dir, title)
		c.attachAndRegister()
		conns[i] = c
		created = append(created, c)
	}
	return conns, created
}
