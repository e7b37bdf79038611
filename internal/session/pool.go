package session

import (
	"context"
	"log/slog"
	"sync"
)

// Pool is the process-wide session provider. It hands out one live session
// per (host, port, credentials) key; concurrent acquires for the same key
// share a single dial.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	ready chan struct{} // closed when the dial finishes
	sess  *liveSession
	err   error
}

// NewPool creates an empty session pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[string]*poolEntry)}
}

// Acquire returns the live session for cfg's key, dialing one if necessary.
func (p *Pool) Acquire(ctx context.Context, cfg Config) (Session, error) {
	key := cfg.Key()

	for {
		p.mu.Lock()
		if e, ok := p.entries[key]; ok {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-e.ready:
			}
			if e.err != nil {
				return nil, e.err
			}
			if e.sess.alive() {
				return e.sess, nil
			}
			// The pooled session's transport died; forget it and dial
			// again.
			p.remove(key, e)
			continue
		}

		e := &poolEntry{ready: make(chan struct{})}
		p.entries[key] = e
		p.mu.Unlock()

		sess, err := p.dial(ctx, key, cfg)
		e.sess, e.err = sess, err
		if err != nil {
			p.remove(key, e)
		}
		close(e.ready)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}

func (p *Pool) dial(ctx context.Context, key string, cfg Config) (*liveSession, error) {
	client, err := dialRPC(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var hello struct {
		Version string `cbor:"version"`
	}
	params := struct {
		Version string `cbor:"version,omitempty"`
	}{Version: cfg.Version}
	if err := client.Call(ctx, "session/hello", params, &hello); err != nil {
		client.Close()
		return nil, err
	}

	if cfg.Version != "" && hello.Version != "" && cfg.Version != hello.Version {
		client.Close()
		return nil, &VersionMismatchError{
			ClientVersion: cfg.Version,
			ServerVersion: hello.Version,
		}
	}

	slog.Debug("Established server session", "addr", cfg.Addr(), "serverVersion", hello.Version)

	return &liveSession{
		cfg:           cfg,
		key:           key,
		pool:          p,
		client:        client,
		serverVersion: hello.Version,
		fs:            &fsClient{c: client},
		watcher:       newWatcherClient(client),
		sourceControl: &scClient{c: client},
	}, nil
}

func (p *Pool) remove(key string, e *poolEntry) {
	p.mu.Lock()
	if cur, ok := p.entries[key]; ok && cur == e {
		delete(p.entries, key)
	}
	p.mu.Unlock()
}

func (p *Pool) removeSession(s *liveSession) {
	p.mu.Lock()
	if cur, ok := p.entries[s.key]; ok && cur.sess == s {
		delete(p.entries, s.key)
	}
	p.mu.Unlock()
}

// liveSession is a pooled session over one RPC transport.
type liveSession struct {
	cfg           Config
	key           string
	pool          *Pool
	client        *rpcClient
	serverVersion string

	fs            FileSystemService
	watcher       WatcherService
	sourceControl SourceControlService

	mu             sync.Mutex
	attachCount    int
	alwaysShutdown bool
}

func (s *liveSession) Config() Config        { return s.cfg }
func (s *liveSession) ServerVersion() string { return s.serverVersion }

func (s *liveSession) Service(name string) (any, error) {
	switch name {
	case ServiceFileSystem:
		return s.fs, nil
	case ServiceWatcher:
		return s.watcher, nil
	case ServiceSourceControl:
		return s.sourceControl, nil
	default:
		return nil, &RemoteError{Method: name, Message: "unknown service", Code: "ENOSVC"}
	}
}

func (s *liveSession) Attach() {
	s.mu.Lock()
	s.attachCount++
	s.mu.Unlock()
}

func (s *liveSession) Detach(shutdownIfLast bool) error {
	s.mu.Lock()
	if s.attachCount > 0 {
		s.attachCount--
	}
	shutdown := s.attachCount == 0 && (shutdownIfLast || s.alwaysShutdown)
	s.mu.Unlock()

	if shutdown {
		return s.Close()
	}
	return nil
}

func (s *liveSession) AttachCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachCount
}

func (s *liveSession) SetAlwaysShutdownIfLast(v bool) {
	s.mu.Lock()
	s.alwaysShutdown = v
	s.mu.Unlock()
}

func (s *liveSession) Close() error {
	s.pool.removeSession(s)
	return s.client.Close()
}

func (s *liveSession) alive() bool {
	select {
	case <-s.client.closeCh:
		return false
	default:
		return true
	}
}
