package connection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"go.olrik.dev/remotehub/internal/session"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

// fakeFS implements session.FileSystemService from in-memory maps. Paths not
// present in realPaths resolve to themselves.
type fakeFS struct {
	mu        sync.Mutex
	realPaths map[string]string
	missing   map[string]bool
	files     map[string][]byte
	nfs       map[string]bool
	ancestors map[string]string
}

func (f *fakeFS) ResolveRealPath(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[path] {
		return "", &session.RemoteError{Method: "fs/resolveRealPath", Message: "no such file or directory", Code: session.CodeNotExist}
	}
	if real, ok := f.realPaths[path]; ok {
		return real, nil
	}
	return path, nil
}

func (f *fakeFS) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, &session.RemoteError{Method: "fs/readFile", Message: "no such file or directory", Code: session.CodeNotExist}
	}
	return data, nil
}

func (f *fakeFS) IsNfs(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nfs[path], nil
}

func (f *fakeFS) FindNearestAncestorNamed(_ context.Context, name, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ancestors[name+"|"+dir], nil
}

// fakeWatchSub is a never-firing watch subscription.
type fakeWatchSub struct {
	once   sync.Once
	events chan session.WatchEvent
}

func newFakeWatchSub() *fakeWatchSub {
	return &fakeWatchSub{events: make(chan session.WatchEvent)}
}

func (s *fakeWatchSub) Events() <-chan session.WatchEvent { return s.events }
func (s *fakeWatchSub) Err() error                        { return nil }
func (s *fakeWatchSub) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

type fakeWatcher struct {
	mu   sync.Mutex
	subs []*fakeWatchSub
	err  error
}

func (w *fakeWatcher) WatchDirectoryRecursive(_ context.Context, _ string) (session.WatchSubscription, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	sub := newFakeWatchSub()
	w.subs = append(w.subs, sub)
	return sub, nil
}

type fakeSourceControl struct {
	mu    sync.Mutex
	repos map[string]*session.HgRepository
	err   error
}

func (sc *fakeSourceControl) HgRepository(_ context.Context, path string) (*session.HgRepository, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.err != nil {
		return nil, sc.err
	}
	return sc.repos[path], nil
}

// fakeSession implements session.Session with the real attach/detach
// bookkeeping, so the tests observe exactly when the channel would be torn
// down.
type fakeSession struct {
	cfg     session.Config
	version string

	fs      *fakeFS
	watcher *fakeWatcher
	sc      *fakeSourceControl

	mu             sync.Mutex
	attached       int
	alwaysShutdown bool
	closeCalls     int
	detachErr      error
}

func newFakeSession(cfg session.Config) *fakeSession {
	return &fakeSession{
		cfg:     cfg,
		version: "1.0.0",
		fs:      &fakeFS{},
		watcher: &fakeWatcher{},
		sc:      &fakeSourceControl{},
	}
}

func (s *fakeSession) Config() session.Config { return s.cfg }
func (s *fakeSession) ServerVersion() string  { return s.version }

func (s *fakeSession) Service(name string) (any, error) {
	switch name {
	case session.ServiceFileSystem:
		return s.fs, nil
	case session.ServiceWatcher:
		return s.watcher, nil
	case session.ServiceSourceControl:
		return s.sc, nil
	}
	return nil, fmt.Errorf("unknown service %q", name)
}

func (s *fakeSession) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached++
}

func (s *fakeSession) Detach(shutdownIfLast bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached > 0 {
		s.attached--
	}
	if s.attached == 0 && (shutdownIfLast || s.alwaysShutdown) {
		s.closeCalls++
	}
	return s.detachErr
}

func (s *fakeSession) AttachCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *fakeSession) SetAlwaysShutdownIfLast(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alwaysShutdown = v
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

func (s *fakeSession) alwaysShutdownIfLast() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alwaysShutdown
}

// fakeProvider hands out one session per config key, like the real pool.
type fakeProvider struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	acquires int
	err      error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sessions: make(map[string]*fakeSession)}
}

func (p *fakeProvider) Acquire(_ context.Context, cfg session.Config) (session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	if p.err != nil {
		return nil, p.err
	}
	s, ok := p.sessions[cfg.Key()]
	if !ok {
		s = newFakeSession(cfg)
		p.sessions[cfg.Key()] = s
	}
	return s, nil
}

// sessionFor returns the pooled fake session for cfg, creating it so a test
// can seed filesystem state before the first FindOrCreate.
func (p *fakeProvider) sessionFor(cfg session.Config) *fakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[cfg.Key()]
	if !ok {
		s = newFakeSession(cfg)
		p.sessions[cfg.Key()] = s
	}
	return s
}

func (p *fakeProvider) acquireCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquires
}
