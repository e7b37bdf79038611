package session

import (
	"context"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileSystemService is the remote filesystem capability of a session.
type FileSystemService interface {
	// ResolveRealPath canonicalizes path on the remote host, following
	// symlinks. Fails with an ENOENT-coded error when the path is missing.
	ResolveRealPath(ctx context.Context, path string) (string, error)

	// ReadFile returns the contents of the remote file.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// IsNfs reports whether path resides on a network filesystem.
	IsNfs(ctx context.Context, path string) (bool, error)

	// FindNearestAncestorNamed walks upward from dir looking for a file
	// called name; it returns the containing directory, or "" when no
	// ancestor carries one.
	FindNearestAncestorNamed(ctx context.Context, name, dir string) (string, error)
}

// WatcherService provides recursive directory watches.
type WatcherService interface {
	// WatchDirectoryRecursive subscribes to change events below path. The
	// underlying server subscription is shared and reference-counted per
	// path; it is released when the last subscriber closes.
	WatchDirectoryRecursive(ctx context.Context, path string) (WatchSubscription, error)
}

// WatchSubscription is one subscriber's view of a recursive watch. Events
// is closed when the watch ends; Err then reports why (nil for a clean
// end-of-stream or local Close).
type WatchSubscription interface {
	Events() <-chan WatchEvent
	Err() error
	Close() error
}

// SourceControlService looks up repository metadata on the remote host.
type SourceControlService interface {
	// HgRepository describes the repository containing path, or nil when
	// path is not inside one.
	HgRepository(ctx context.Context, path string) (*HgRepository, error)
}

// WatchEvent is one filesystem change below a watched root.
type WatchEvent struct {
	Path string `cbor:"path"`
	Kind string `cbor:"kind"` // "add", "change" or "delete"
}

// HgRepository describes a Mercurial working copy on the remote host.
type HgRepository struct {
	Root           string `cbor:"root"`
	ActiveBookmark string `cbor:"activeBookmark,omitempty"`
}

// fsClient implements FileSystemService over the session RPC channel.
type fsClient struct {
	c *rpcClient
}

type pathParams struct {
	Path string `cbor:"path"`
}

func (f *fsClient) ResolveRealPath(ctx context.Context, path string) (string, error) {
	var result struct {
		Path string `cbor:"path"`
	}
	if err := f.c.Call(ctx, "fs/resolveRealPath", pathParams{Path: path}, &result); err != nil {
		return "", err
	}
	return result.Path, nil
}

func (f *fsClient) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var result struct {
		Data []byte `cbor:"data"`
	}
	if err := f.c.Call(ctx, "fs/readFile", pathParams{Path: path}, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

func (f *fsClient) IsNfs(ctx context.Context, path string) (bool, error) {
	var result struct {
		Nfs bool `cbor:"nfs"`
	}
	if err := f.c.Call(ctx, "fs/isNfs", pathParams{Path: path}, &result); err != nil {
		return false, err
	}
	return result.Nfs, nil
}

func (f *fsClient) FindNearestAncestorNamed(ctx context.Context, name, dir string) (string, error) {
	var result struct {
		Path string `cbor:"path"`
	}
	params := struct {
		Name string `cbor:"name"`
		Dir  string `cbor:"dir"`
	}{Name: name, Dir: dir}
	if err := f.c.Call(ctx, "fs/findNearestAncestorNamed", params, &result); err != nil {
		return "", err
	}
	return result.Path, nil
}

// scClient implements SourceControlService over the session RPC channel.
type scClient struct {
	c *rpcClient
}

func (s *scClient) HgRepository(ctx context.Context, path string) (*HgRepository, error) {
	var repo *HgRepository
	if err := s.c.Call(ctx, "sourcecontrol/hgRepository", pathParams{Path: path}, &repo); err != nil {
		return nil, err
	}
	return repo, nil
}

// watcherClient implements WatcherService. One server-side stream is opened
// per watched path and fanned out to all its subscribers; the stream is
// cancelled when the last subscriber closes.
type watcherClient struct {
	c *rpcClient

	mu     sync.Mutex
	shared map[string]*sharedWatch
}

func newWatcherClient(c *rpcClient) *watcherClient {
	return &watcherClient{
		c:      c,
		shared: make(map[string]*sharedWatch),
	}
}

func (w *watcherClient) WatchDirectoryRecursive(ctx context.Context, path string) (WatchSubscription, error) {
	w.mu.Lock()
	if sw, ok := w.shared[path]; ok {
		sub := sw.addSubscriber()
		if sub != nil {
			w.mu.Unlock()
			return sub, nil
		}
		// The shared stream ended between lookups; fall through and
		// open a fresh one.
		delete(w.shared, path)
	}
	w.mu.Unlock()

	stream, err := w.c.Stream(ctx, "watcher/watchDirectoryRecursive", pathParams{Path: path})
	if err != nil {
		return nil, err
	}

	sw := &sharedWatch{
		owner:  w,
		path:   path,
		stream: stream,
	}

	w.mu.Lock()
	// A concurrent caller may have opened its own stream for the same path
	// in the window above; the last registration wins and the duplicate
	// server subscription is released by its own last unsubscribe.
	w.shared[path] = sw
	sub := sw.addSubscriber()
	w.mu.Unlock()

	go sw.pump()
	return sub, nil
}

func (w *watcherClient) release(sw *sharedWatch) {
	w.mu.Lock()
	if w.shared[sw.path] == sw {
		delete(w.shared, sw.path)
	}
	w.mu.Unlock()
}

// sharedWatch fans one RPC stream out to its subscribers.
type sharedWatch struct {
	owner  *watcherClient
	path   string
	stream *rpcStream

	mu     sync.Mutex
	subs   []*watchSubscription
	ended  bool
	endErr error
}

func (sw *sharedWatch) addSubscriber() *watchSubscription {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.ended {
		return nil
	}
	sub := &watchSubscription{
		shared: sw,
		events: make(chan WatchEvent, 64),
	}
	sw.subs = append(sw.subs, sub)
	return sub
}

func (sw *sharedWatch) pump() {
	for raw := range sw.stream.Events() {
		var event WatchEvent
		if err := cbor.Unmarshal(raw, &event); err != nil {
			continue
		}
		sw.mu.Lock()
		subs := append([]*watchSubscription(nil), sw.subs...)
		sw.mu.Unlock()
		for _, sub := range subs {
			sub.deliver(event)
		}
	}

	err := sw.stream.Err()
	sw.owner.release(sw)

	sw.mu.Lock()
	sw.ended = true
	sw.endErr = err
	subs := sw.subs
	sw.subs = nil
	sw.mu.Unlock()

	for _, sub := range subs {
		sub.finish(err)
	}
}

func (sw *sharedWatch) remove(sub *watchSubscription) {
	sw.mu.Lock()
	for i, s := range sw.subs {
		if s == sub {
			sw.subs = append(sw.subs[:i], sw.subs[i+1:]...)
			break
		}
	}
	last := len(sw.subs) == 0 && !sw.ended
	if last {
		sw.ended = true
	}
	sw.mu.Unlock()

	if last {
		sw.owner.release(sw)
		sw.stream.Cancel()
	}
}

// watchSubscription is the rpc-backed WatchSubscription implementation.
type watchSubscription struct {
	shared *sharedWatch
	events chan WatchEvent

	mu     sync.Mutex
	closed bool
	err    error
}

// Events returns the event channel.
func (s *watchSubscription) Events() <-chan WatchEvent {
	return s.events
}

// Err returns the terminal error after Events is closed.
func (s *watchSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. The last subscriber for a path cancels the server-side
// subscription.
func (s *watchSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	s.shared.remove(s)
	return nil
}

// deliver drops events for stalled consumers rather than blocking the pump.
func (s *watchSubscription) deliver(event WatchEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

func (s *watchSubscription) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
	s.mu.Unlock()
}
