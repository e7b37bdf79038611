// Package connection binds remote working directories to server sessions:
// the connection registry with its change notifications, the factory that
// builds connections (expanding project descriptors into several roots), the
// reconnection path that rebuilds connections from saved configurations, and
// the connection entity itself.
package connection

import (
	"strings"
	"sync"
)

// Registry is the process-wide mapping from hostname to its live remote
// connections. Connections appear here from the moment their session
// attachment succeeds until close completes, and add/remove events are
// published to subscribers.
type Registry struct {
	mu    sync.Mutex
	conns map[string][]*Conn // hostname → connections in registration order

	// hostLocks serialize the factory's check-then-register sequence per
	// hostname so two concurrent creations for the same root cannot both
	// miss the duplicate check.
	hostLocks map[string]*sync.Mutex

	// emitMu serializes event delivery: handlers subscribed via OnAdded
	// and OnClosed never run concurrently with each other, even when
	// several connections finish initializing at once.
	emitMu sync.Mutex

	nextSubID int
	onAdded   map[int]func(*Conn)
	onClosed  map[int]func(*Conn)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[string][]*Conn),
		hostLocks: make(map[string]*sync.Mutex),
		onAdded:   make(map[int]func(*Conn)),
		onClosed:  make(map[int]func(*Conn)),
	}
}

// Register adds c under its hostname. It must run before any initialization
// step that could suspend, so a concurrent lookup for the same root finds
// the in-flight connection instead of creating a duplicate.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.Hostname()] = append(r.conns[c.Hostname()], c)
}

// Unregister removes c. No-op when absent.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.conns[c.Hostname()]
	for i, cur := range conns {
		if cur == c {
			r.conns[c.Hostname()] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(r.conns[c.Hostname()]) == 0 {
		delete(r.conns, c.Hostname())
	}
}

// ByHostnameAndPath returns the first-registered connection for hostname
// whose working directory is a string prefix of path, or nil.
//
// Prefix matching is deliberately on raw path strings, not path segments, so
// a connection rooted at "/data/foo" also matches "/data/foobar". Kept for
// compatibility with how editors address files under a connection root.
func (r *Registry) ByHostnameAndPath(hostname, path string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns[hostname] {
		if strings.HasPrefix(path, c.Cwd()) {
			return c
		}
	}
	return nil
}

// ByHostname returns all connections for hostname in registration order.
func (r *Registry) ByHostname(hostname string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Conn(nil), r.conns[hostname]...)
}

// Hostnames returns the hostnames that currently have connections.
func (r *Registry) Hostnames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	return names
}

// hostLock returns the per-hostname mutex serializing factory operations.
func (r *Registry) hostLock(hostname string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.hostLocks[hostname]
	if !ok {
		lock = &sync.Mutex{}
		r.hostLocks[hostname] = lock
	}
	return lock
}

// OnAdded subscribes to connection-added events: exactly one per connection,
// emitted once registration and metadata initialization succeed. No replay
// for connections added before the subscription. Delivery is serialized:
// the handler is never invoked concurrently, so it may update shared state
// without its own locking.
func (r *Registry) OnAdded(handler func(*Conn)) *Subscription {
	return r.subscribe(r.onAdded, handler)
}

// OnClosed subscribes to connection-removed events: exactly one per
// connection, emitted once close fully completes. Delivery is serialized
// with the same guarantee as OnAdded.
func (r *Registry) OnClosed(handler func(*Conn)) *Subscription {
	return r.subscribe(r.onClosed, handler)
}

func (r *Registry) subscribe(handlers map[int]func(*Conn), handler func(*Conn)) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSubID++
	id := r.nextSubID
	handlers[id] = handler
	return &Subscription{dispose: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(handlers, id)
	}}
}

// emitAdded delivers the added event to the subscribers active right now.
func (r *Registry) emitAdded(c *Conn) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	for _, handler := range r.snapshot(r.onAdded) {
		handler(c)
	}
}

// emitRemoved delivers the removed event to the subscribers active right now.
func (r *Registry) emitRemoved(c *Conn) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	for _, handler := range r.snapshot(r.onClosed) {
		handler(c)
	}
}

// snapshot copies the handler set under lock; handlers run without it so
// they may touch the registry.
func (r *Registry) snapshot(handlers map[int]func(*Conn)) []func(*Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]func(*Conn), 0, len(handlers))
	for _, h := range handlers {
		out = append(out, h)
	}
	return out
}

// Subscription is a disposable event-handler registration.
type Subscription struct {
	once    sync.Once
	dispose func()
}

// Dispose detaches the handler. Events already being delivered may still
// arrive; no events are delivered after Dispose returns.
func (s *Subscription) Dispose() {
	s.once.Do(s.dispose)
}
