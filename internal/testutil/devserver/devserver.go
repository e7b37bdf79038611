// Package devserver provides an in-process remote-development server for
// integration testing. It speaks the session wire protocol (websocket,
// CBOR envelopes) and implements the hello exchange, the filesystem and
// source control services, and reference-counted recursive watch streams
// that tests can drive event by event.
package devserver

import (
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"go.olrik.dev/remotehub/internal/session"
)

// Options configures the test server's simulated remote filesystem.
type Options struct {
	Version string // reported in the hello exchange

	// RealPaths maps requested paths to their canonical form; paths not
	// present resolve to themselves. Entries in Missing fail with ENOENT.
	RealPaths map[string]string
	Missing   map[string]bool

	// Files maps readable file paths to contents.
	Files map[string][]byte

	// Nfs marks paths that report residing on a network filesystem.
	Nfs map[string]bool

	// Ancestors maps a marker file name to the directory that carries it;
	// absent names resolve to "".
	Ancestors map[string]string

	// Repos maps directory paths to their repository description.
	Repos map[string]*session.HgRepository

	// WatchError, when set for a path, fails its watch stream right after
	// it opens.
	WatchError map[string]string
}

type envelope struct {
	ID     uint64          `cbor:"id,omitempty"`
	Method string          `cbor:"method,omitempty"`
	Params cbor.RawMessage `cbor:"params,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  string          `cbor:"error,omitempty"`
	Code   string          `cbor:"code,omitempty"`
	Stream uint64          `cbor:"stream,omitempty"`
	Event  cbor.RawMessage `cbor:"event,omitempty"`
	End    bool            `cbor:"end,omitempty"`
}

// Server is an in-process remote-dev server for testing.
type Server struct {
	t    testing.TB
	opts Options

	listener   net.Listener
	httpServer *http.Server

	mu          sync.Mutex
	callCounts  map[string]int
	watches     map[string][]*watchStream // path → open streams
	watchRefs   map[string]int            // path → server-side ref count
	activeConns int
}

type watchStream struct {
	id   uint64
	conn *serverConn
	path string
}

// serverConn serializes writes to one websocket.
type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *serverConn) write(env envelope) error {
	data, err := cbor.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// New creates a test server. Call Start to begin listening.
func New(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.Version == "" {
		opts.Version = "test"
	}
	return &Server{
		t:          t,
		opts:       opts,
		callCounts: make(map[string]int),
		watches:    make(map[string][]*watchStream),
		watchRefs:  make(map[string]int),
	}
}

// Start begins listening on a random localhost port.
func (s *Server) Start() {
	s.t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.t.Fatalf("devserver: failed to listen: %v", err)
	}
	s.listener = listener

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.serveConn(&serverConn{ws: ws})
	})

	s.httpServer = &http.Server{Handler: mux}
	go s.httpServer.Serve(listener)

	s.t.Cleanup(s.Stop)
}

// Stop closes the listener and all active connections.
func (s *Server) Stop() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

// Addr returns the server's host and port.
func (s *Server) Addr() (host string, port int) {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// Config returns a plaintext session configuration pointed at the server.
func (s *Server) Config(cwd, displayTitle string) session.Config {
	host, port := s.Addr()
	return session.Config{
		Host:         host,
		Port:         port,
		Cwd:          cwd,
		DisplayTitle: displayTitle,
	}
}

// CallCount returns how many times method was invoked.
func (s *Server) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCounts[method]
}

// WatchRefCount returns the server-side subscription count for path.
func (s *Server) WatchRefCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchRefs[path]
}

// EmitWatchEvent pushes a change event to every open watch stream for path.
func (s *Server) EmitWatchEvent(path string, event session.WatchEvent) {
	raw, err := cbor.Marshal(event)
	if err != nil {
		s.t.Fatalf("devserver: failed to encode watch event: %v", err)
	}
	for _, w := range s.streamsFor(path) {
		w.conn.write(envelope{Stream: w.id, Event: raw})
	}
}

// EndWatchStreams cleanly ends every open watch stream for path.
func (s *Server) EndWatchStreams(path string) {
	for _, w := range s.streamsFor(path) {
		w.conn.write(envelope{Stream: w.id, End: true})
		s.dropStream(w)
	}
}

// FailWatchStreams errors every open watch stream for path.
func (s *Server) FailWatchStreams(path, message string) {
	for _, w := range s.streamsFor(path) {
		w.conn.write(envelope{Stream: w.id, Error: message})
		s.dropStream(w)
	}
}

func (s *Server) streamsFor(path string) []*watchStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*watchStream(nil), s.watches[path]...)
}

func (s *Server) serveConn(conn *serverConn) {
	defer conn.ws.Close()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			s.dropConn(conn)
			return
		}

		var env envelope
		if err := cbor.Unmarshal(data, &env); err != nil {
			s.dropConn(conn)
			return
		}

		s.mu.Lock()
		s.callCounts[env.Method]++
		s.mu.Unlock()

		resp := s.handle(conn, env)
		resp.ID = env.ID
		if err := conn.write(resp); err != nil {
			s.dropConn(conn)
			return
		}
	}
}

func (s *Server) handle(conn *serverConn, env envelope) envelope {
	switch env.Method {
	case "session/hello":
		return result(struct {
			Version string `cbor:"version"`
		}{Version: s.opts.Version})

	case "fs/resolveRealPath":
		var p struct {
			Path string `cbor:"path"`
		}
		cbor.Unmarshal(env.Params, &p)
		if s.opts.Missing[p.Path] {
			return envelope{Error: "no such file or directory: " + p.Path, Code: session.CodeNotExist}
		}
		resolved := p.Path
		if r, ok := s.opts.RealPaths[p.Path]; ok {
			resolved = r
		}
		return result(struct {
			Path string `cbor:"path"`
		}{Path: resolved})

	case "fs/readFile":
		var p struct {
			Path string `cbor:"path"`
		}
		cbor.Unmarshal(env.Params, &p)
		data, ok := s.opts.Files[p.Path]
		if !ok {
			return envelope{Error: "no such file or directory: " + p.Path, Code: session.CodeNotExist}
		}
		return result(struct {
			Data []byte `cbor:"data"`
		}{Data: data})

	case "fs/isNfs":
		var p struct {
			Path string `cbor:"path"`
		}
		cbor.Unmarshal(env.Params, &p)
		return result(struct {
			Nfs bool `cbor:"nfs"`
		}{Nfs: s.opts.Nfs[p.Path]})

	case "fs/findNearestAncestorNamed":
		var p struct {
			Name string `cbor:"name"`
			Dir  string `cbor:"dir"`
		}
		cbor.Unmarshal(env.Params, &p)
		return result(struct {
			Path string `cbor:"path"`
		}{Path: s.opts.Ancestors[p.Name]})

	case "sourcecontrol/hgRepository":
		var p struct {
			Path string `cbor:"path"`
		}
		cbor.Unmarshal(env.Params, &p)
		return result(s.opts.Repos[p.Path])

	case "watcher/watchDirectoryRecursive":
		var p struct {
			Stream uint64          `cbor:"stream"`
			Params cbor.RawMessage `cbor:"params"`
		}
		cbor.Unmarshal(env.Params, &p)
		var inner struct {
			Path string `cbor:"path"`
		}
		cbor.Unmarshal(p.Params, &inner)

		w := &watchStream{id: p.Stream, conn: conn, path: inner.Path}
		s.mu.Lock()
		s.watches[inner.Path] = append(s.watches[inner.Path], w)
		s.watchRefs[inner.Path]++
		s.mu.Unlock()

		if message, ok := s.opts.WatchError[inner.Path]; ok {
			// Fail the stream right after acknowledging it
			go func() {
				conn.write(envelope{Stream: p.Stream, Error: message})
				s.dropStream(w)
			}()
		}
		return envelope{}

	case "stream/cancel":
		var p struct {
			Stream uint64 `cbor:"stream"`
		}
		cbor.Unmarshal(env.Params, &p)
		s.cancelStream(conn, p.Stream)
		return envelope{}

	default:
		return envelope{Error: "unknown method: " + env.Method, Code: "ENOSYS"}
	}
}

func result(v any) envelope {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return envelope{Error: err.Error()}
	}
	return envelope{Result: raw}
}

func (s *Server) cancelStream(conn *serverConn, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, streams := range s.watches {
		for i, w := range streams {
			if w.id == id && w.conn == conn {
				s.watches[path] = append(streams[:i], streams[i+1:]...)
				s.watchRefs[path]--
				return
			}
		}
	}
}

func (s *Server) dropStream(w *watchStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	streams := s.watches[w.path]
	for i, cur := range streams {
		if cur == w {
			s.watches[w.path] = append(streams[:i], streams[i+1:]...)
			s.watchRefs[w.path]--
			return
		}
	}
}

func (s *Server) dropConn(conn *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, streams := range s.watches {
		kept := streams[:0]
		for _, w := range streams {
			if w.conn == conn {
				s.watchRefs[path]--
				continue
			}
			kept = append(kept, w)
		}
		s.watches[path] = kept
	}
}
