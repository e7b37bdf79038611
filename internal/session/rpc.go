package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

// ErrSessionClosed is returned for calls made after the transport died.
var ErrSessionClosed = errors.New("session transport closed")

// envelope is the single wire frame. Requests carry ID+Method+Params,
// responses ID+Result/Error, and server-pushed stream frames
// Stream+Event/End/Error. Stream IDs are allocated by the client and sent
// with the opening request so events can never outrun registration.
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

// rpcClient multiplexes calls and event streams over one websocket.
type rpcClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan envelope
	streams map[uint64]*rpcStream
	closed  bool
	closeCh chan struct{}
	err     error
}

// dialRPC connects the websocket endpoint for cfg. TLS is used when the
// config carries any certificate material; a plaintext ws:// transport is
// kept for tests.
func dialRPC(ctx context.Context, cfg Config) (*rpcClient, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}

	network := "tcp"
	switch cfg.Family {
	case 4:
		network = "tcp4"
	case 6:
		network = "tcp6"
	}
	netDialer := &net.Dialer{}
	dialer.NetDialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
		return netDialer.DialContext(ctx, network, addr)
	}

	scheme := "ws"
	if len(cfg.CACert) > 0 || len(cfg.ClientCert) > 0 {
		tlsCfg, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
		scheme = "wss"
	}

	u := url.URL{Scheme: scheme, Host: cfg.Addr(), Path: "/rpc"}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", u.String(), err)
	}

	c := &rpcClient{
		conn:    conn,
		pending: make(map[uint64]chan envelope),
		streams: make(map[uint64]*rpcStream),
		closeCh: make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{ServerName: cfg.Host}

	if len(cfg.CACert) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cfg.CACert) {
			return nil, errors.New("failed to parse certificate authority certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if len(cfg.ClientCert) > 0 {
		cert, err := tls.X509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// Call performs one request/response exchange. A non-nil result is decoded
// from the response's CBOR payload.
func (c *rpcClient) Call(ctx context.Context, method string, params, result any) error {
	var raw cbor.RawMessage
	if params != nil {
		encoded, err := cbor.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		raw = encoded
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(envelope{ID: id, Method: method, Params: raw}); err != nil {
		c.dropPending(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	case <-c.closeCh:
		return c.closeErr()
	case resp := <-ch:
		if resp.Error != "" {
			return &RemoteError{Method: method, Message: resp.Error, Code: resp.Code}
		}
		if result != nil {
			if err := cbor.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Stream opens a server-push event stream. The stream ID is allocated here
// and registered before the opening request is written, so no event frame
// can arrive for an unknown stream.
func (c *rpcClient) Stream(ctx context.Context, method string, params any) (*rpcStream, error) {
	type streamParams struct {
		Stream uint64          `cbor:"stream"`
		Params cbor.RawMessage `cbor:"params,omitempty"`
	}

	var raw cbor.RawMessage
	if params != nil {
		encoded, err := cbor.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		raw = encoded
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	c.nextID++
	streamID := c.nextID
	s := &rpcStream{
		id:     streamID,
		client: c,
		events: make(chan cbor.RawMessage, 64),
	}
	c.streams[streamID] = s
	c.mu.Unlock()

	if err := c.Call(ctx, method, streamParams{Stream: streamID, Params: raw}, nil); err != nil {
		c.removeStream(streamID)
		return nil, err
	}

	return s, nil
}

func (c *rpcClient) write(env envelope) error {
	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *rpcClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("session transport failed: %w", err))
			return
		}

		var env envelope
		if err := cbor.Unmarshal(data, &env); err != nil {
			c.shutdown(fmt.Errorf("malformed frame from server: %w", err))
			return
		}

		switch {
		case env.Stream != 0 && env.Method == "":
			c.dispatchStream(env)
		case env.ID != 0:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			if ok {
				delete(c.pending, env.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- env
			}
		}
	}
}

func (c *rpcClient) dispatchStream(env envelope) {
	c.mu.Lock()
	s, ok := c.streams[env.Stream]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch {
	case env.Error != "":
		c.removeStream(env.Stream)
		s.finish(&RemoteError{Method: "stream", Message: env.Error, Code: env.Code})
	case env.End:
		c.removeStream(env.Stream)
		s.finish(nil)
	default:
		s.deliver(env.Event)
	}
}

func (c *rpcClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(fmt.Errorf("session keepalive failed: %w", err))
				return
			}
		}
	}
}

// shutdown fails all pending calls and live streams and closes the socket.
// Idempotent; the first error wins.
func (c *rpcClient) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	pending := c.pending
	streams := c.streams
	c.pending = make(map[uint64]chan envelope)
	c.streams = make(map[uint64]*rpcStream)
	close(c.closeCh)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- envelope{Error: err.Error()}
	}
	for _, s := range streams {
		s.finish(err)
	}
	c.conn.Close()
}

// Close tears the transport down with a normal close handshake.
func (c *rpcClient) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(ErrSessionClosed)
	return nil
}

func (c *rpcClient) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *rpcClient) removeStream(id uint64) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *rpcClient) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrSessionClosed
}

// RemoteError is a failure reported by the server for a call or stream.
// Code is a stable machine-readable discriminator ("ENOENT", "EPERM", ...)
// alongside the human-readable message.
type RemoteError struct {
	Method  string
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error in %s: %s", e.Method, e.Message)
}

// Is lets errors.Is(err, fs.ErrNotExist) match ENOENT remote errors.
func (e *RemoteError) Is(target error) bool {
	return target == fs.ErrNotExist && e.Code == CodeNotExist
}

// CodeNotExist is the remote error code for a missing path.
const CodeNotExist = "ENOENT"

// rpcStream is a server-push event stream. One of finish or Cancel ends it;
// after that Events is closed and Err reports the terminal error, nil for a
// clean end-of-stream.
type rpcStream struct {
	id     uint64
	client *rpcClient

	mu   sync.Mutex
	done bool
	err  error

	events chan cbor.RawMessage
}

// Events returns the event channel. It is closed when the stream ends.
func (s *rpcStream) Events() <-chan cbor.RawMessage {
	return s.events
}

// Err returns the terminal stream error, nil for a clean end.
func (s *rpcStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel unsubscribes from the stream. Safe to call multiple times.
func (s *rpcStream) Cancel() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	close(s.events)
	s.mu.Unlock()

	s.client.removeStream(s.id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.client.Call(ctx, "stream/cancel", struct {
		Stream uint64 `cbor:"stream"`
	}{Stream: s.id}, nil)
}

// deliver hands an event to the consumer. Recursive watches are best-effort;
// when the consumer stalls and the buffer fills, events are dropped rather
// than stalling the whole session transport.
func (s *rpcStream) deliver(event cbor.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

func (s *rpcStream) finish(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	close(s.events)
	s.mu.Unlock()
}
