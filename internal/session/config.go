// Package session establishes and pools server sessions: the underlying
// transport channel to one remote development host, shared by any number of
// remote connections. Sessions are deduplicated by host, port and credential
// material, expose named RPC services, and track how many connections are
// attached so the channel is torn down only when the last one detaches.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strconv"
)

// Config describes how to reach a remote host and which remote directory to
// treat as the initial root. It is immutable once a session has been built
// from it.
type Config struct {
	Host   string
	Port   int
	Family int // 4, 6, or 0 for unset

	// Cwd is the initial remote working directory, or a path to a project
	// descriptor file naming a set of directories.
	Cwd          string
	DisplayTitle string

	// TLS material. All unset means a plaintext transport (tests only).
	CACert     []byte
	ClientCert []byte
	ClientKey  []byte

	// PromptReconnectOnFailure is a tri-state; nil means true.
	PromptReconnectOnFailure *bool

	// AlwaysShutdownIfLast marks the session for shutdown whenever the last
	// connection built from this configuration detaches, even a plain close.
	AlwaysShutdownIfLast bool

	// Version is the expected server version; empty skips the check.
	Version string
}

// PromptReconnect reports whether the user should be prompted to reconnect
// when this connection fails. Defaults to true when unset.
func (c Config) PromptReconnect() bool {
	return c.PromptReconnectOnFailure == nil || *c.PromptReconnectOnFailure
}

// Addr returns the dialable "host:port" address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Key returns the session pool key: one session per host, port and
// credential fingerprint.
func (c Config) Key() string {
	h := sha256.New()
	h.Write(c.CACert)
	h.Write([]byte{0})
	h.Write(c.ClientCert)
	h.Write([]byte{0})
	h.Write(c.ClientKey)
	fingerprint := hex.EncodeToString(h.Sum(nil)[:8])
	return c.Addr() + "/" + fingerprint
}

// Bool returns a pointer to b, for the tri-state config fields.
func Bool(b bool) *bool {
	return &b
}
