package connection

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net"

	"go.olrik.dev/remotehub/internal/session"
)

// SavedConfigStore fetches previously persisted connection configurations.
// Get returns (nil, nil) when no configuration is saved for host.
type SavedConfigStore interface {
	Get(host string) (*session.Config, error)
}

// Reconnector rebuilds remote connections from nothing but a hostname and a
// path: first by finding a live registered connection, then from a saved
// configuration for the hostname, then from a saved configuration for the
// hostname's resolved IP address.
type Reconnector struct {
	factory  *Factory
	registry *Registry
	store    SavedConfigStore

	// lookupIP resolves a hostname's addresses; swapped out in tests.
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)

	// preferIPv4 flips the default IPv6-first choice of fallback address.
	preferIPv4 bool
}

// NewReconnector creates a reconnector using the system resolver.
func NewReconnector(factory *Factory, store SavedConfigStore, preferIPv4 bool) *Reconnector {
	return &Reconnector{
		factory:  factory,
		registry: factory.Registry(),
		store:    store,
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
		preferIPv4: preferIPv4,
	}
}

// Reconnect returns a connection covering cwd on host, or nil when neither a
// live connection nor a usable saved configuration exists; the caller then
// falls back to interactive setup. A directory-not-found failure is returned
// tagged CodeDirectoryNotFound rather than masked as "nothing saved".
func (r *Reconnector) Reconnect(ctx context.Context, host, cwd, displayTitle string, promptReconnectOnFailure bool) (*Conn, error) {
	// Cheapest path first: a live connection already covering the path.
	// Project descriptor paths always go through the factory, which expands
	// them to their real directory list before deduplicating.
	if !IsProjectFile(cwd) {
		if c := r.registry.ByHostnameAndPath(host, cwd); c != nil {
			slog.Debug("Reusing live connection", "host", host, "cwd", cwd)
			return c, nil
		}
	}

	conn, err := r.createConnectionBySavedConfig(ctx, host, cwd, displayTitle, promptReconnectOnFailure)
	if err != nil || conn != nil {
		return conn, err
	}

	// The saved configuration may be keyed by the address the host resolves
	// to. Resolution failures mean "no alternate found", never an error.
	ip := r.alternateAddress(ctx, host)
	if ip == "" {
		return nil, nil
	}
	return r.createConnectionBySavedConfig(ctx, ip, cwd, displayTitle, promptReconnectOnFailure)
}

// createConnectionBySavedConfig builds a connection from the configuration
// saved for host, merged with the caller's cwd and title. Failures are
// classified: a missing target directory is fatal and tagged; a version
// mismatch or any other failure yields nil so the caller can fall back to
// interactive re-authentication.
func (r *Reconnector) createConnectionBySavedConfig(ctx context.Context, host, cwd, displayTitle string, promptReconnectOnFailure bool) (*Conn, error) {
	saved, err := r.store.Get(host)
	if err != nil {
		slog.Error("Failed to read saved connection configuration", "error", err, "host", host)
		return nil, nil
	}
	if saved == nil {
		return nil, nil
	}

	cfg := *saved
	cfg.Cwd = cwd
	cfg.DisplayTitle = displayTitle
	cfg.PromptReconnectOnFailure = session.Bool(promptReconnectOnFailure)

	conn, err := r.factory.FindOrCreate(ctx, cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Code: CodeDirectoryNotFound, Err: err}
		}

		var mismatch *session.VersionMismatchError
		if errors.As(err, &mismatch) {
			slog.Warn("Saved configuration is for a different server version",
				"host", host, "expected", mismatch.ClientVersion, "server", mismatch.ServerVersion)
			return nil, nil
		}

		slog.Error("Failed to reconnect from saved configuration", "error", err, "host", host)
		return nil, nil
	}
	return conn, nil
}

// alternateAddress resolves host to an IP usable as an alternate saved-config
// key, preferring IPv6 unless configured otherwise. "" when resolution fails
// or yields nothing.
func (r *Reconnector) alternateAddress(ctx context.Context, host string) string {
	ips, err := r.lookupIP(ctx, host)
	if err != nil || len(ips) == 0 {
		return ""
	}

	for _, ip := range ips {
		isV4 := ip.To4() != nil
		if isV4 == r.preferIPv4 {
			return ip.String()
		}
	}
	return ips[0].String()
}
