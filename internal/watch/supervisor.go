// Package watch maintains the best-effort recursive filesystem watch that
// backs a remote connection. A watch that cannot be established or dies
// mid-stream never fails the connection; it degrades the connection to an
// unwatched state and tells the user why.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.olrik.dev/remotehub/internal/notify"
	"go.olrik.dev/remotehub/internal/session"
)

// State is the supervisor's lifecycle state. The degraded states are
// terminal for the lifetime of the owning connection.
type State string

const (
	StateUnstarted State = "unstarted"
	StateWatching  State = "watching"
	StateEnded     State = "ended" // clean end-of-stream, not a failure

	// StateDegradedNfs: the root sits on a network filesystem that cannot
	// deliver change events.
	StateDegradedNfs State = "degraded-network-filesystem"

	// StateDegradedNoWatcher: the remote host has no usable watcher.
	StateDegradedNoWatcher State = "degraded-watcher-unavailable"
)

// classifyTimeout bounds the follow-up RPCs made while classifying a watch
// failure; classification must not hang a closing connection.
const classifyTimeout = 15 * time.Second

// Supervisor owns one recursive watch rooted at a connection's working
// directory.
type Supervisor struct {
	fs         session.FileSystemService
	watcher    session.WatcherService
	notifier   notify.Notifier
	root       string
	markerFile string

	mu    sync.Mutex
	state State
	sub   session.WatchSubscription

	done chan struct{} // closed when the consume loop exits
}

// New creates an unstarted supervisor for root. markerFile is the watcher
// configuration file looked for when the watch degrades (e.g.
// ".watchmanconfig").
func New(fs session.FileSystemService, watcher session.WatcherService, notifier notify.Notifier, root, markerFile string) *Supervisor {
	return &Supervisor{
		fs:         fs,
		watcher:    watcher,
		notifier:   notifier,
		root:       root,
		markerFile: markerFile,
		state:      StateUnstarted,
		done:       make(chan struct{}),
	}
}

// Start establishes the watch and consumes its events until the stream ends
// or Close is called. Failures degrade the supervisor and notify the user;
// Start itself never reports them to the caller.
func (s *Supervisor) Start(ctx context.Context) {
	sub, err := s.watcher.WatchDirectoryRecursive(ctx, s.root)
	if err != nil {
		s.degrade(err)
		close(s.done)
		return
	}

	s.mu.Lock()
	s.sub = sub
	s.state = StateWatching
	s.mu.Unlock()

	slog.Debug("Started recursive watch", "root", s.root)

	go s.consume(sub)
}

func (s *Supervisor) consume(sub session.WatchSubscription) {
	defer close(s.done)

	for event := range sub.Events() {
		slog.Debug("Watch event", "root", s.root, "path", event.Path, "kind", event.Kind)
	}

	if err := sub.Err(); err != nil {
		s.degrade(err)
		return
	}

	// End-of-stream without an error: the subscription was released, either
	// by Close or by the server finishing cleanly.
	s.mu.Lock()
	if s.state == StateWatching {
		s.state = StateEnded
	}
	s.mu.Unlock()
	slog.Info("Recursive watch ended", "root", s.root)
}

// degrade classifies the watch failure and surfaces a persistent warning.
func (s *Supervisor) degrade(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), classifyTimeout)
	defer cancel()

	nfs, nfsErr := s.fs.IsNfs(ctx, s.root)
	if nfsErr == nil && nfs {
		s.setState(StateDegradedNfs)
		slog.Warn("Watch unsupported on network filesystem", "root", s.root)
		s.notifier.Warning("File watching disabled",
			fmt.Sprintf("Directory %q is on a network file system; changes made to files outside the editor will not be noticed.", s.root))
		return
	}

	s.setState(StateDegradedNoWatcher)
	slog.Error("File watch failed", "error", cause, "root", s.root)

	message := fmt.Sprintf("File watching for %q is unavailable; changes made to files outside the editor will not be noticed.", s.root)
	if dir, err := s.fs.FindNearestAncestorNamed(ctx, s.markerFile, s.root); err == nil && dir == "" {
		message += fmt.Sprintf(" Creating a %q file in the project root may help.", s.markerFile)
	}
	s.notifier.Warning("File watching disabled", message)
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the supervisor's current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close releases the watch subscription. Safe to call whether or not Start
// succeeded.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	return nil
}

// Done returns a channel closed once the consume loop has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}
