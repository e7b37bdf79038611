package session_test

import (
	"context"
	"testing"
	"time"

	"go.olrik.dev/remotehub/internal/session"
	"go.olrik.dev/remotehub/internal/testutil/devserver"
)

func watcherFor(t *testing.T, server *devserver.Server) session.WatcherService {
	t.Helper()
	pool := session.NewPool()
	sess, err := pool.Acquire(context.Background(), server.Config("/data/project", ""))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	w, err := session.Watcher(sess)
	if err != nil {
		t.Fatalf("watcher service: %v", err)
	}
	return w
}

func expectEvent(t *testing.T, sub session.WatchSubscription, want session.WatchEvent) {
	t.Helper()
	select {
	case got, ok := <-sub.Events():
		if !ok {
			t.Fatalf("stream ended while waiting for %+v (err: %v)", want, sub.Err())
		}
		if got != want {
			t.Fatalf("event = %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %+v", want)
	}
}

func TestWatcher_DeliversEvents(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{})
	server.Start()
	w := watcherFor(t, server)

	sub, err := w.WatchDirectoryRecursive(context.Background(), "/data/project")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer sub.Close()

	waitFor(t, "server-side subscription", func() bool {
		return server.WatchRefCount("/data/project") == 1
	})

	server.EmitWatchEvent("/data/project", session.WatchEvent{Path: "/data/project/a.go", Kind: "change"})
	expectEvent(t, sub, session.WatchEvent{Path: "/data/project/a.go", Kind: "change"})
}

func TestWatcher_SharesOneServerSubscriptionPerPath(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{})
	server.Start()
	w := watcherFor(t, server)

	first, err := w.WatchDirectoryRecursive(context.Background(), "/data/project")
	if err != nil {
		t.Fatalf("first watch failed: %v", err)
	}
	second, err := w.WatchDirectoryRecursive(context.Background(), "/data/project")
	if err != nil {
		t.Fatalf("second watch failed: %v", err)
	}

	if got := server.WatchRefCount("/data/project"); got != 1 {
		t.Errorf("server subscriptions = %d, want 1 shared", got)
	}

	// Both subscribers see the same event.
	server.EmitWatchEvent("/data/project", session.WatchEvent{Path: "/data/project/b.go", Kind: "add"})
	expectEvent(t, first, session.WatchEvent{Path: "/data/project/b.go", Kind: "add"})
	expectEvent(t, second, session.WatchEvent{Path: "/data/project/b.go", Kind: "add"})

	// Closing one subscriber keeps the stream for the other.
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if got := server.WatchRefCount("/data/project"); got != 1 {
		t.Errorf("server subscriptions = %d after one close, want 1", got)
	}
	server.EmitWatchEvent("/data/project", session.WatchEvent{Path: "/data/project/c.go", Kind: "delete"})
	expectEvent(t, second, session.WatchEvent{Path: "/data/project/c.go", Kind: "delete"})

	// The last close releases the server subscription.
	if err := second.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	waitFor(t, "server subscription release", func() bool {
		return server.WatchRefCount("/data/project") == 0
	})
}

func TestWatcher_DistinctPathsGetDistinctStreams(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{})
	server.Start()
	w := watcherFor(t, server)

	a, err := w.WatchDirectoryRecursive(context.Background(), "/data/a")
	if err != nil {
		t.Fatalf("watch /data/a failed: %v", err)
	}
	defer a.Close()
	b, err := w.WatchDirectoryRecursive(context.Background(), "/data/b")
	if err != nil {
		t.Fatalf("watch /data/b failed: %v", err)
	}
	defer b.Close()

	if server.WatchRefCount("/data/a") != 1 || server.WatchRefCount("/data/b") != 1 {
		t.Errorf("expected one server subscription per path")
	}

	server.EmitWatchEvent("/data/a", session.WatchEvent{Path: "/data/a/x", Kind: "change"})
	expectEvent(t, a, session.WatchEvent{Path: "/data/a/x", Kind: "change"})

	select {
	case got, ok := <-b.Events():
		if ok {
			t.Fatalf("unexpected event on other path: %+v", got)
		}
		t.Fatalf("stream for other path ended: %v", b.Err())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_CleanEndOfStream(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{})
	server.Start()
	w := watcherFor(t, server)

	sub, err := w.WatchDirectoryRecursive(context.Background(), "/data/project")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	server.EndWatchStreams("/data/project")

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected the event channel to close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for end of stream")
	}
	if err := sub.Err(); err != nil {
		t.Errorf("expected a clean end, got %v", err)
	}
}

func TestWatcher_StreamFailureReachesSubscriber(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{
		WatchError: map[string]string{"/data/project": "watchman crashed"},
	})
	server.Start()
	w := watcherFor(t, server)

	sub, err := w.WatchDirectoryRecursive(context.Background(), "/data/project")
	if err != nil {
		t.Fatalf("watch open failed: %v", err)
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected the event channel to close on failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the stream failure")
	}
	if err := sub.Err(); err == nil {
		t.Error("expected a terminal stream error")
	}
}

func TestWatcher_ReopenAfterEnd(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{})
	server.Start()
	w := watcherFor(t, server)

	first, err := w.WatchDirectoryRecursive(context.Background(), "/data/project")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	server.EndWatchStreams("/data/project")
	waitFor(t, "stream end", func() bool {
		select {
		case _, ok := <-first.Events():
			return !ok
		default:
			return false
		}
	})

	// A new subscription after the old stream ended opens a fresh one.
	second, err := w.WatchDirectoryRecursive(context.Background(), "/data/project")
	if err != nil {
		t.Fatalf("re-watch failed: %v", err)
	}
	defer second.Close()

	server.EmitWatchEvent("/data/project", session.WatchEvent{Path: "/data/project/d.go", Kind: "add"})
	expectEvent(t, second, session.WatchEvent{Path: "/data/project/d.go", Kind: "add"})
}
