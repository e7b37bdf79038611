package session_test

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"
	"time"

	"go.olrik.dev/remotehub/internal/session"
	"go.olrik.dev/remotehub/internal/testutil/devserver"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPool_AcquireSharesOneSessionPerKey(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{Version: "1.2.3"})
	server.Start()

	pool := session.NewPool()
	cfg := server.Config("/data/project", "")

	first, err := pool.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	t.Cleanup(func() { first.Close() })

	second, err := pool.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if first != second {
		t.Error("expected both acquires to share one session")
	}
	if got := server.CallCount("session/hello"); got != 1 {
		t.Errorf("hello exchanges = %d, want 1", got)
	}
	if first.ServerVersion() != "1.2.3" {
		t.Errorf("server version = %q, want 1.2.3", first.ServerVersion())
	}
}

func TestPool_RedialsAfterSessionClosed(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{})
	server.Start()

	pool := session.NewPool()
	cfg := server.Config("/data/project", "")

	first, err := pool.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second, err := pool.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("acquire after close failed: %v", err)
	}
	t.Cleanup(func() { second.Close() })
	if second == first {
		t.Error("expected a fresh session after the old one closed")
	}
	if got := server.CallCount("session/hello"); got != 2 {
		t.Errorf("hello exchanges = %d, want 2", got)
	}
}

func TestPool_VersionMismatch(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{Version: "1.0.0"})
	server.Start()

	pool := session.NewPool()
	cfg := server.Config("/data/project", "")
	cfg.Version = "2.0.0"

	_, err := pool.Acquire(context.Background(), cfg)
	var mismatch *session.VersionMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected a version mismatch error, got %v", err)
	}
	if mismatch.ClientVersion != "2.0.0" || mismatch.ServerVersion != "1.0.0" {
		t.Errorf("mismatch = %+v, want client 2.0.0 server 1.0.0", mismatch)
	}
}

func TestPool_MatchingVersionAccepted(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{Version: "1.0.0"})
	server.Start()

	pool := session.NewPool()
	cfg := server.Config("/data/project", "")
	cfg.Version = "1.0.0"

	sess, err := pool.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
}

func TestSession_DetachShutdownSemantics(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{})
	server.Start()

	pool := session.NewPool()
	cfg := server.Config("/data/project", "")

	sess, err := pool.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	sess.Attach()
	sess.Attach()
	if sess.AttachCount() != 2 {
		t.Fatalf("attach count = %d, want 2", sess.AttachCount())
	}

	if err := sess.Detach(true); err != nil {
		t.Fatalf("detach failed: %v", err)
	}
	// One connection remains; the transport must survive.
	fsvc, err := session.FileSystem(sess)
	if err != nil {
		t.Fatalf("filesystem service: %v", err)
	}
	if _, err := fsvc.ResolveRealPath(context.Background(), "/data/project"); err != nil {
		t.Fatalf("call after non-final detach failed: %v", err)
	}

	if err := sess.Detach(true); err != nil {
		t.Fatalf("final detach failed: %v", err)
	}
	if _, err := fsvc.ResolveRealPath(context.Background(), "/data/project"); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("expected calls to fail after final detach, got %v", err)
	}
}

func TestSession_DetachWithoutShutdownKeepsTransport(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{})
	server.Start()

	pool := session.NewPool()
	sess, err := pool.Acquire(context.Background(), server.Config("/data/project", ""))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	sess.Attach()
	if err := sess.Detach(false); err != nil {
		t.Fatalf("detach failed: %v", err)
	}

	fsvc, err := session.FileSystem(sess)
	if err != nil {
		t.Fatalf("filesystem service: %v", err)
	}
	if _, err := fsvc.ResolveRealPath(context.Background(), "/data/project"); err != nil {
		t.Errorf("expected the transport kept open, got %v", err)
	}
}

func TestSession_AlwaysShutdownIfLast(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{})
	server.Start()

	pool := session.NewPool()
	sess, err := pool.Acquire(context.Background(), server.Config("/data/project", ""))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	sess.Attach()
	sess.SetAlwaysShutdownIfLast(true)
	if err := sess.Detach(false); err != nil {
		t.Fatalf("detach failed: %v", err)
	}

	fsvc, err := session.FileSystem(sess)
	if err != nil {
		t.Fatalf("filesystem service: %v", err)
	}
	if _, err := fsvc.ResolveRealPath(context.Background(), "/data/project"); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("expected shutdown on last detach, got %v", err)
	}
}

func TestFileSystemService_Calls(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{
		RealPaths: map[string]string{"/link": "/real"},
		Missing:   map[string]bool{"/gone": true},
		Files:     map[string][]byte{"/etc/motd": []byte("welcome\n")},
		Nfs:       map[string]bool{"/mnt/nfs": true},
		Ancestors: map[string]string{".watchmanconfig": "/data"},
	})
	server.Start()

	pool := session.NewPool()
	sess, err := pool.Acquire(context.Background(), server.Config("/data", ""))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	fsvc, err := session.FileSystem(sess)
	if err != nil {
		t.Fatalf("filesystem service: %v", err)
	}
	ctx := context.Background()

	if got, err := fsvc.ResolveRealPath(ctx, "/link"); err != nil || got != "/real" {
		t.Errorf("ResolveRealPath = %q, %v; want /real", got, err)
	}
	if got, err := fsvc.ResolveRealPath(ctx, "/plain"); err != nil || got != "/plain" {
		t.Errorf("ResolveRealPath = %q, %v; want /plain", got, err)
	}
	if _, err := fsvc.ResolveRealPath(ctx, "/gone"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist for /gone, got %v", err)
	}
	if data, err := fsvc.ReadFile(ctx, "/etc/motd"); err != nil || string(data) != "welcome\n" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}
	if _, err := fsvc.ReadFile(ctx, "/etc/none"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist for an absent file, got %v", err)
	}
	if nfs, err := fsvc.IsNfs(ctx, "/mnt/nfs"); err != nil || !nfs {
		t.Errorf("IsNfs(/mnt/nfs) = %v, %v; want true", nfs, err)
	}
	if dir, err := fsvc.FindNearestAncestorNamed(ctx, ".watchmanconfig", "/data/project"); err != nil || dir != "/data" {
		t.Errorf("FindNearestAncestorNamed = %q, %v; want /data", dir, err)
	}
}

func TestSourceControlService_HgRepository(t *testing.T) {
	quietLogger(t)
	server := devserver.New(t, devserver.Options{
		Repos: map[string]*session.HgRepository{
			"/data/repo": {Root: "/data/repo", ActiveBookmark: "feature"},
		},
	})
	server.Start()

	pool := session.NewPool()
	sess, err := pool.Acquire(context.Background(), server.Config("/data/repo", ""))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	sc, err := session.SourceControl(sess)
	if err != nil {
		t.Fatalf("source control service: %v", err)
	}

	repo, err := sc.HgRepository(context.Background(), "/data/repo")
	if err != nil {
		t.Fatalf("HgRepository failed: %v", err)
	}
	if repo == nil || repo.Root != "/data/repo" || repo.ActiveBookmark != "feature" {
		t.Errorf("repo = %+v, want root /data/repo bookmark feature", repo)
	}

	outside, err := sc.HgRepository(context.Background(), "/tmp")
	if err != nil {
		t.Fatalf("HgRepository outside a repo failed: %v", err)
	}
	if outside != nil {
		t.Errorf("expected nil outside a repository, got %+v", outside)
	}
}
