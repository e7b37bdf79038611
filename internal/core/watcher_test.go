package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchConfigFile_ReloadsAfterWrite(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(configFile, []byte("verbose = 0\n"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reloaded := make(chan struct{}, 1)
	err := WatchConfigFile(ctx, configFile, func() error {
		select {
		case reloaded <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WatchConfigFile failed: %v", err)
	}

	if err := os.WriteFile(configFile, []byte("verbose = 1\n"), 0o644); err != nil {
		t.Fatalf("failed to rewrite config file: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("reload was not triggered after a write")
	}
}

func TestWatchConfigFile_SurvivesAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(configFile, []byte("verbose = 0\n"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reloaded := make(chan struct{}, 4)
	err := WatchConfigFile(ctx, configFile, func() error {
		reloaded <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("WatchConfigFile failed: %v", err)
	}

	// Atomic save: write a temp file and rename it over the original.
	tmp := filepath.Join(dir, "config.hcl.tmp")
	if err := os.WriteFile(tmp, []byte("verbose = 1\n"), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := os.Rename(tmp, configFile); err != nil {
		t.Fatalf("failed to rename temp file: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("reload was not triggered after an atomic replace")
	}

	// The re-added watch still sees later plain writes.
	drain := func() {
		for {
			select {
			case <-reloaded:
			default:
				return
			}
		}
	}
	drain()

	if err := os.WriteFile(configFile, []byte("verbose = 2\n"), 0o644); err != nil {
		t.Fatalf("failed to rewrite config file: %v", err)
	}
	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("reload was not triggered after the replace-then-write sequence")
	}
}

func TestWatchConfigFile_MissingFileFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	err := WatchConfigFile(ctx, filepath.Join(t.TempDir(), "nope.hcl"), func() error { return nil })
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
