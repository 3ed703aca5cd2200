package notify

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scrypster/entbridge/internal/logging"
)

func TestProfileWatcherReportsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("connections: {}\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	changed := make(chan struct{}, 4)
	watcher := NewProfileWatcher(path, func() { changed <- struct{}{} },
		WithDebounce(20*time.Millisecond), WithLogger(logging.Discard()))
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte("connections:\n  a: {}\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}
}

func TestProfileWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	var calls atomic.Int32
	watcher := NewProfileWatcher(path, func() { calls.Add(1) },
		WithDebounce(200*time.Millisecond), WithLogger(logging.Discard()))
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("connections: {}\n"), 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(600 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 notification for a burst of writes, got %d", got)
	}
}

func TestProfileWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	var calls atomic.Int32
	watcher := NewProfileWatcher(path, func() { calls.Add(1) },
		WithDebounce(20*time.Millisecond), WithLogger(logging.Discard()))
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "schema.db"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("expected no notification for an unrelated file, got %d", got)
	}
}

func TestProfileWatcherMissingDirectory(t *testing.T) {
	watcher := NewProfileWatcher(filepath.Join(t.TempDir(), "missing", "config.yaml"), nil)
	if err := watcher.Start(); err == nil {
		t.Fatal("expected an error for a missing directory")
	}
	watcher.Stop()
}
