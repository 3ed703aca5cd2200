// Package notify reports edits to the connection profile file so a running
// server can reload its connections without a restart.
package notify

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// ProfileWatcher watches one file and calls onChange after it settles.
type ProfileWatcher struct {
	path     string
	debounce time.Duration
	onChange func()
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// Option configures a ProfileWatcher.
type Option func(*ProfileWatcher)

// WithDebounce sets the quiet period before onChange fires.
func WithDebounce(d time.Duration) Option {
	return func(pw *ProfileWatcher) { pw.debounce = d }
}

// WithLogger sets the logger for watcher errors.
func WithLogger(l *slog.Logger) Option {
	return func(pw *ProfileWatcher) { pw.logger = l }
}

// NewProfileWatcher creates a watcher for path. Nothing is watched until
// Start is called.
func NewProfileWatcher(path string, onChange func(), opts ...Option) *ProfileWatcher {
	pw := &ProfileWatcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		onChange: onChange,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pw)
	}
	return pw
}

// Start begins watching. The parent directory is watched rather than the
// file itself because editors commonly replace the file on save. Call Stop
// to clean up.
func (pw *ProfileWatcher) Start() error {
	dir := filepath.Dir(pw.path)
	if _, err := os.Stat(dir); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}
	pw.watcher = w

	go pw.loop()
	pw.logger.Info("watching connection profiles", "path", pw.path)
	return nil
}

// Stop shuts down the watcher. It is a no-op if Start failed or was never
// called.
func (pw *ProfileWatcher) Stop() {
	if pw.watcher == nil {
		return
	}
	_ = pw.watcher.Close()
	<-pw.done
}

func (pw *ProfileWatcher) relevant(evt fsnotify.Event) bool {
	if filepath.Clean(evt.Name) != pw.path {
		return false
	}
	return evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (pw *ProfileWatcher) loop() {
	defer close(pw.done)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case evt, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if !pw.relevant(evt) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(pw.debounce)
			} else {
				timer.Reset(pw.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if pw.onChange != nil {
				pw.onChange()
			}
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Warn("profile watcher error", "error", err)
		}
	}
}
