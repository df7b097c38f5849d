package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const flagName = "shutdown"

// pollInterval bounds how long Wait can miss a set flag when fsnotify is unavailable.
var pollInterval = 50 * time.Millisecond

var ErrEmptyPath = errors.New("shutdown: empty signal path")

// Signal is a cross-process, set-once boolean backed by a flag file.
// Every process holding the same path observes the same state; once set it is
// never cleared while the signal directory exists.
type Signal struct {
	dir   string
	owned bool
}

// New creates a fresh, unset signal in its own temporary directory.
// The caller owns it and should Remove it once no process reads it anymore.
func New() (*Signal, error) {
	dir, err := os.MkdirTemp("", "multiproc-shutdown-")
	if err != nil {
		return nil, fmt.Errorf("shutdown: create signal dir: %w", err)
	}
	return &Signal{dir: dir, owned: true}, nil
}

// Open attaches to an existing signal by the path returned from Path.
func Open(path string) (*Signal, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	return &Signal{dir: filepath.Dir(path)}, nil
}

// Path identifies the signal. Two Signals with equal paths are the same signal.
func (s *Signal) Path() string { return filepath.Join(s.dir, flagName) }

// Set raises the flag. Setting an already-set signal is a no-op.
func (s *Signal) Set() error {
	f, err := os.OpenFile(s.Path(), os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("shutdown: set %s: %w", s.Path(), err)
	}
	return f.Close()
}

// IsSet reports whether the flag has been raised.
func (s *Signal) IsSet() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Wait blocks until the flag is set or ctx is done. It returns ctx.Err() on cancellation.
func (s *Signal) Wait(ctx context.Context) error {
	if s.IsSet() {
		return nil
	}
	var events chan fsnotify.Event
	w, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = w.Close() }()
		if err := w.Add(s.dir); err == nil {
			events = w.Events
		}
	}
	// Re-check after the watch is installed so a Set racing with Add is not lost.
	if s.IsSet() {
		return nil
	}
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) == flagName && s.IsSet() {
				return nil
			}
		case <-t.C:
			if s.IsSet() {
				return nil
			}
		}
	}
}

// Context returns a context cancelled when the flag is set or parent is done.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		if err := s.Wait(ctx); err == nil {
			cancel()
		}
	}()
	return ctx, cancel
}

// Owned reports whether this handle created the signal directory.
func (s *Signal) Owned() bool { return s.owned }

// Remove deletes the signal directory if this handle created it.
// Readers still attached afterwards observe the signal as unset.
func (s *Signal) Remove() error {
	if !s.owned {
		return nil
	}
	return os.RemoveAll(s.dir)
}

func (s *Signal) String() string { return s.Path() }
