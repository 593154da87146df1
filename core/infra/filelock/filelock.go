// Package filelock coordinates processes on a single host through advisory
// flock(2) locks. It is deliberately narrower than the distributed lock: it
// never crosses machines and never expires on its own.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/debench/debench/core/infra/logging"
	"golang.org/x/sys/unix"
)

// DefaultPoll is the retry interval used by Acquire when poll <= 0.
const DefaultPoll = 100 * time.Millisecond

// ErrLocked is returned by TryAcquire when another process holds the lock.
var ErrLocked = errors.New("file lock held by another process")

// Handle is an open, exclusively locked file.
type Handle struct {
	f    *os.File
	path string
}

// Path returns the lock file path.
func (h *Handle) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// Release unlocks and closes the lock file. Safe to call more than once.
func (h *Handle) Release() error {
	if h == nil || h.f == nil {
		return nil
	}
	f := h.f
	h.f = nil
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", h.path, unlockErr)
	}
	return closeErr
}

// TryAcquire takes the lock without blocking.
func TryAcquire(path string) (*Handle, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Handle{f: f, path: path}, nil
}

// Acquire blocks until the lock is taken or ctx is done.
func Acquire(ctx context.Context, path string, poll time.Duration) (*Handle, error) {
	if poll <= 0 {
		poll = DefaultPoll
	}
	for {
		h, err := TryAcquire(path)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Once runs fn at most once per host for key: the first caller runs it under
// the flock and writes a marker file, later callers see the marker and skip.
// A failing fn leaves no marker so the next caller retries.
func Once(ctx context.Context, dir, key string, fn func(ctx context.Context) error) (ran bool, err error) {
	if fn == nil {
		return false, errors.New("nil func")
	}
	name := sanitize(key)
	if name == "" {
		return false, errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}
	marker := filepath.Join(dir, name+".done")
	if markerExists(marker) {
		return false, nil
	}
	h, err := Acquire(ctx, filepath.Join(dir, name+".lock"), DefaultPoll)
	if err != nil {
		return false, err
	}
	defer func() {
		if relErr := h.Release(); relErr != nil {
			logging.Warn("filelock", "release failed", "path", h.Path(), "error", relErr)
		}
	}()
	// Re-check under the lock: a sibling may have finished while we waited.
	if markerExists(marker) {
		return false, nil
	}
	if err := fn(ctx); err != nil {
		return true, err
	}
	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return true, fmt.Errorf("write marker: %w", err)
	}
	logging.Debug("filelock", "once completed", "key", key, "marker", marker)
	return true, nil
}

// Reset removes the marker for key so the next Once call runs again.
func Reset(dir, key string) error {
	err := os.Remove(filepath.Join(dir, sanitize(key)+".done"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	// #nosec G304 -- lock path is derived from operator config.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	return f, nil
}

func markerExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func sanitize(key string) string {
	key = strings.TrimSpace(key)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}
