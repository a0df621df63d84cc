// Package lockfile guards a working directory against concurrent preload runs.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the lock
var ErrLocked = errors.New("another feed-preload run holds the lock")

// Lock is an acquired advisory file lock
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock at path without blocking.
// An empty path returns a nil Lock, whose Release is a no-op.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	slog.Debug("Run lock acquired", "path", path)
	return &Lock{fl: fl}, nil
}

// Path returns the lock file path
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.fl.Path()
}

// Release unlocks the lock. The file is kept so every run locks the same inode.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.fl.Path(), err)
	}
	slog.Debug("Run lock released", "path", l.fl.Path())
	return nil
}
