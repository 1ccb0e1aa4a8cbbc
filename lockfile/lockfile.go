// Package lockfile makes sure a single daemon instance operates on a data
// root at a time.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when the lock is held by another process
var ErrLocked = errors.New("lockfile: held by another instance")

// Lock is an acquired exclusive lock, released with Release
type Lock struct {
	f *os.File
}

// Acquire takes the exclusive advisory lock on <dir>/lock without blocking.
// The kernel drops the lock when the process exits.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("lockfile: %w", err)
	}
	p := filepath.Join(dir, "lock")
	// os.OpenFile sets close-on-exec, sandboxed children never inherit it
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, p)
		}
		return nil, fmt.Errorf("lockfile: flock %s: %w", p, err)
	}
	// pid for diagnosis only
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{f: f}, nil
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.f.Name()
}

// Release unlocks and closes the lock file, it is safe to call twice
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}
