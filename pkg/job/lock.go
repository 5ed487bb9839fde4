package job

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/tccp/tccp/pkg/tccperrors"
)

// SingletonLock holds the process-wide exclusive lock enforcing one running
// orchestrator per host user (spec.md §5, §9). No ecosystem flock wrapper
// appears anywhere in the reference stack, so this talks to unix.Flock
// directly rather than inventing a dependency.
type SingletonLock struct {
	f *os.File
}

// AcquireSingleton takes a non-blocking exclusive flock on
// <toolHome>/tool.lock. Returns tccperrors.ErrAlreadyLocked if another
// process already holds it.
func AcquireSingleton(toolHome string) (*SingletonLock, error) {
	if err := os.MkdirAll(toolHome, 0o700); err != nil {
		return nil, fmt.Errorf("creating tool home: %w", err)
	}
	path := filepath.Join(toolHome, "tool.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, tccperrors.ErrAlreadyLocked
	}
	return &SingletonLock{f: f}, nil
}

// Release drops the lock and closes the underlying file.
func (l *SingletonLock) Release() error {
	if l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
