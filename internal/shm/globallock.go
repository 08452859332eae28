package shm

import (
	"fmt"
	"os"
	"path/filepath"
)

// GlobalLockName is the well-known lock file serializing segment
// create-or-attach and detach-or-destroy within a shm directory.
const GlobalLockName = "swmr.global.lock"

// GlobalLock is a held global creation lock.
type GlobalLock struct {
	file *os.File
}

// AcquireGlobalLock blocks until it holds the global creation lock of dir.
// The lock file is created on first use and never removed.
func AcquireGlobalLock(dir string) (*GlobalLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create shm directory: %w", err)
	}

	path := filepath.Join(dir, GlobalLockName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open global lock: %w", err)
	}
	if err := lockExclusive(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return &GlobalLock{file: f}, nil
}

// Release drops the lock. Safe to call multiple times.
func (l *GlobalLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	uerr := unlock(f)
	cerr := f.Close()
	if uerr != nil {
		return uerr
	}
	return cerr
}
