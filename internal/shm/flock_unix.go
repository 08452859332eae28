//go:build unix

package shm

import (
	"os"

	"golang.org/x/sys/unix"
)

// flock applies an advisory lock operation to f, restarting on EINTR.
// Locks belong to the open file description, so two *os.File values
// opened separately on the same path exclude each other even inside one process.
func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}

func lockExclusive(f *os.File) error { return flock(f, unix.LOCK_EX) }

func unlock(f *os.File) error { return flock(f, unix.LOCK_UN) }
