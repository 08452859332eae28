// Package storage defines the file-format backend the coordination layer
// drives, and RecordFile, an append-only record store implementing it.
//
// The coordination layer never interprets data. It only decides when a
// process may hold a handle in which mode and tells the backend when to
// flush, switch to concurrent-read mode or refresh.
package storage

import (
	"github.com/Iron-Ham/swmrcoord/internal/errors"
)

// Mode is the access mode of an opened handle.
type Mode int

const (
	// ModeRead opens an existing file for reading. It fails if the file is absent.
	ModeRead Mode = iota
	// ModeWrite opens an existing file for appending.
	ModeWrite
)

// String returns "read" or "write".
func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// ErrorClass is the backend's classification of one of its errors.
type ErrorClass int

const (
	// ClassOther errors propagate immediately.
	ClassOther ErrorClass = iota
	// ClassTransientLock errors mean the file is locked by someone else and
	// the operation may succeed if retried.
	ClassTransientLock
)

// String returns the display name of the class.
func (c ErrorClass) String() string {
	if c == ClassTransientLock {
		return "transient-lock"
	}
	return "other"
}

// Backend creates and opens data files.
type Backend interface {
	// Create creates or truncates path and opens it for exclusive writing.
	Create(path string) (Handle, error)
	// Open opens an existing file in mode.
	Open(path string, mode Mode) (Handle, error)
	// Rename moves a closed data file.
	Rename(oldPath, newPath string) error
	// ClassifyError tells transient lock contention apart from other failures.
	ClassifyError(err error) ErrorClass
}

// Handle is an open data file.
type Handle interface {
	// Flush makes everything written so far visible to readers.
	Flush() error
	// EnableConcurrentRead switches a write handle to concurrent-read mode.
	// The switch is one-way.
	EnableConcurrentRead() error
	// Refresh makes a read handle pick up data flushed since the last refresh.
	Refresh() error
	// Close releases the handle.
	Close() error
}

// ClassifyTransient is a ClassifyError implementation for backends that
// report contention as a transient StorageError or ErrTransientLock.
func ClassifyTransient(err error) ErrorClass {
	if errors.IsTransientLock(err) {
		return ClassTransientLock
	}
	return ClassOther
}
