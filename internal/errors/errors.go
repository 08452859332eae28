// Package errors provides centralized error definitions and error handling utilities
// for the swmrcoord codebase. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - CoordinationError: errors raised by the writer/reader protocol
//   - SegmentError: errors touching the shared coordination segment
//   - StorageError: opaque passthrough of StorageBackend failures
//
// Sentinel errors name the protocol failure kinds:
//   - ErrTooManyProcesses: the process registry of a segment is full
//   - ErrInvalidStateTransition: e.g. a second SWMR promotion or a wrong-role call
//   - ErrTransientLock: a backend lock was contended; retry may succeed
//   - ErrInternalConsistency: shared state disagrees with local bookkeeping
//
// # Usage
//
//	err := errors.NewCoordinationError("enable concurrent read", errors.ErrInvalidStateTransition).
//		WithFile("/data/run.rec").
//		WithRole("writer")
//
//	if errors.Is(err, errors.ErrInvalidStateTransition) { ... }
//	if errors.IsTransientLock(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Protocol sentinel errors
var (
	// ErrTooManyProcesses indicates that the process registry of a segment is at capacity.
	ErrTooManyProcesses = New("too many processes attached to file")
	// ErrInvalidStateTransition indicates an operation not allowed in the current state or role.
	ErrInvalidStateTransition = New("invalid state transition")
	// ErrInternalConsistency indicates shared state that contradicts local bookkeeping.
	ErrInternalConsistency = New("internal consistency violation")
	// ErrClientClosed indicates use of a client after Close.
	ErrClientClosed = New("client is closed")
)

// Segment sentinel errors
var (
	// ErrSegmentNotFound indicates that no coordination segment exists for a file.
	ErrSegmentNotFound = New("coordination segment not found")
	// ErrSegmentCorrupted indicates that a segment's header or layout is unreadable.
	ErrSegmentCorrupted = New("coordination segment corrupted")
)

// Storage sentinel errors
var (
	// ErrTransientLock indicates a contended backend lock. Operations failing
	// with it may succeed on retry.
	ErrTransientLock = New("file is locked by another process")
	// ErrNotSupported indicates that a backend handle cannot perform an operation
	// in its open mode.
	ErrNotSupported = New("operation not supported in this mode")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// CoordError is the base interface for all swmrcoord errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type CoordError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// formatContext renders "prefix [k=v, ...]: message[: cause]".
func (e *baseError) formatContext(prefix string, parts []string) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// CoordinationError represents a failure of the writer/reader protocol.
//
// Example:
//
//	err := errors.NewCoordinationError("open", errors.ErrTooManyProcesses).WithFile("/data/a.rec")
//	fmt.Println(err) // "coordination error [file=/data/a.rec]: open: too many processes attached to file"
type CoordinationError struct {
	baseError
	File     string
	Role     string
	ClientID string
}

// NewCoordinationError creates a new CoordinationError.
func NewCoordinationError(message string, cause error) *CoordinationError {
	return &CoordinationError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithFile adds the data file path to the error context.
func (e *CoordinationError) WithFile(path string) *CoordinationError {
	e.File = path
	return e
}

// WithRole adds the client role to the error context.
func (e *CoordinationError) WithRole(role string) *CoordinationError {
	e.Role = role
	return e
}

// WithClientID adds the client UUID to the error context.
func (e *CoordinationError) WithClientID(id string) *CoordinationError {
	e.ClientID = id
	return e
}

// WithSeverity sets the error severity.
func (e *CoordinationError) WithSeverity(s Severity) *CoordinationError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *CoordinationError) Error() string {
	var parts []string
	if e.File != "" {
		parts = append(parts, "file="+e.File)
	}
	if e.Role != "" {
		parts = append(parts, "role="+e.Role)
	}
	if e.ClientID != "" {
		parts = append(parts, "client="+e.ClientID)
	}
	return e.formatContext("coordination error", parts)
}

// Is checks if this error matches the target.
func (e *CoordinationError) Is(target error) bool {
	if _, ok := target.(*CoordinationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// SegmentError represents a failure creating, attaching, reading or
// destroying a shared coordination segment.
type SegmentError struct {
	baseError
	Segment string
}

// NewSegmentError creates a new SegmentError.
func NewSegmentError(message string, cause error) *SegmentError {
	return &SegmentError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithSegment adds the segment name to the error context.
func (e *SegmentError) WithSegment(name string) *SegmentError {
	e.Segment = name
	return e
}

// Error returns the formatted error message.
func (e *SegmentError) Error() string {
	var parts []string
	if e.Segment != "" {
		parts = append(parts, "segment="+e.Segment)
	}
	return e.formatContext("segment error", parts)
}

// Is checks if this error matches the target.
func (e *SegmentError) Is(target error) bool {
	if _, ok := target.(*SegmentError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StorageError wraps an error returned by a StorageBackend. The wrapped
// error is passed through untouched; Transient marks lock contention.
type StorageError struct {
	baseError
	Op        string
	Path      string
	Transient bool
	Attempts  int
}

// NewStorageError creates a new StorageError for the given backend operation.
func NewStorageError(op string, cause error) *StorageError {
	return &StorageError{
		baseError: baseError{
			message:  op,
			cause:    cause,
			severity: SeverityError,
		},
		Op: op,
	}
}

// WithPath adds the data file path to the error context.
func (e *StorageError) WithPath(path string) *StorageError {
	e.Path = path
	return e
}

// WithTransient marks the error as transient lock contention. Transient
// storage errors are retryable.
func (e *StorageError) WithTransient(t bool) *StorageError {
	e.Transient = t
	e.retryable = t
	return e
}

// WithAttempts records how many attempts were made before the error surfaced.
func (e *StorageError) WithAttempts(n int) *StorageError {
	e.Attempts = n
	return e
}

// Error returns the formatted error message.
func (e *StorageError) Error() string {
	var parts []string
	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}
	if e.Transient {
		parts = append(parts, "transient")
	}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	return e.formatContext("storage error", parts)
}

// Is checks if this error matches the target.
func (e *StorageError) Is(target error) bool {
	if _, ok := target.(*StorageError); ok {
		return true
	}
	if e.Transient && target == ErrTransientLock {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("path cannot be empty").WithField("path")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.formatContext("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing CoordError with IsRetryable() returning true
//   - Errors wrapping ErrTransientLock or ErrTimeout
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var coordErr CoordError
	if As(err, &coordErr) && coordErr.IsRetryable() {
		return true
	}

	return Is(err, ErrTransientLock) || Is(err, ErrTimeout)
}

// IsTransientLock returns true if err is (or wraps) backend lock contention.
func IsTransientLock(err error) bool {
	if err == nil {
		return false
	}
	var storageErr *StorageError
	if As(err, &storageErr) && storageErr.Transient {
		return true
	}
	return Is(err, ErrTransientLock)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement CoordError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var coordErr CoordError
	if As(err, &coordErr) {
		return coordErr.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike a bare fmt.Errorf, nil stays nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
