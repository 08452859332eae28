// Package retry applies a bounded delay schedule to storage operations
// that fail on transient lock contention.
//
// Only errors the backend classifies as [storage.ClassTransientLock] are
// retried. Anything else propagates at once, and exhausting the schedule
// returns the final error annotated with the number of attempts.
package retry

import (
	"context"
	"time"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
	"github.com/Iron-Ham/swmrcoord/internal/logging"
	"github.com/Iron-Ham/swmrcoord/internal/storage"
)

// DefaultDelays is the delay before each attempt. Its length is the attempt budget.
var DefaultDelays = []time.Duration{
	0,
	10 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	5 * time.Second,
}

// Do runs op once per entry of delays, sleeping that long first, until op
// succeeds or fails with an error isTransient rejects. It returns the
// number of attempts made.
func Do[T any](ctx context.Context, delays []time.Duration, isTransient func(error) bool, op func() (T, error)) (T, int, error) {
	var zero T
	if len(delays) == 0 {
		delays = []time.Duration{0}
	}

	var lastErr error
	for i, d := range delays {
		if d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				if lastErr != nil {
					return zero, i, errors.Join(ctx.Err(), lastErr)
				}
				return zero, i, ctx.Err()
			case <-timer.C:
			}
		}

		v, err := op()
		if err == nil {
			return v, i + 1, nil
		}
		lastErr = err
		if !isTransient(err) {
			return zero, i + 1, err
		}
	}
	return zero, len(delays), lastErr
}

// FileOps wraps a storage backend's create, open and rename calls with the
// retry schedule.
type FileOps struct {
	backend storage.Backend
	delays  []time.Duration
	logger  *logging.Logger
}

// Option configures FileOps.
type Option func(*FileOps)

// WithDelays replaces the delay schedule.
func WithDelays(delays []time.Duration) Option {
	return func(o *FileOps) {
		if len(delays) > 0 {
			o.delays = append([]time.Duration(nil), delays...)
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *logging.Logger) Option {
	return func(o *FileOps) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewFileOps creates a FileOps over backend.
func NewFileOps(backend storage.Backend, opts ...Option) *FileOps {
	o := &FileOps{
		backend: backend,
		delays:  DefaultDelays,
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Backend returns the wrapped backend.
func (o *FileOps) Backend() storage.Backend { return o.backend }

// Delays returns the schedule in use.
func (o *FileOps) Delays() []time.Duration {
	return append([]time.Duration(nil), o.delays...)
}

// Create creates path through the backend.
func (o *FileOps) Create(ctx context.Context, path string) (storage.Handle, error) {
	return run(ctx, o, "create", path, func() (storage.Handle, error) {
		return o.backend.Create(path)
	})
}

// Open opens path in mode through the backend.
func (o *FileOps) Open(ctx context.Context, path string, mode storage.Mode) (storage.Handle, error) {
	return run(ctx, o, "open", path, func() (storage.Handle, error) {
		return o.backend.Open(path, mode)
	})
}

// Rename renames oldPath to newPath through the backend.
func (o *FileOps) Rename(ctx context.Context, oldPath, newPath string) error {
	_, err := run(ctx, o, "rename", oldPath, func() (struct{}, error) {
		return struct{}{}, o.backend.Rename(oldPath, newPath)
	})
	return err
}

func (o *FileOps) isTransient(err error) bool {
	return o.backend.ClassifyError(err) == storage.ClassTransientLock
}

func run[T any](ctx context.Context, o *FileOps, op, path string, fn func() (T, error)) (T, error) {
	attempt := 0
	v, attempts, err := Do(ctx, o.delays, o.isTransient, func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && o.isTransient(err) && attempt < len(o.delays) {
			o.logger.Debug("transient lock, retrying",
				"op", op,
				"path", path,
				"attempt", attempt,
				"next_delay", o.delays[attempt].String(),
			)
		}
		return v, err
	})
	if err == nil {
		if attempts > 1 {
			o.logger.Info("storage operation succeeded after retry", "op", op, "path", path, "attempts", attempts)
		}
		return v, nil
	}

	if o.isTransient(err) {
		o.logger.Warn("storage operation gave up on transient lock",
			"op", op,
			"path", path,
			"attempts", attempts,
			"error", err.Error(),
		)
		var se *errors.StorageError
		if errors.As(err, &se) {
			se.WithAttempts(attempts)
			return v, err
		}
		return v, errors.NewStorageError(op, err).WithPath(path).WithTransient(true).WithAttempts(attempts)
	}
	return v, err
}
