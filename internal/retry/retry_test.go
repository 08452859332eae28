package retry

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
	"github.com/Iron-Ham/swmrcoord/internal/storage"
)

var fastDelays = []time.Duration{0, time.Millisecond, time.Millisecond, time.Millisecond}

func transientErr() error {
	return errors.NewStorageError("open", errors.ErrTransientLock).WithTransient(true)
}

// flakyBackend fails the first failures calls of each operation with err.
type flakyBackend struct {
	failures int
	err      error
	calls    int
}

func (b *flakyBackend) attempt() error {
	b.calls++
	if b.calls <= b.failures {
		return b.err
	}
	return nil
}

func (b *flakyBackend) Create(path string) (storage.Handle, error) {
	if err := b.attempt(); err != nil {
		return nil, err
	}
	return nopHandle{}, nil
}

func (b *flakyBackend) Open(path string, mode storage.Mode) (storage.Handle, error) {
	return b.Create(path)
}

func (b *flakyBackend) Rename(oldPath, newPath string) error {
	return b.attempt()
}

func (b *flakyBackend) ClassifyError(err error) storage.ErrorClass {
	return storage.ClassifyTransient(err)
}

type nopHandle struct{}

func (nopHandle) Flush() error                { return nil }
func (nopHandle) EnableConcurrentRead() error { return nil }
func (nopHandle) Refresh() error              { return nil }
func (nopHandle) Close() error                { return nil }

func TestDo(t *testing.T) {
	isTransient := func(err error) bool { return errors.IsTransientLock(err) }

	t.Run("first attempt succeeds", func(t *testing.T) {
		v, attempts, err := Do(context.Background(), fastDelays, isTransient, func() (int, error) { return 7, nil })
		require.NoError(t, err)
		assert.Equal(t, 7, v)
		assert.Equal(t, 1, attempts)
	})

	t.Run("transient then success", func(t *testing.T) {
		n := 0
		v, attempts, err := Do(context.Background(), fastDelays, isTransient, func() (string, error) {
			n++
			if n < 3 {
				return "", transientErr()
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
		assert.Equal(t, 3, attempts)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		boom := fmt.Errorf("boom")
		n := 0
		_, attempts, err := Do(context.Background(), fastDelays, isTransient, func() (int, error) {
			n++
			return 0, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, n)
	})

	t.Run("exhaustion returns final error", func(t *testing.T) {
		n := 0
		_, attempts, err := Do(context.Background(), fastDelays, isTransient, func() (int, error) {
			n++
			return 0, errors.NewStorageError(fmt.Sprintf("attempt %d", n), errors.ErrTransientLock).WithTransient(true)
		})
		require.Error(t, err)
		assert.Equal(t, len(fastDelays), attempts)
		assert.Contains(t, err.Error(), fmt.Sprintf("attempt %d", len(fastDelays)))
	})

	t.Run("context cancel stops waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		n := 0
		start := time.Now()
		_, _, err := Do(ctx, []time.Duration{0, time.Hour}, isTransient, func() (int, error) {
			n++
			cancel()
			return 0, transientErr()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, errors.ErrTransientLock)
		assert.Equal(t, 1, n)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("schedule delays are honoured", func(t *testing.T) {
		start := time.Now()
		_, _, _ = Do(context.Background(), []time.Duration{0, 20 * time.Millisecond, 20 * time.Millisecond}, isTransient,
			func() (int, error) { return 0, transientErr() })
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})
}

func TestFileOps_Open(t *testing.T) {
	b := &flakyBackend{failures: 2, err: transientErr()}
	ops := NewFileOps(b, WithDelays(fastDelays))

	h, err := ops.Open(context.Background(), "/data/x.rec", storage.ModeRead)
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 3, b.calls)
}

func TestFileOps_ExhaustionRecordsAttempts(t *testing.T) {
	b := &flakyBackend{failures: 100, err: transientErr()}
	ops := NewFileOps(b, WithDelays(fastDelays))

	_, err := ops.Create(context.Background(), "/data/x.rec")
	require.Error(t, err)

	var se *errors.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, len(fastDelays), se.Attempts)
	assert.True(t, errors.IsTransientLock(err))
	assert.Equal(t, len(fastDelays), b.calls)
}

func TestFileOps_OtherErrorPropagates(t *testing.T) {
	boom := fmt.Errorf("disk on fire")
	b := &flakyBackend{failures: 100, err: boom}
	ops := NewFileOps(b, WithDelays(fastDelays))

	err := ops.Rename(context.Background(), "/a", "/b")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, b.calls)
}

func TestFileOps_DefaultDelays(t *testing.T) {
	ops := NewFileOps(&flakyBackend{})
	assert.Equal(t, DefaultDelays, ops.Delays())
	assert.Len(t, ops.Delays(), 6)

	ops = NewFileOps(&flakyBackend{}, WithDelays(nil))
	assert.Equal(t, DefaultDelays, ops.Delays(), "empty schedule keeps the default")
}

func TestFileOps_RecordFileContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.rec")
	backend := storage.NewRecordFile()
	ops := NewFileOps(backend, WithDelays([]time.Duration{0, 5 * time.Millisecond, 5 * time.Millisecond}))

	w, err := ops.Create(context.Background(), path)
	require.NoError(t, err)

	_, err = ops.Open(context.Background(), path, storage.ModeRead)
	require.Error(t, err)
	assert.True(t, errors.IsTransientLock(err))

	// Releasing the writer mid-schedule lets a later attempt win.
	go func() {
		time.Sleep(2 * time.Millisecond)
		_ = w.Close()
	}()
	ops = NewFileOps(backend, WithDelays([]time.Duration{0, 50 * time.Millisecond, 100 * time.Millisecond}))
	r, err := ops.Open(context.Background(), path, storage.ModeRead)
	require.NoError(t, err)
	require.NoError(t, r.Close())
}
