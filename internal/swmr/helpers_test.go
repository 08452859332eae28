package swmr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/swmrcoord/internal/event"
	"github.com/Iron-Ham/swmrcoord/internal/shm"
	"github.com/Iron-Ham/swmrcoord/internal/testutil"
)

const (
	testPing  = 20 * time.Millisecond
	testStale = 100 * time.Millisecond
	// reapDeadline bounds how long a crashed peer may stay registered.
	reapDeadline = testStale + 2*testPing + 400*time.Millisecond
)

type fixture struct {
	t        *testing.T
	shmDir   string
	dataPath string
	notifier *shm.Notifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	n := shm.NewNotifier()
	t.Cleanup(n.Close)
	return &fixture{
		t:        t,
		shmDir:   testutil.TempShmDir(t),
		dataPath: testutil.TempDataPath(t, "data.rec"),
		notifier: n,
	}
}

func (f *fixture) opts(extra ...Option) []Option {
	return append([]Option{
		WithShmDir(f.shmDir),
		WithHeartbeat(testPing, testStale),
		WithPollInterval(5 * time.Millisecond),
		WithBlockingMessage(0),
		WithRetryDelays([]time.Duration{0, 5 * time.Millisecond, 20 * time.Millisecond, 50 * time.Millisecond}),
		WithNotifier(f.notifier),
	}, extra...)
}

func (f *fixture) writer(extra ...Option) *Writer {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := OpenWriter(ctx, f.dataPath, f.opts(extra...)...)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = w.Close() })
	return w
}

func (f *fixture) reader(extra ...Option) *Reader {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := OpenReader(ctx, f.dataPath, f.opts(extra...)...)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = r.Close() })
	return r
}

// seedFile leaves a closed data file behind so readers can open it
// without a writer.
func (f *fixture) seedFile() {
	f.t.Helper()
	w := f.writer()
	require.NoError(f.t, w.Close())
}

func (f *fixture) state() *shm.State {
	f.t.Helper()
	canonical, err := shm.Canonicalize(f.dataPath)
	require.NoError(f.t, err)
	st, err := shm.Inspect(f.shmDir, canonical)
	require.NoError(f.t, err)
	return st
}

func (f *fixture) eventually(cond func(st *shm.State) bool, msg string) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		canonical, err := shm.Canonicalize(f.dataPath)
		if err != nil {
			return false
		}
		st, err := shm.Inspect(f.shmDir, canonical)
		return err == nil && cond(st)
	}, 5*time.Second, 5*time.Millisecond, msg)
}

type openResult[T any] struct {
	client T
	err    error
}

func openWriterAsync(ctx context.Context, f *fixture, extra ...Option) <-chan openResult[*Writer] {
	ch := make(chan openResult[*Writer], 1)
	go func() {
		w, err := OpenWriter(ctx, f.dataPath, f.opts(extra...)...)
		ch <- openResult[*Writer]{w, err}
	}()
	return ch
}

func openReaderAsync(ctx context.Context, f *fixture, extra ...Option) <-chan openResult[*Reader] {
	ch := make(chan openResult[*Reader], 1)
	go func() {
		r, err := OpenReader(ctx, f.dataPath, f.opts(extra...)...)
		ch <- openResult[*Reader]{r, err}
	}()
	return ch
}

// nextEvent returns the next event of type eventType from ch, skipping others.
func nextEvent(t *testing.T, ch <-chan event.Event, eventType string, timeout time.Duration) event.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "event channel closed while waiting for %s", eventType)
			if e.EventType() == eventType {
				return e
			}
		case <-deadline:
			require.FailNow(t, "timed out waiting for event", "no %s event within %v", eventType, timeout)
			return nil
		}
	}
}

// noEvent asserts that no event of eventType arrives on ch within d.
func noEvent(t *testing.T, ch <-chan event.Event, eventType string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.EventType() == eventType {
				require.FailNow(t, "unexpected event", "got %s", eventType)
			}
		case <-deadline:
			return
		}
	}
}
