package swmr

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
	"github.com/Iron-Ham/swmrcoord/internal/event"
	"github.com/Iron-Ham/swmrcoord/internal/shm"
	"github.com/Iron-Ham/swmrcoord/internal/storage"
)

func TestOpenWriter_HoldsExclusively(t *testing.T) {
	f := newFixture(t)
	w := f.writer()

	assert.Equal(t, WriterExclusive, w.Phase())
	assert.FileExists(t, f.dataPath)

	st := f.state()
	assert.Equal(t, shm.WriterActive, st.WriterState)
	assert.Equal(t, uint32(1), st.RefCount)
	require.Len(t, st.Processes, 1)
	assert.Equal(t, w.ID(), st.Processes[0].UUID)
	assert.Equal(t, shm.RoleWriter, st.Processes[0].Role)
	assert.Equal(t, shm.PhaseHolding, st.Processes[0].Phase)

	require.NoError(t, w.Close())
	assert.Equal(t, WriterClosed, w.Phase())

	canonical, err := shm.Canonicalize(f.dataPath)
	require.NoError(t, err)
	_, err = shm.Inspect(f.shmDir, canonical)
	assert.ErrorIs(t, err, errors.ErrSegmentNotFound, "last closer destroys the segment")
}

func TestWriter_EnableConcurrentReadMode(t *testing.T) {
	f := newFixture(t)
	w := f.writer()

	events := w.Events()
	opened := nextEvent(t, events, event.TypeWriterStateChanged, time.Second).(event.WriterStateChangedEvent)
	assert.Equal(t, "None", opened.From)
	assert.Equal(t, "Active", opened.To)

	require.NoError(t, w.EnableConcurrentReadMode())
	assert.Equal(t, WriterConcurrent, w.Phase())
	assert.Equal(t, shm.WriterSwmr, f.state().WriterState)

	e := nextEvent(t, events, event.TypeWriterStateChanged, time.Second).(event.WriterStateChangedEvent)
	assert.Equal(t, "Active", e.From)
	assert.Equal(t, "Swmr", e.To)

	rh, ok := w.Handle().(*storage.RecordHandle)
	require.True(t, ok)
	assert.True(t, rh.ConcurrentRead())

	err := w.EnableConcurrentReadMode()
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition, "exclusive mode cannot be re-entered")
	assert.Equal(t, shm.WriterSwmr, f.state().WriterState)
}

func TestWriter_UseAfterClose(t *testing.T) {
	f := newFixture(t)
	w := f.writer()
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")

	assert.ErrorIs(t, w.EnableConcurrentReadMode(), errors.ErrClientClosed)
	_, err := w.FlushIfRequested()
	assert.ErrorIs(t, err, errors.ErrClientClosed)
	_, err = w.Snapshot()
	assert.ErrorIs(t, err, errors.ErrClientClosed)

	// Drains only because Close closed the channel.
	for range w.Events() {
	}
}

func TestOpenWriter_SecondWriterWaits(t *testing.T) {
	f := newFixture(t)
	w1 := f.writer()

	res := openWriterAsync(context.Background(), f)
	select {
	case r := <-res:
		require.FailNow(t, "second writer opened while the first holds the file", "err: %v", r.err)
	case <-time.After(150 * time.Millisecond):
	}

	st := f.state()
	assert.Equal(t, shm.WriterActive, st.WriterState)
	assert.Equal(t, uint32(2), st.RefCount)

	require.NoError(t, w1.Close())

	r := <-res
	require.NoError(t, r.err)
	t.Cleanup(func() { _ = r.client.Close() })
	assert.Equal(t, shm.WriterActive, f.state().WriterState)
}

func TestOpenWriter_CancelWhileWaiting(t *testing.T) {
	f := newFixture(t)
	f.writer()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := OpenWriter(ctx, f.dataPath, f.opts()...)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st := f.state()
	assert.Equal(t, uint32(1), st.RefCount, "cancelled open leaves no reference")
	assert.Len(t, st.Processes, 1, "cancelled open leaves no registration")
	assert.Equal(t, shm.WriterActive, st.WriterState)
}

func TestOpenWriter_CancelWithdrawsWriteRequest(t *testing.T) {
	f := newFixture(t)
	f.seedFile()
	r := f.reader()

	ctx, cancel := context.WithCancel(context.Background())
	res := openWriterAsync(ctx, f)
	f.eventually(func(st *shm.State) bool { return st.WriterState == shm.WriterRequest }, "write request posted")

	cancel()
	out := <-res
	assert.ErrorIs(t, out.err, context.Canceled)

	st := f.state()
	assert.Equal(t, shm.WriterNone, st.WriterState, "cancelled writer withdraws its request")
	assert.Equal(t, uint32(1), st.ActiveReaders)
	assert.Equal(t, uint32(1), st.RefCount)
	require.NoError(t, r.Close())
}

func TestOpenWriter_TooManyProcesses(t *testing.T) {
	f := newFixture(t)
	f.writer(WithMaxProcesses(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := OpenReader(ctx, f.dataPath, f.opts()...)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTooManyProcesses)

	st := f.state()
	assert.Equal(t, uint32(1), st.RefCount)
	assert.Len(t, st.Processes, 1)
}

func TestOpenWriter_BlockingWarnings(t *testing.T) {
	f := newFixture(t)
	f.writer()

	bus := event.NewBus()
	var blocked atomic.Int32
	bus.Subscribe(event.TypeClientBlocked, func(e event.Event) {
		if e.(event.ClientBlockedEvent).Waiting == "exclusive access" {
			blocked.Add(1)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 130*time.Millisecond)
	defer cancel()
	_, err := OpenWriter(ctx, f.dataPath, f.opts(WithBus(bus), WithBlockingMessage(30*time.Millisecond))...)
	require.Error(t, err)
	assert.GreaterOrEqual(t, blocked.Load(), int32(2))
}

func TestWriter_FlushIfRequested(t *testing.T) {
	f := newFixture(t)

	var hookCalls atomic.Int32
	w := f.writer(WithPostFlushHook(func() error {
		hookCalls.Add(1)
		return nil
	}))
	require.NoError(t, w.EnableConcurrentReadMode())

	flushed, err := w.FlushIfRequested()
	require.NoError(t, err)
	assert.False(t, flushed, "nothing requested")
	assert.Zero(t, hookCalls.Load())

	r := f.reader()
	swmr, err := r.RequestFlush()
	require.NoError(t, err)
	assert.True(t, swmr)
	assert.True(t, f.state().FlushRequest)

	flushed, err = w.FlushIfRequested()
	require.NoError(t, err)
	assert.True(t, flushed)
	assert.Equal(t, int32(1), hookCalls.Load())
	assert.False(t, f.state().FlushRequest)

	flushed, err = w.FlushIfRequested()
	require.NoError(t, err)
	assert.False(t, flushed)
}

func TestWriter_PostFlushHookError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("hook failed")
	w := f.writer(WithPostFlushHook(func() error { return boom }))
	require.NoError(t, w.EnableConcurrentReadMode())

	r := f.reader()
	_, err := r.RequestFlush()
	require.NoError(t, err)

	flushed, err := w.FlushIfRequested()
	assert.True(t, flushed)
	assert.ErrorIs(t, err, boom)
	assert.False(t, f.state().FlushRequest, "request is cleared once data is flushed")
}

func TestWriter_CloseEmitsStateChange(t *testing.T) {
	f := newFixture(t)
	bus := event.NewBus()
	var got []event.WriterStateChangedEvent
	bus.Subscribe(event.TypeWriterStateChanged, func(e event.Event) {
		got = append(got, e.(event.WriterStateChangedEvent))
	})

	w := f.writer(WithBus(bus))
	require.NoError(t, w.EnableConcurrentReadMode())
	require.NoError(t, w.Close())

	require.Len(t, got, 3)
	assert.Equal(t, [2]string{"None", "Active"}, [2]string{got[0].From, got[0].To})
	assert.Equal(t, [2]string{"Active", "Swmr"}, [2]string{got[1].From, got[1].To})
	assert.Equal(t, [2]string{"Swmr", "None"}, [2]string{got[2].From, got[2].To})
}
