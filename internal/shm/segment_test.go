package shm

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
)

func attach(t *testing.T, dir, path string) *Segment {
	t.Helper()
	seg, err := Attach(dir, path, 8, nil)
	require.NoError(t, err)
	return seg
}

func decRef(st *State) error {
	st.RefCount--
	return nil
}

func TestSegmentName(t *testing.T) {
	a := SegmentName("/data/a.rec")
	b := SegmentName("/data/b.rec")

	assert.Equal(t, a, SegmentName("/data/a.rec"))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, len(SegmentPrefix)+16)
}

func TestCanonicalize(t *testing.T) {
	dir := t.TempDir()
	realDir := filepath.Join(dir, "realDir")
	require.NoError(t, os.Mkdir(realDir, 0755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(realDir, link))

	viaLink, err := Canonicalize(filepath.Join(link, "data.rec"))
	require.NoError(t, err)
	direct, err := Canonicalize(filepath.Join(realDir, "data.rec"))
	require.NoError(t, err)
	assert.Equal(t, direct, viaLink, "symlinked directories resolve to one name")

	_, err = Canonicalize("")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestAttachDetach_RefCount(t *testing.T) {
	dir := t.TempDir()
	path := "/data/refcount.rec"

	a := attach(t, dir, path)
	b := attach(t, dir, path)

	st, err := a.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), st.RefCount)
	assert.Equal(t, path, st.Path)

	destroyed, err := b.Detach(decRef)
	require.NoError(t, err)
	assert.False(t, destroyed)
	assert.FileExists(t, a.File())

	destroyed, err = a.Detach(decRef)
	require.NoError(t, err)
	assert.True(t, destroyed, "last detach destroys the segment")
	assert.NoFileExists(t, a.File())

	_, err = a.Snapshot()
	assert.ErrorIs(t, err, errors.ErrClientClosed)
}

func TestAbandon_LeavesStateBehind(t *testing.T) {
	dir := t.TempDir()
	path := "/data/abandon.rec"

	a := attach(t, dir, path)
	b := attach(t, dir, path)

	require.NoError(t, b.Abandon())
	require.NoError(t, b.Abandon(), "second abandon is a no-op")

	st, err := a.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), st.RefCount, "abandoned reference is not released")

	_, err = b.Snapshot()
	assert.ErrorIs(t, err, errors.ErrClientClosed)

	destroyed, err := a.Detach(decRef)
	require.NoError(t, err)
	assert.False(t, destroyed)
}

func TestAttach_ExistingCapacityWins(t *testing.T) {
	dir := t.TempDir()
	a, err := Attach(dir, "/data/cap.rec", 3, nil)
	require.NoError(t, err)
	b, err := Attach(dir, "/data/cap.rec", 50, nil)
	require.NoError(t, err)

	st, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 3, st.MaxProcesses)

	_, _ = b.Detach(decRef)
	_, _ = a.Detach(decRef)
}

func TestAttach_Corrupted(t *testing.T) {
	dir := t.TempDir()
	path := "/data/corrupt.rec"
	require.NoError(t, os.WriteFile(filepath.Join(dir, SegmentName(path)), []byte("garbage"), 0644))

	_, err := Attach(dir, path, 8, nil)
	assert.ErrorIs(t, err, errors.ErrSegmentCorrupted)
}

func TestUpdate_ErrorDiscardsChanges(t *testing.T) {
	seg := attach(t, t.TempDir(), "/data/update.rec")
	defer seg.Detach(decRef)

	before, err := seg.Snapshot()
	require.NoError(t, err)

	err = seg.Update(func(st *State) error {
		st.WriterState = WriterActive
		return errors.ErrInvalidStateTransition
	})
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition)

	after, err := seg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, WriterNone, after.WriterState)
	assert.Equal(t, before.Seq, after.Seq, "failed update is not committed")
}

func TestUpdate_SeqOnlyOnChange(t *testing.T) {
	seg := attach(t, t.TempDir(), "/data/seq.rec")
	defer seg.Detach(decRef)

	s0, _ := seg.Snapshot()
	require.NoError(t, seg.Update(func(st *State) error { return nil }))
	s1, _ := seg.Snapshot()
	assert.Equal(t, s0.Seq, s1.Seq)

	require.NoError(t, seg.Update(func(st *State) error {
		st.FlushRequest = true
		return nil
	}))
	s2, _ := seg.Snapshot()
	assert.Equal(t, s0.Seq+1, s2.Seq)
	assert.True(t, s2.FlushRequest)
}

func TestUpdate_MutualExclusion(t *testing.T) {
	dir := t.TempDir()
	path := "/data/mutex.rec"
	segs := []*Segment{attach(t, dir, path), attach(t, dir, path), attach(t, dir, path)}

	const perSeg = 50
	var wg sync.WaitGroup
	for _, seg := range segs {
		wg.Add(1)
		go func(seg *Segment) {
			defer wg.Done()
			for i := 0; i < perSeg; i++ {
				assert.NoError(t, seg.Update(func(st *State) error {
					st.ActiveReaders++
					return nil
				}))
			}
		}(seg)
	}
	wg.Wait()

	st, err := segs[0].Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint32(len(segs)*perSeg), st.ActiveReaders, "no lost updates")

	for _, seg := range segs {
		_, _ = seg.Detach(decRef)
	}
}

func TestAwait_WakesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := "/data/await.rec"
	waiter := attach(t, dir, path)
	setter := attach(t, dir, path)
	defer waiter.Detach(decRef)
	defer setter.Detach(decRef)

	done := make(chan error, 1)
	go func() {
		done <- waiter.Await(context.Background(), WaitOptions{PollInterval: time.Hour}, func(st *State) (bool, error) {
			return st.WriterState == WriterSwmr, nil
		})
	}()

	select {
	case <-done:
		require.FailNow(t, "Await returned before the predicate held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, setter.Update(func(st *State) error {
		st.WriterState = WriterSwmr
		return nil
	}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "Await did not wake on broadcast")
	}
}

func TestAwait_StepMutationsCommitted(t *testing.T) {
	seg := attach(t, t.TempDir(), "/data/step.rec")
	defer seg.Detach(decRef)

	err := seg.Await(context.Background(), WaitOptions{}, func(st *State) (bool, error) {
		st.WriterState = WriterActive
		return true, nil
	})
	require.NoError(t, err)

	st, err := seg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, WriterActive, st.WriterState)
}

func TestAwait_ContextCancel(t *testing.T) {
	seg := attach(t, t.TempDir(), "/data/cancel.rec")
	defer seg.Detach(decRef)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	err := seg.Await(ctx, WaitOptions{PollInterval: 10 * time.Millisecond}, func(st *State) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwait_BlockingWarnings(t *testing.T) {
	seg := attach(t, t.TempDir(), "/data/warn.rec")
	defer seg.Detach(decRef)

	var warnings atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 170*time.Millisecond)
	defer cancel()

	_ = seg.Await(ctx, WaitOptions{
		PollInterval:      5 * time.Millisecond,
		BlockingThreshold: 50 * time.Millisecond,
		OnBlocked:         func(time.Duration) { warnings.Add(1) },
	}, func(st *State) (bool, error) { return false, nil })

	n := warnings.Load()
	assert.GreaterOrEqual(t, n, int32(2), "one warning per elapsed threshold")
	assert.LessOrEqual(t, n, int32(4))
}

func TestInspectListRemove(t *testing.T) {
	dir := t.TempDir()
	a := attach(t, dir, "/data/one.rec")
	b := attach(t, dir, "/data/two.rec")
	defer b.Detach(decRef)

	require.NoError(t, a.Update(func(st *State) error {
		return st.Register(ProcessInfo{UUID: uuid.New(), PID: os.Getpid(), LastAlive: time.Now(), Role: RoleWriter})
	}))

	st, err := Inspect(dir, "/data/one.rec")
	require.NoError(t, err)
	assert.Len(t, st.Processes, 1)

	_, err = Inspect(dir, "/data/missing.rec")
	assert.ErrorIs(t, err, errors.ErrSegmentNotFound)

	listing, err := List(dir)
	require.NoError(t, err)
	require.Len(t, listing, 2)
	paths := []string{listing[0].State.Path, listing[1].State.Path}
	assert.ElementsMatch(t, []string{"/data/one.rec", "/data/two.rec"}, paths)

	require.NoError(t, Remove(dir, "/data/one.rec"))
	assert.ErrorIs(t, Remove(dir, "/data/one.rec"), errors.ErrSegmentNotFound)

	listing, err = List(dir)
	require.NoError(t, err)
	assert.Len(t, listing, 1)

	// The removed segment's client still holds its descriptor.
	_, err = a.Snapshot()
	assert.NoError(t, err)
	_, _ = a.Detach(decRef)
}

func TestList_MissingDir(t *testing.T) {
	listing, err := List(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, listing)
}

func TestReapStale(t *testing.T) {
	dir := t.TempDir()
	path := "/data/reapstale.rec"

	live := attach(t, dir, path)
	ghost := attach(t, dir, path)
	liveID, ghostID := uuid.New(), uuid.New()

	require.NoError(t, live.Update(func(st *State) error {
		require.NoError(t, st.Register(ProcessInfo{UUID: liveID, PID: 1, Role: RoleReader, Phase: PhaseHolding, LastAlive: time.Now()}))
		require.NoError(t, st.Register(ProcessInfo{UUID: ghostID, PID: 2, Role: RoleWriter, Phase: PhaseHolding, LastAlive: time.Now().Add(-time.Hour)}))
		st.ActiveReaders = 1
		st.WriterState = WriterSwmr
		st.FlushRequest = true
		return nil
	}))
	require.NoError(t, ghost.Abandon())

	reaped, removed, err := ReapStale(dir, path, time.Minute)
	require.NoError(t, err)
	assert.False(t, removed)
	require.Len(t, reaped, 1)
	assert.Equal(t, ghostID, reaped[0].UUID)

	st, err := live.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, WriterNone, st.WriterState)
	assert.False(t, st.FlushRequest)
	assert.Equal(t, uint32(1), st.ActiveReaders)
	assert.Equal(t, uint32(1), st.RefCount)
	assert.NotNil(t, st.Process(liveID))

	// Nothing left to reap: no change.
	reaped, removed, err = ReapStale(dir, path, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reaped)
	assert.False(t, removed)

	_, err = live.Detach(func(st *State) error {
		st.Unregister(liveID)
		st.ActiveReaders--
		st.RefCount--
		return nil
	})
	require.NoError(t, err)
}

func TestReapStale_RemovesOrphanedSegment(t *testing.T) {
	dir := t.TempDir()
	path := "/data/orphan.rec"

	seg := attach(t, dir, path)
	id := uuid.New()
	require.NoError(t, seg.Update(func(st *State) error {
		return st.Register(ProcessInfo{UUID: id, PID: 1, Role: RoleReader, Phase: PhaseWaiting, LastAlive: time.Now().Add(-time.Hour)})
	}))
	require.NoError(t, seg.Abandon())

	reaped, removed, err := ReapStale(dir, path, time.Second)
	require.NoError(t, err)
	assert.Len(t, reaped, 1)
	assert.True(t, removed)
	assert.NoFileExists(t, seg.File())

	_, _, err = ReapStale(dir, path, time.Second)
	assert.ErrorIs(t, err, errors.ErrSegmentNotFound)
}

func TestGlobalLock_Exclusive(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireGlobalLock(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, GlobalLockName))

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		second, err := AcquireGlobalLock(dir)
		if !assert.NoError(t, err) {
			return
		}
		acquired.Store(true)
		assert.NoError(t, second.Release())
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, acquired.Load(), "second holder must wait for the first")

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "Release is idempotent")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "second holder never acquired the lock")
	}
	assert.True(t, acquired.Load())
}
