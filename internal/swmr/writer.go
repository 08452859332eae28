package swmr

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
	"github.com/Iron-Ham/swmrcoord/internal/event"
	"github.com/Iron-Ham/swmrcoord/internal/shm"
)

// WriterPhase is the local state of a Writer.
type WriterPhase int

const (
	WriterWaiting WriterPhase = iota
	WriterExclusive
	WriterConcurrent
	WriterClosed
)

// String returns the display name of the phase.
func (p WriterPhase) String() string {
	switch p {
	case WriterWaiting:
		return "waiting"
	case WriterExclusive:
		return "active"
	case WriterConcurrent:
		return "swmr"
	case WriterClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Writer is the single process allowed to modify a data file. It opens
// with exclusive access, which excludes every reader, and may later switch
// to concurrent-read mode to let readers in while it keeps appending.
type Writer struct {
	*client

	mu    sync.Mutex
	phase WriterPhase
}

type transition struct {
	from, to shm.WriterState
}

// OpenWriter waits until no other writer holds path and every reader has
// closed, then creates the data file for exclusive writing. Readers still
// open when the writer arrives are asked to close. Cancelling ctx abandons
// the wait and withdraws the writer's request.
func OpenWriter(ctx context.Context, path string, opts ...Option) (*Writer, error) {
	o := buildOptions(opts)
	c, err := attachClient(path, shm.RoleWriter, o)
	if err != nil {
		return nil, err
	}
	w := &Writer{client: c, phase: WriterWaiting}

	var transitions []transition
	err = c.await(ctx, "exclusive access", func(st *shm.State) (bool, error) {
		p := st.Process(c.id)
		switch p.Phase {
		case shm.PhaseWaiting:
			if st.WriterState != shm.WriterNone {
				return false, nil
			}
			if st.ActiveReaders > 0 {
				transitions = append(transitions, transition{st.WriterState, shm.WriterRequest})
				st.WriterState = shm.WriterRequest
				p.Phase = shm.PhaseRequesting
				c.logger.Info("readers open, posted write request", "active_readers", st.ActiveReaders)
				return false, nil
			}
		case shm.PhaseRequesting:
			if st.WriterState != shm.WriterRequest {
				return false, c.wrap("write request withdrawn by another process", errors.ErrInternalConsistency)
			}
			if st.ActiveReaders > 0 {
				return false, nil
			}
		default:
			return false, c.wrap("writer already holding before open", errors.ErrInternalConsistency)
		}

		transitions = append(transitions, transition{st.WriterState, shm.WriterActive})
		st.WriterState = shm.WriterActive
		p.Phase = shm.PhaseHolding
		return true, nil
	})
	if err != nil {
		w.abort()
		return nil, c.wrap("open writer", err)
	}
	for _, t := range transitions {
		c.emit(event.NewWriterStateChangedEvent(c.path, c.id.String(), t.from.String(), t.to.String()))
	}

	handle, err := c.ops.Create(ctx, c.path)
	if err != nil {
		w.abort()
		return nil, c.wrap("create data file", err)
	}
	c.handle = handle
	w.phase = WriterExclusive

	if o.group != nil {
		o.group.addWriter(w)
	}
	c.logger.Info("writer opened")
	return w, nil
}

// abort undoes a failed open.
func (w *Writer) abort() {
	w.closed.Store(true)
	_ = w.closeHandle()
	_ = w.detach(releaseWriter)
	w.finish()
}

func releaseWriter(st *shm.State, p *shm.ProcessInfo) {
	switch p.Phase {
	case shm.PhaseHolding:
		st.WriterState = shm.WriterNone
		st.FlushRequest = false
	case shm.PhaseRequesting:
		if st.WriterState == shm.WriterRequest {
			st.WriterState = shm.WriterNone
		}
	}
}

// Phase returns the writer's local state.
func (w *Writer) Phase() WriterPhase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// EnableConcurrentReadMode flushes, switches the data file to
// concurrent-read mode and lets readers open it. It can be called once;
// exclusive mode cannot be re-entered afterwards.
func (w *Writer) EnableConcurrentReadMode() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.phase {
	case WriterClosed:
		return w.wrap("enable concurrent read", errors.ErrClientClosed)
	case WriterConcurrent:
		return w.wrap("concurrent read already enabled", errors.ErrInvalidStateTransition)
	case WriterExclusive:
	default:
		return w.wrap("enable concurrent read", errors.ErrInvalidStateTransition)
	}

	if err := w.handle.Flush(); err != nil {
		return w.wrap("flush before concurrent read", err)
	}
	if err := w.handle.EnableConcurrentRead(); err != nil {
		return w.wrap("enable concurrent read", err)
	}
	// The backend switch is one-way, so the local phase follows it even if
	// publishing the shared state fails below.
	w.phase = WriterConcurrent

	err := w.seg.Update(func(st *shm.State) error {
		if st.WriterState != shm.WriterActive {
			return errors.NewSegmentError("writer state is "+st.WriterState.String(), errors.ErrInternalConsistency)
		}
		st.WriterState = shm.WriterSwmr
		return nil
	})
	if err != nil {
		w.logger.Error("publishing concurrent read mode failed", "error", err.Error())
		return w.wrap("enable concurrent read", err)
	}

	w.logger.Info("concurrent read mode enabled")
	w.emit(event.NewWriterStateChangedEvent(w.path, w.id.String(), shm.WriterActive.String(), shm.WriterSwmr.String()))
	return nil
}

// FlushIfRequested flushes the data file if a reader asked for it, runs
// the post-flush hook and clears the request, which wakes the requesting
// readers. It reports whether a flush was done. It never blocks on readers
// and is meant to be called from the writer's own loop.
func (w *Writer) FlushIfRequested() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.phase == WriterClosed {
		return false, w.wrap("flush if requested", errors.ErrClientClosed)
	}

	var requested bool
	if err := w.seg.View(func(st *shm.State) { requested = st.FlushRequest }); err != nil {
		return false, w.wrap("read flush request", err)
	}
	if !requested {
		return false, nil
	}

	// The segment lock is not held while flushing.
	start := time.Now()
	if err := w.handle.Flush(); err != nil {
		return false, w.wrap("flush on request", err)
	}
	var hookErr error
	if w.opts.postFlushHook != nil {
		if hookErr = w.opts.postFlushHook(); hookErr != nil {
			w.logger.Warn("post-flush hook failed", "error", hookErr.Error())
		}
	}

	if err := w.seg.Update(func(st *shm.State) error {
		st.FlushRequest = false
		return nil
	}); err != nil {
		return true, w.wrap("clear flush request", err)
	}

	took := time.Since(start)
	w.logger.Debug("flushed on request", "duration", took.String())
	w.emit(event.NewFlushCompletedEvent(w.path, w.id.String(), took))
	if hookErr != nil {
		return true, w.wrap("post-flush hook", hookErr)
	}
	return true, nil
}

// Close closes the data file and releases the writer state, which lets a
// waiting writer or waiting readers in. Every step runs even if an earlier
// one fails; the errors are joined.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		w.closed.Store(true)
		from := shm.WriterActive
		if w.phase == WriterConcurrent {
			from = shm.WriterSwmr
		}

		var errs []error
		if err := w.closeHandle(); err != nil {
			errs = append(errs, err)
		}
		if err := w.detach(releaseWriter); err != nil {
			errs = append(errs, err)
		}
		w.phase = WriterClosed

		w.emit(event.NewWriterStateChangedEvent(w.path, w.id.String(), from.String(), shm.WriterNone.String()))
		if w.opts.group != nil {
			w.opts.group.removeWriter(w)
		}
		w.finish()

		w.closeErr = errors.Join(errs...)
		w.logger.Info("writer closed")
	})
	return w.closeErr
}
