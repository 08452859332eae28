package swmr

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
	"github.com/Iron-Ham/swmrcoord/internal/event"
	"github.com/Iron-Ham/swmrcoord/internal/shm"
	"github.com/Iron-Ham/swmrcoord/internal/storage"
)

// Reader is one of many processes reading a data file. It opens only while
// no writer holds the file exclusively, and a listener goroutine turns
// writer activity into refresh and close-request events.
type Reader struct {
	*client

	// localFlushRequested and lastWriterState are only touched under the
	// segment lock, by RequestFlush or by the listener's wait step.
	localFlushRequested bool
	lastWriterState     shm.WriterState

	exiting      atomic.Bool
	stopListener context.CancelFunc
	listenerDone chan struct{}

	mu sync.Mutex
}

// OpenReader waits until the file is either free of writers or shared by
// a writer in concurrent-read mode, then opens it for reading. The file
// must exist. Cancelling ctx abandons the wait.
func OpenReader(ctx context.Context, path string, opts ...Option) (*Reader, error) {
	o := buildOptions(opts)
	c, err := attachClient(path, shm.RoleReader, o)
	if err != nil {
		return nil, err
	}
	r := &Reader{client: c, listenerDone: make(chan struct{})}

	err = c.await(ctx, "safe read", func(st *shm.State) (bool, error) {
		if st.WriterState != shm.WriterNone && st.WriterState != shm.WriterSwmr {
			return false, nil
		}
		r.lastWriterState = st.WriterState
		st.ActiveReaders++
		st.Process(c.id).Phase = shm.PhaseHolding
		return true, nil
	})
	if err != nil {
		r.abort()
		return nil, c.wrap("open reader", err)
	}

	handle, err := c.ops.Open(ctx, c.path, storage.ModeRead)
	if err != nil {
		r.abort()
		return nil, c.wrap("open data file", err)
	}
	c.handle = handle

	// The listener owns lastWriterState once started.
	openedWith := r.lastWriterState
	lctx, cancel := context.WithCancel(context.Background())
	r.stopListener = cancel
	go r.listen(lctx)

	if o.group != nil {
		o.group.addReader(r)
	}
	c.logger.Info("reader opened", "writer_state", openedWith.String())
	return r, nil
}

func (r *Reader) abort() {
	r.closed.Store(true)
	_ = r.closeHandle()
	_ = r.detach(releaseReader)
	r.finish()
}

func releaseReader(st *shm.State, p *shm.ProcessInfo) {
	if p.Phase == shm.PhaseHolding && st.ActiveReaders > 0 {
		st.ActiveReaders--
		p.Phase = shm.PhaseWaiting
	}
}

type listenerAction int

const (
	actionNone listenerAction = iota
	actionRefresh
	actionCloseRequest
	actionExit
)

// listen waits for writer activity until the reader closes or a writer
// asks it to close. Each refresh is delivered once and the loop continues;
// a close request is delivered once and ends the loop.
func (r *Reader) listen(ctx context.Context) {
	defer close(r.listenerDone)

	for {
		action := actionNone
		var reason event.RefreshReason

		err := r.seg.Await(ctx, shm.WaitOptions{PollInterval: r.opts.pollInterval}, func(st *shm.State) (bool, error) {
			if r.exiting.Load() {
				action = actionExit
				return true, nil
			}
			if st.WriterState == shm.WriterRequest {
				action = actionCloseRequest
				return true, nil
			}

			flushed := r.localFlushRequested && !st.FlushRequest
			writerClosed := r.lastWriterState != shm.WriterNone && st.WriterState == shm.WriterNone
			if st.WriterState == shm.WriterNone || st.WriterState == shm.WriterSwmr {
				r.lastWriterState = st.WriterState
			}
			if flushed || writerClosed {
				r.localFlushRequested = false
				reason = event.RefreshFlushed
				if writerClosed {
					reason = event.RefreshWriterClosed
				}
				action = actionRefresh
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, errors.ErrClientClosed) {
				r.logger.Error("listener stopped", "error", err.Error())
			}
			return
		}

		switch action {
		case actionRefresh:
			r.logger.Debug("refresh", "reason", string(reason))
			r.emit(event.NewRefreshEvent(r.path, r.id.String(), reason))
		case actionCloseRequest:
			r.logger.Info("writer requested close")
			r.emit(event.NewCloseRequestedEvent(r.path, r.id.String()))
			return
		default:
			return
		}
	}
}

// RequestFlush asks the writer to flush. It does not wait; the refresh
// event follows once the writer has flushed. It reports whether a writer
// in concurrent-read mode is there to serve the request.
func (r *Reader) RequestFlush() (bool, error) {
	if r.closed.Load() {
		return false, r.wrap("request flush", errors.ErrClientClosed)
	}

	var swmr bool
	err := r.seg.Update(func(st *shm.State) error {
		r.localFlushRequested = true
		st.FlushRequest = true
		swmr = st.WriterState == shm.WriterSwmr
		return nil
	})
	if err != nil {
		return false, r.wrap("request flush", err)
	}
	r.logger.Debug("flush requested", "writer_swmr", swmr)
	return swmr, nil
}

// Refresh makes the data file handle pick up data flushed since the last
// refresh. Hosts call it in response to a refresh event.
func (r *Reader) Refresh() error {
	if r.closed.Load() {
		return r.wrap("refresh", errors.ErrClientClosed)
	}
	if err := r.handle.Refresh(); err != nil {
		return r.wrap("refresh", err)
	}
	return nil
}

// Close closes the data file, leaves the reader census and stops the
// listener. Close must not be called from an event handler running on the
// listener goroutine. Every step runs even if an earlier one fails; the
// errors are joined.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.closed.Store(true)
		var errs []error
		if err := r.closeHandle(); err != nil {
			errs = append(errs, err)
		}

		// Leave the census and flag the listener in one critical section.
		err := r.seg.Update(func(st *shm.State) error {
			r.exiting.Store(true)
			if p := st.Process(r.id); p != nil {
				releaseReader(st, p)
			}
			return nil
		})
		if err != nil {
			r.exiting.Store(true)
			errs = append(errs, r.wrap("leave reader census", err))
		}
		r.stopListener()
		<-r.listenerDone

		if err := r.detach(releaseReader); err != nil {
			errs = append(errs, err)
		}
		if r.opts.group != nil {
			r.opts.group.removeReader(r)
		}
		r.finish()

		r.closeErr = errors.Join(errs...)
		r.logger.Info("reader closed")
	})
	return r.closeErr
}
