package swmr

import (
	"sort"
	"sync"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
)

// Group tracks the open writers and readers of a process so they can be
// driven together, e.g. from one main loop that serves flush requests for
// every file it writes.
type Group struct {
	mu      sync.Mutex
	writers map[*Writer]struct{}
	readers map[*Reader]struct{}
}

var defaultGroup = NewGroup()

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{
		writers: make(map[*Writer]struct{}),
		readers: make(map[*Reader]struct{}),
	}
}

// DefaultGroup returns the process-wide group.
func DefaultGroup() *Group { return defaultGroup }

func (g *Group) addWriter(w *Writer) {
	g.mu.Lock()
	g.writers[w] = struct{}{}
	g.mu.Unlock()
}

func (g *Group) removeWriter(w *Writer) {
	g.mu.Lock()
	delete(g.writers, w)
	g.mu.Unlock()
}

func (g *Group) addReader(r *Reader) {
	g.mu.Lock()
	g.readers[r] = struct{}{}
	g.mu.Unlock()
}

func (g *Group) removeReader(r *Reader) {
	g.mu.Lock()
	delete(g.readers, r)
	g.mu.Unlock()
}

// Writers returns the open writers ordered by path.
func (g *Group) Writers() []*Writer {
	g.mu.Lock()
	out := make([]*Writer, 0, len(g.writers))
	for w := range g.writers {
		out = append(out, w)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// Readers returns the open readers ordered by path.
func (g *Group) Readers() []*Reader {
	g.mu.Lock()
	out := make([]*Reader, 0, len(g.readers))
	for r := range g.readers {
		out = append(out, r)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// Len returns the number of open clients in the group.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.writers) + len(g.readers)
}

// FlushAllIfRequested runs FlushIfRequested on every writer and returns
// how many flushed.
func (g *Group) FlushAllIfRequested() (int, error) {
	var errs []error
	n := 0
	for _, w := range g.Writers() {
		flushed, err := w.FlushIfRequested()
		if flushed {
			n++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// EnableConcurrentReadModeAll switches every writer still in exclusive
// mode to concurrent-read mode. Writers already switched are skipped.
func (g *Group) EnableConcurrentReadModeAll() error {
	var errs []error
	for _, w := range g.Writers() {
		if w.Phase() != WriterExclusive {
			continue
		}
		if err := w.EnableConcurrentReadMode(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RequestFlushAll asks the writer of every reader's file to flush and
// returns how many of those writers are in concurrent-read mode.
func (g *Group) RequestFlushAll() (int, error) {
	var errs []error
	n := 0
	for _, r := range g.Readers() {
		swmr, err := r.RequestFlush()
		if swmr {
			n++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// CloseAll closes every reader, then every writer.
func (g *Group) CloseAll() error {
	var errs []error
	for _, r := range g.Readers() {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range g.Writers() {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
