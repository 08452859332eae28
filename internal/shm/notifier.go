package shm

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Notifier turns segment writes into wakeups. Writes made by other
// processes arrive through fsnotify; writes made in this process are
// fired directly. Each segment file is a topic whose channel is closed
// and replaced on every change, so a waiter that grabbed the channel
// before checking its predicate cannot miss a change made after the check.
//
// When fsnotify is unavailable only local fires are delivered and waiters
// rely on their poll interval.
type Notifier struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	dirs    map[string]int
	topics  map[string]*topic
	stopCh  chan struct{}
	done    chan struct{}
}

type topic struct {
	ch   chan struct{}
	refs int
}

var defaultNotifier = sync.OnceValue(NewNotifier)

// DefaultNotifier returns the process-wide notifier shared by all segments.
func DefaultNotifier() *Notifier {
	return defaultNotifier()
}

// NewNotifier creates a notifier and starts its watch loop when fsnotify
// can be initialized.
func NewNotifier() *Notifier {
	n := &Notifier{
		dirs:   make(map[string]int),
		topics: make(map[string]*topic),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		close(n.done)
		return n
	}
	n.watcher = watcher
	go n.watchLoop(watcher)
	return n
}

// Watching reports whether cross-process change events are delivered.
func (n *Notifier) Watching() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.watcher != nil
}

// Subscribe starts delivering change events for file.
func (n *Notifier) Subscribe(file string) {
	file = filepath.Clean(file)
	dir := filepath.Dir(file)

	n.mu.Lock()
	defer n.mu.Unlock()

	n.topicLocked(file).refs++

	if n.watcher != nil {
		if n.dirs[dir] == 0 {
			// A failed Add leaves the topic served by local fires and polling.
			if err := n.watcher.Add(dir); err != nil {
				return
			}
		}
		n.dirs[dir]++
	}
}

// Unsubscribe drops one subscription of file.
func (n *Notifier) Unsubscribe(file string) {
	file = filepath.Clean(file)
	dir := filepath.Dir(file)

	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.topics[file]
	if !ok {
		return
	}
	t.refs--
	if t.refs <= 0 {
		delete(n.topics, file)
	}

	if n.watcher != nil && n.dirs[dir] > 0 {
		n.dirs[dir]--
		if n.dirs[dir] == 0 {
			delete(n.dirs, dir)
			_ = n.watcher.Remove(dir)
		}
	}
}

// Chan returns the channel closed by the next change of file.
func (n *Notifier) Chan(file string) <-chan struct{} {
	file = filepath.Clean(file)

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.topicLocked(file).ch
}

// Fire wakes every waiter of file.
func (n *Notifier) Fire(file string) {
	file = filepath.Clean(file)

	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.topics[file]; ok {
		close(t.ch)
		t.ch = make(chan struct{})
	}
}

// Close stops the watch loop. Waiters keep working on local fires and polling.
func (n *Notifier) Close() {
	n.mu.Lock()
	watcher := n.watcher
	n.watcher = nil
	n.mu.Unlock()

	if watcher == nil {
		return
	}
	close(n.stopCh)
	_ = watcher.Close()
	<-n.done
}

// topicLocked returns the topic of file, creating it if needed. Caller holds mu.
func (n *Notifier) topicLocked(file string) *topic {
	t, ok := n.topics[file]
	if !ok {
		t = &topic{ch: make(chan struct{})}
		n.topics[file] = t
	}
	return t
}

// watchLoop reads from w rather than n.watcher, which Close clears.
func (n *Notifier) watchLoop(w *fsnotify.Watcher) {
	defer close(n.done)

	events := w.Events
	errs := w.Errors
	for {
		select {
		case <-n.stopCh:
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			n.Fire(event.Name)

		case _, ok := <-errs:
			if !ok {
				return
			}
			// Overflow or transient watcher errors only cost latency;
			// waiters still poll.
		}
	}
}
