package swmr

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
	"github.com/Iron-Ham/swmrcoord/internal/event"
	"github.com/Iron-Ham/swmrcoord/internal/logging"
	"github.com/Iron-Ham/swmrcoord/internal/retry"
	"github.com/Iron-Ham/swmrcoord/internal/shm"
	"github.com/Iron-Ham/swmrcoord/internal/storage"
)

// client is the part of a Writer or Reader that does not depend on the
// role: segment attachment, registration, heartbeat, event delivery and
// teardown.
type client struct {
	path   string
	role   shm.Role
	id     uuid.UUID
	opts   options
	seg    *shm.Segment
	ops    *retry.FileOps
	logger *logging.Logger
	bus    *event.Bus
	hb     *heartbeat

	handle storage.Handle

	// subs are bus subscriptions made for callback options.
	subs []string

	eventsMu     sync.Mutex
	events       chan event.Event
	eventsClosed bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// attachClient canonicalizes path, attaches to its segment and registers
// the client in the waiting phase. On success the heartbeat is running.
func attachClient(path string, role shm.Role, opts options) (*client, error) {
	canonical, err := shm.Canonicalize(path)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	logger := opts.logger.WithFile(canonical).WithRole(role.String()).WithClient(id.String())

	seg, err := shm.Attach(opts.shmDir, canonical, opts.maxProcesses, opts.notifier)
	if err != nil {
		return nil, errors.NewCoordinationError("attach segment", err).
			WithFile(canonical).WithRole(role.String()).WithClientID(id.String())
	}

	c := &client{
		path:   canonical,
		role:   role,
		id:     id,
		opts:   opts,
		seg:    seg,
		ops:    retry.NewFileOps(opts.backend, retry.WithDelays(opts.retryDelays), retry.WithLogger(logger)),
		logger: logger,
		bus:    opts.bus,
		events: make(chan event.Event, opts.eventBuffer),
	}

	err = seg.Update(func(st *shm.State) error {
		return st.Register(shm.ProcessInfo{
			UUID:      id,
			PID:       os.Getpid(),
			LastAlive: time.Now(),
			Role:      role,
			Phase:     shm.PhaseWaiting,
		})
	})
	if err != nil {
		// Not registered, so only the reference taken by Attach is ours.
		if _, derr := seg.Detach(func(st *shm.State) error {
			if st.RefCount > 0 {
				st.RefCount--
			}
			return nil
		}); derr != nil {
			logger.Warn("detach after failed registration", "error", derr.Error())
		}
		return nil, c.wrap("register", err)
	}

	c.hb = newHeartbeat(seg, id, opts.pingInterval, opts.staleThreshold, logger, c.reaped)
	c.hb.start()

	for _, fn := range opts.onRefresh {
		fn := fn
		c.subs = append(c.subs, c.bus.Subscribe(event.TypeRefresh, func(e event.Event) {
			if ev, ok := e.(event.RefreshEvent); ok && ev.ClientID == c.id.String() {
				fn(ev)
			}
		}))
	}
	for _, fn := range opts.onCloseRequest {
		fn := fn
		c.subs = append(c.subs, c.bus.Subscribe(event.TypeCloseRequested, func(e event.Event) {
			if ev, ok := e.(event.CloseRequestedEvent); ok && ev.ClientID == c.id.String() {
				fn(ev)
			}
		}))
	}

	logger.Debug("attached", "segment", seg.Name())
	return c, nil
}

// Path returns the canonical data file path.
func (c *client) Path() string { return c.path }

// ID returns the client's registry UUID.
func (c *client) ID() uuid.UUID { return c.id }

// Role returns the client's role.
func (c *client) Role() shm.Role { return c.role }

// Segment returns the name of the coordination segment.
func (c *client) Segment() string { return c.seg.Name() }

// Handle returns the open data file handle.
func (c *client) Handle() storage.Handle { return c.handle }

// Events returns the channel on which the client delivers its events. It
// is closed by Close.
func (c *client) Events() <-chan event.Event { return c.events }

// Bus returns the bus the client publishes on.
func (c *client) Bus() *event.Bus { return c.bus }

// Snapshot returns a copy of the shared state.
func (c *client) Snapshot() (*shm.State, error) {
	if c.closed.Load() {
		return nil, c.wrap("snapshot", errors.ErrClientClosed)
	}
	return c.seg.Snapshot()
}

func (c *client) wrap(op string, err error) error {
	return errors.NewCoordinationError(op, err).
		WithFile(c.path).WithRole(c.role.String()).WithClientID(c.id.String())
}

// emit publishes e on the bus and offers it to the Events channel without
// blocking.
func (c *client) emit(e event.Event) {
	c.bus.Publish(e)

	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- e:
	default:
		c.logger.Warn("event channel full, dropping event", "event_type", e.EventType())
	}
}

func (c *client) closeEvents() {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}
}

func (c *client) reaped(p shm.ProcessInfo, age time.Duration) {
	c.emit(event.NewProcessReapedEvent(c.path, c.id.String(), p.UUID.String(), p.PID,
		p.Role.String(), p.Phase.String(), age))
}

// await runs a protocol wait with blocking warnings. waiting names what the
// client waits for in log messages and blocked events.
func (c *client) await(ctx context.Context, waiting string, step func(st *shm.State) (bool, error)) error {
	return c.seg.Await(ctx, shm.WaitOptions{
		PollInterval:      c.opts.pollInterval,
		BlockingThreshold: c.opts.blockingMessage,
		OnBlocked: func(waited time.Duration) {
			c.logger.Warn("blocked waiting", "waiting_for", waiting, "waited", waited.String())
			c.emit(event.NewClientBlockedEvent(c.path, c.id.String(), c.role.String(), waiting, waited))
		},
	}, func(st *shm.State) (bool, error) {
		if st.Process(c.id) == nil {
			return false, c.wrap("wait: own registry entry was reaped", errors.ErrInternalConsistency)
		}
		return step(st)
	})
}

// detach stops the heartbeat and releases the client's registry entry and
// reference. release undoes the role-specific counters of a still-present
// entry. If a peer already reaped the entry, the reaper released both and
// detach only logs the inconsistency.
func (c *client) detach(release func(st *shm.State, p *shm.ProcessInfo)) error {
	c.hb.stop()

	present := true
	destroyed, err := c.seg.Detach(func(st *shm.State) error {
		p := st.Process(c.id)
		if p == nil {
			present = false
			return nil
		}
		if release != nil {
			release(st, p)
		}
		st.Unregister(c.id)
		if st.RefCount > 0 {
			st.RefCount--
		}
		return nil
	})
	if !present {
		c.logger.Error("registry entry missing at close, already reaped",
			"error", errors.ErrInternalConsistency.Error())
	}
	if err != nil {
		c.logger.Warn("detach failed", "error", err.Error())
		return c.wrap("detach", err)
	}
	c.logger.Debug("detached", "destroyed", destroyed)
	return nil
}

// finish releases what outlives the segment attachment: bus subscriptions,
// group membership and the Events channel.
func (c *client) finish() {
	for _, id := range c.subs {
		c.bus.Unsubscribe(id)
	}
	c.subs = nil
	c.closeEvents()
}

func (c *client) closeHandle() error {
	if c.handle == nil {
		return nil
	}
	if err := c.handle.Close(); err != nil {
		c.logger.Warn("closing data file failed", "error", err.Error())
		return errors.NewStorageError("close", err).WithPath(c.path)
	}
	return nil
}

func (c *client) String() string {
	return fmt.Sprintf("%s %s (%s)", c.role, c.path, c.id)
}
