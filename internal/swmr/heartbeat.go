package swmr

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
	"github.com/Iron-Ham/swmrcoord/internal/logging"
	"github.com/Iron-Ham/swmrcoord/internal/shm"
)

// heartbeat keeps one client's registry entry fresh and reaps peers whose
// entries went stale. It is the only thing that releases the counters of a
// process that died or wedged without closing.
type heartbeat struct {
	seg       *shm.Segment
	id        uuid.UUID
	interval  time.Duration
	threshold time.Duration
	logger    *logging.Logger
	onReap    func(p shm.ProcessInfo, age time.Duration)

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	// missing is set once the client's own entry has been reaped.
	missing bool
}

func newHeartbeat(seg *shm.Segment, id uuid.UUID, interval, threshold time.Duration, logger *logging.Logger,
	onReap func(shm.ProcessInfo, time.Duration)) *heartbeat {
	return &heartbeat{
		seg:       seg,
		id:        id,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		onReap:    onReap,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (h *heartbeat) start() {
	go h.run()
}

// stop ends the loop and waits for an in-flight beat to finish.
func (h *heartbeat) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.done
}

func (h *heartbeat) run() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

// beat refreshes the own entry and reaps stale peers. Reaping changes
// RefCount, so it runs as a second step under the global lock and
// re-checks staleness there.
func (h *heartbeat) beat() {
	now := time.Now()
	var stale bool
	found := true

	err := h.seg.Update(func(st *shm.State) error {
		found = st.Touch(h.id, now)
		stale = len(st.Stale(h.id, now, h.threshold)) > 0
		return nil
	})
	if err != nil {
		if !errors.Is(err, errors.ErrClientClosed) {
			h.logger.Warn("heartbeat update failed", "error", err.Error())
		}
		return
	}
	if !found && !h.missing {
		h.missing = true
		h.logger.Error("own registry entry is gone, a peer reaped this client",
			"error", errors.ErrInternalConsistency.Error())
	}
	if stale {
		h.reap()
	}
}

func (h *heartbeat) reap() {
	type reaped struct {
		info shm.ProcessInfo
		age  time.Duration
	}
	var out []reaped

	err := h.seg.UpdateGlobal(func(st *shm.State) error {
		now := time.Now()
		for _, p := range st.Stale(h.id, now, h.threshold) {
			if info, ok := st.Reap(p.UUID); ok {
				out = append(out, reaped{info: info, age: info.Age(now)})
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errors.ErrClientClosed) {
			h.logger.Warn("reaping stale processes failed", "error", err.Error())
		}
		return
	}

	for _, r := range out {
		h.logger.Warn("reaped stale process",
			"reaped_id", r.info.UUID.String(),
			"reaped_pid", r.info.PID,
			"reaped_role", r.info.Role.String(),
			"reaped_phase", r.info.Phase.String(),
			"age", r.age.String(),
		)
		if h.onReap != nil {
			h.onReap(r.info, r.age)
		}
	}
}
