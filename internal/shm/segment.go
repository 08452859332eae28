package shm

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
)

// SegmentPrefix prefixes every segment file name in a shm directory.
const SegmentPrefix = "swmr_"

// SegmentName returns the deterministic segment file name of a canonical data path.
func SegmentName(canonicalPath string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(canonicalPath))
	return fmt.Sprintf("%s%016x", SegmentPrefix, h.Sum64())
}

// Canonicalize returns the absolute path of a data file with symlinks
// resolved, so every process names the same file identically. The file
// itself does not need to exist yet.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", errors.NewValidationError("path cannot be empty").WithField("path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	} else if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		abs = filepath.Join(dir, filepath.Base(abs))
	}
	if len(abs) > MaxPathLen {
		return "", errors.NewValidationError(
			fmt.Sprintf("canonical path exceeds %d bytes", MaxPathLen)).WithField("path").WithValue(abs)
	}
	return abs, nil
}

// Segment is one client's attachment to the shared record of a data file.
// Each Segment owns its own file description, so its lock excludes every
// other Segment of the same file, in this process or another.
type Segment struct {
	dir      string
	file     string
	name     string
	dataPath string
	notifier *Notifier

	// mu serializes goroutines of this client around the file lock.
	mu sync.Mutex
	f  *os.File
}

// Attach creates the segment of canonicalPath in dir or attaches to the
// existing one, and takes one reference on it. maxProcesses sizes the
// registry of a newly created segment.
func Attach(dir, canonicalPath string, maxProcesses int, notifier *Notifier) (*Segment, error) {
	if maxProcesses < 1 {
		return nil, errors.NewValidationError("max processes must be positive").WithField("max_processes").WithValue(maxProcesses)
	}
	if notifier == nil {
		notifier = DefaultNotifier()
	}

	gl, err := AcquireGlobalLock(dir)
	if err != nil {
		return nil, errors.NewSegmentError("acquire global lock", err)
	}
	defer gl.Release()

	name := SegmentName(canonicalPath)
	s := &Segment{
		dir:      dir,
		file:     filepath.Join(dir, name),
		name:     name,
		dataPath: canonicalPath,
		notifier: notifier,
	}

	f, err := os.OpenFile(s.file, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.NewSegmentError("open segment", err).WithSegment(name)
	}
	s.f = f

	if err := lockExclusive(f); err != nil {
		f.Close()
		return nil, errors.NewSegmentError("lock segment", err).WithSegment(name)
	}

	st, err := s.readLocked()
	if err == nil && st == nil {
		st = NewState(canonicalPath, maxProcesses)
	}
	if err == nil && st.Path != canonicalPath {
		err = errors.NewSegmentError(
			fmt.Sprintf("segment belongs to %q", st.Path), errors.ErrSegmentCorrupted).WithSegment(name)
	}
	if err == nil {
		st.RefCount++
		st.Seq++
		err = s.writeLocked(st)
	}
	_ = unlock(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	notifier.Subscribe(s.file)
	notifier.Fire(s.file)
	return s, nil
}

// Name returns the segment file name.
func (s *Segment) Name() string { return s.name }

// File returns the full segment file path.
func (s *Segment) File() string { return s.file }

// DataPath returns the canonical data file path the segment coordinates.
func (s *Segment) DataPath() string { return s.dataPath }

// lock takes the in-process mutex and then the cross-process file lock.
func (s *Segment) lock() error {
	s.mu.Lock()
	if s.f == nil {
		s.mu.Unlock()
		return errors.NewSegmentError("segment detached", errors.ErrClientClosed).WithSegment(s.name)
	}
	if err := lockExclusive(s.f); err != nil {
		s.mu.Unlock()
		return errors.NewSegmentError("lock segment", err).WithSegment(s.name)
	}
	return nil
}

func (s *Segment) unlock() {
	if s.f != nil {
		_ = unlock(s.f)
	}
	s.mu.Unlock()
}

// readLocked decodes the segment. It returns (nil, nil) for an empty file,
// which only happens between creation and the first write.
func (s *Segment) readLocked() (*State, error) {
	data, err := io.ReadAll(io.NewSectionReader(s.f, 0, 1<<30))
	if err != nil {
		return nil, errors.NewSegmentError("read segment", err).WithSegment(s.name)
	}
	if len(data) == 0 {
		return nil, nil
	}
	st, err := Decode(data)
	if err != nil {
		if se, ok := err.(*errors.SegmentError); ok {
			se.WithSegment(s.name)
		}
		return nil, err
	}
	return st, nil
}

func (s *Segment) writeLocked(st *State) error {
	data, err := st.Encode()
	if err != nil {
		return errors.NewSegmentError("encode segment", err).WithSegment(s.name)
	}
	if _, err := s.f.WriteAt(data, 0); err != nil {
		return errors.NewSegmentError("write segment", err).WithSegment(s.name)
	}
	return nil
}

// View runs fn on a snapshot of the state taken under the lock.
func (s *Segment) View(fn func(st *State)) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()

	st, err := s.readLocked()
	if err != nil {
		return err
	}
	if st == nil {
		return errors.NewSegmentError("segment is empty", errors.ErrSegmentCorrupted).WithSegment(s.name)
	}
	fn(st)
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Segment) Snapshot() (*State, error) {
	var out *State
	err := s.View(func(st *State) { out = st.Clone() })
	return out, err
}

// Update runs fn under the lock. If fn succeeds and changed the state, the
// change is written back and broadcast. An error from fn discards its changes.
func (s *Segment) Update(fn func(st *State) error) error {
	if err := s.lock(); err != nil {
		return err
	}
	changed, err := s.updateLocked(fn)
	s.unlock()
	if changed {
		s.notifier.Fire(s.file)
	}
	return err
}

func (s *Segment) updateLocked(fn func(st *State) error) (bool, error) {
	st, err := s.readLocked()
	if err != nil {
		return false, err
	}
	if st == nil {
		return false, errors.NewSegmentError("segment is empty", errors.ErrSegmentCorrupted).WithSegment(s.name)
	}
	before, err := st.Encode()
	if err != nil {
		return false, errors.NewSegmentError("encode segment", err).WithSegment(s.name)
	}

	if err := fn(st); err != nil {
		return false, err
	}

	after, err := st.Encode()
	if err != nil {
		return false, errors.NewSegmentError("encode segment", err).WithSegment(s.name)
	}
	if bytes.Equal(before, after) {
		return false, nil
	}
	st.Seq++
	if err := s.writeLocked(st); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateGlobal is Update run under the global creation lock as well, for
// changes to RefCount. The lock order is always global lock, then segment lock.
func (s *Segment) UpdateGlobal(fn func(st *State) error) error {
	gl, err := AcquireGlobalLock(s.dir)
	if err != nil {
		return errors.NewSegmentError("acquire global lock", err).WithSegment(s.name)
	}
	defer gl.Release()
	return s.Update(fn)
}

// Detach runs fn under both locks, then drops the segment. When fn leaves
// RefCount at zero the segment file is removed. The Segment is unusable
// afterwards. fn is responsible for decrementing RefCount.
func (s *Segment) Detach(fn func(st *State) error) (destroyed bool, err error) {
	gl, err := AcquireGlobalLock(s.dir)
	if err != nil {
		return false, errors.NewSegmentError("acquire global lock", err).WithSegment(s.name)
	}
	defer gl.Release()

	if err := s.lock(); err != nil {
		return false, err
	}

	var refs uint32
	changed, uerr := s.updateLocked(func(st *State) error {
		if err := fn(st); err != nil {
			return err
		}
		refs = st.RefCount
		return nil
	})
	if uerr == nil && refs == 0 {
		if rerr := os.Remove(s.file); rerr != nil && !os.IsNotExist(rerr) {
			uerr = errors.NewSegmentError("remove segment", rerr).WithSegment(s.name)
		} else {
			destroyed = true
		}
	}

	f := s.f
	_ = unlock(f)
	s.f = nil
	s.mu.Unlock()
	cerr := f.Close()

	if changed {
		s.notifier.Fire(s.file)
	}
	s.notifier.Unsubscribe(s.file)

	if uerr != nil {
		return destroyed, uerr
	}
	return destroyed, cerr
}

// Abandon drops the attachment without touching the shared state, leaving
// its registry entry and reference behind exactly as a killed process does.
// Only a peer's heartbeat can reclaim them.
func (s *Segment) Abandon() error {
	s.mu.Lock()
	f := s.f
	s.f = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	s.notifier.Unsubscribe(s.file)
	return f.Close()
}

// WaitOptions tunes Await.
type WaitOptions struct {
	// PollInterval bounds the sleep between predicate checks when no change
	// event arrives.
	PollInterval time.Duration
	// BlockingThreshold, if positive, calls OnBlocked each time the wait has
	// lasted another threshold.
	BlockingThreshold time.Duration
	// OnBlocked receives the total time waited so far.
	OnBlocked func(waited time.Duration)
}

// Await runs step under the segment lock until it reports done. step may
// change the state; changes are written back and broadcast exactly as in
// Update. Every wake, whether from a change event, a local broadcast or
// the poll interval, re-runs step. Await returns ctx.Err() on cancellation.
func (s *Segment) Await(ctx context.Context, opts WaitOptions, step func(st *State) (done bool, err error)) error {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}

	start := time.Now()
	nextWarn := start.Add(opts.BlockingThreshold)
	timer := time.NewTimer(poll)
	defer timer.Stop()

	for {
		// Grab the wake channel before evaluating the predicate.
		wake := s.notifier.Chan(s.file)

		var done bool
		if err := s.Update(func(st *State) error {
			var err error
			done, err = step(st)
			return err
		}); err != nil {
			return err
		}
		if done {
			return nil
		}

		if opts.BlockingThreshold > 0 && opts.OnBlocked != nil {
			if now := time.Now(); !now.Before(nextWarn) {
				opts.OnBlocked(now.Sub(start))
				for !nextWarn.After(now) {
					nextWarn = nextWarn.Add(opts.BlockingThreshold)
				}
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(poll)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-timer.C:
		}
	}
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

// Inspect reads the segment of canonicalPath in dir without attaching to it.
func Inspect(dir, canonicalPath string) (*State, error) {
	return inspectFile(filepath.Join(dir, SegmentName(canonicalPath)))
}

func inspectFile(file string) (*State, error) {
	name := filepath.Base(file)
	f, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewSegmentError("inspect", errors.ErrSegmentNotFound).WithSegment(name)
		}
		return nil, errors.NewSegmentError("open segment", err).WithSegment(name)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return nil, errors.NewSegmentError("lock segment", err).WithSegment(name)
	}
	defer func() { _ = unlock(f) }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.NewSegmentError("read segment", err).WithSegment(name)
	}
	if len(data) == 0 {
		return nil, errors.NewSegmentError("segment is empty", errors.ErrSegmentNotFound).WithSegment(name)
	}
	st, err := Decode(data)
	if err != nil {
		if se, ok := err.(*errors.SegmentError); ok {
			se.WithSegment(name)
		}
		return nil, err
	}
	return st, nil
}

// Listing is one segment found in a shm directory.
type Listing struct {
	Name  string
	State *State
	Err   error
}

// List returns every segment in dir, sorted by file name. Unreadable
// segments are reported with Err set rather than failing the listing.
func List(dir string) ([]Listing, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Listing
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), SegmentPrefix) {
			continue
		}
		st, err := inspectFile(filepath.Join(dir, e.Name()))
		if errors.Is(err, errors.ErrSegmentNotFound) {
			continue
		}
		out = append(out, Listing{Name: e.Name(), State: st, Err: err})
	}
	return out, nil
}

// Remove force-unlinks the segment of canonicalPath. Clients still attached
// keep working on their open descriptor but no longer share state with
// clients that attach afterwards.
func Remove(dir, canonicalPath string) error {
	return RemoveSegment(dir, SegmentName(canonicalPath))
}

// RemoveSegment force-unlinks the segment file name in dir. It serves
// segments whose data path cannot be recovered because they no longer decode.
func RemoveSegment(dir, name string) error {
	if !strings.HasPrefix(name, SegmentPrefix) || filepath.Base(name) != name {
		return errors.NewValidationError("not a segment name").WithField("name").WithValue(name)
	}
	gl, err := AcquireGlobalLock(dir)
	if err != nil {
		return errors.NewSegmentError("acquire global lock", err)
	}
	defer gl.Release()

	if err := os.Remove(filepath.Join(dir, name)); err != nil {
		if os.IsNotExist(err) {
			return errors.NewSegmentError("remove", errors.ErrSegmentNotFound).WithSegment(name)
		}
		return errors.NewSegmentError("remove segment", err).WithSegment(name)
	}
	return nil
}

// ReapStale reaps every entry of canonicalPath's segment whose heartbeat is
// older than threshold, without attaching to it. A segment left with no
// references is removed. It is how a segment abandoned by crashed
// processes is cleaned up when no live client remains to do it.
func ReapStale(dir, canonicalPath string, threshold time.Duration) (reaped []ProcessInfo, removed bool, err error) {
	gl, err := AcquireGlobalLock(dir)
	if err != nil {
		return nil, false, errors.NewSegmentError("acquire global lock", err)
	}
	defer gl.Release()

	name := SegmentName(canonicalPath)
	file := filepath.Join(dir, name)
	f, err := os.OpenFile(file, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, errors.NewSegmentError("reap", errors.ErrSegmentNotFound).WithSegment(name)
		}
		return nil, false, errors.NewSegmentError("open segment", err).WithSegment(name)
	}
	s := &Segment{dir: dir, file: file, name: name, dataPath: canonicalPath, notifier: DefaultNotifier(), f: f}
	defer f.Close()

	if err := s.lock(); err != nil {
		return nil, false, err
	}
	var refs uint32
	changed, err := s.updateLocked(func(st *State) error {
		for _, p := range st.Stale(uuid.Nil, time.Now(), threshold) {
			if info, ok := st.Reap(p.UUID); ok {
				reaped = append(reaped, info)
			}
		}
		refs = st.RefCount
		return nil
	})
	if err == nil && changed && refs == 0 {
		if rerr := os.Remove(file); rerr != nil && !os.IsNotExist(rerr) {
			err = errors.NewSegmentError("remove segment", rerr).WithSegment(name)
		} else {
			removed = true
		}
	}
	s.unlock()

	if changed {
		s.notifier.Fire(file)
	}
	return reaped, removed, err
}
