package shm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/swmrcoord/internal/errors"
)

// WriterState is the single shared enum describing the writer side of a file.
type WriterState uint32

const (
	// WriterNone means no writer holds or is requesting the file.
	WriterNone WriterState = iota
	// WriterRequest means a writer waits for the open readers to leave.
	WriterRequest
	// WriterActive means a writer holds the file exclusively.
	WriterActive
	// WriterSwmr means a writer holds the file in concurrent-read mode.
	WriterSwmr
)

// String returns the display name of the state.
func (w WriterState) String() string {
	switch w {
	case WriterNone:
		return "None"
	case WriterRequest:
		return "WriteRequest"
	case WriterActive:
		return "Active"
	case WriterSwmr:
		return "Swmr"
	default:
		return fmt.Sprintf("WriterState(%d)", uint32(w))
	}
}

// Role is the role a client registered with.
type Role uint8

const (
	RoleReader Role = iota + 1
	RoleWriter
)

// String returns "reader" or "writer".
func (r Role) String() string {
	switch r {
	case RoleReader:
		return "reader"
	case RoleWriter:
		return "writer"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Phase tracks how far a registered client got in its open protocol. The
// reaper uses it to undo exactly what the client had applied to the counters.
type Phase uint8

const (
	// PhaseWaiting is a client that has not touched the shared counters.
	PhaseWaiting Phase = iota
	// PhaseRequesting is a writer that posted WriteRequest and waits for readers.
	PhaseRequesting
	// PhaseHolding is a reader counted in ActiveReaders or a writer owning WriterState.
	PhaseHolding
)

// String returns the display name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhaseRequesting:
		return "requesting"
	case PhaseHolding:
		return "holding"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// ProcessInfo is one entry of the shared process registry.
type ProcessInfo struct {
	UUID      uuid.UUID
	PID       int
	LastAlive time.Time
	Role      Role
	Phase     Phase
}

// Age returns how long ago the entry last proved it was alive.
func (p ProcessInfo) Age(now time.Time) time.Duration {
	return now.Sub(p.LastAlive)
}

// State is the decoded shared coordination record of one data file.
type State struct {
	MaxProcesses  int
	RefCount      uint32
	WriterState   WriterState
	ActiveReaders uint32
	FlushRequest  bool
	Seq           uint64
	Path          string
	Processes     []ProcessInfo
}

// NewState returns an empty record for path with room for maxProcesses entries.
func NewState(path string, maxProcesses int) *State {
	return &State{
		MaxProcesses: maxProcesses,
		Path:         path,
		Processes:    make([]ProcessInfo, 0, maxProcesses),
	}
}

// Find returns the index of the entry with id, or -1.
func (s *State) Find(id uuid.UUID) int {
	for i := range s.Processes {
		if s.Processes[i].UUID == id {
			return i
		}
	}
	return -1
}

// Process returns a pointer to the entry with id, or nil.
func (s *State) Process(id uuid.UUID) *ProcessInfo {
	if i := s.Find(id); i >= 0 {
		return &s.Processes[i]
	}
	return nil
}

// Register adds info to the registry.
func (s *State) Register(info ProcessInfo) error {
	if s.Find(info.UUID) >= 0 {
		return errors.NewSegmentError(
			fmt.Sprintf("process %s already registered", info.UUID), errors.ErrInternalConsistency)
	}
	if len(s.Processes) >= s.MaxProcesses {
		return errors.ErrTooManyProcesses
	}
	s.Processes = append(s.Processes, info)
	return nil
}

// Unregister removes the entry with id and reports whether it was present.
func (s *State) Unregister(id uuid.UUID) bool {
	i := s.Find(id)
	if i < 0 {
		return false
	}
	s.Processes = append(s.Processes[:i], s.Processes[i+1:]...)
	return true
}

// Touch sets the liveness timestamp of id and reports whether it was present.
func (s *State) Touch(id uuid.UUID, now time.Time) bool {
	p := s.Process(id)
	if p == nil {
		return false
	}
	p.LastAlive = now
	return true
}

// Stale returns the entries, other than self, whose liveness is older than threshold.
func (s *State) Stale(self uuid.UUID, now time.Time, threshold time.Duration) []ProcessInfo {
	var out []ProcessInfo
	for _, p := range s.Processes {
		if p.UUID != self && p.Age(now) > threshold {
			out = append(out, p)
		}
	}
	return out
}

// Reap treats the entry with id as crashed. It undoes the counter changes
// its phase implies, removes the entry and drops one reference. The caller
// must hold the global lock since RefCount changes.
func (s *State) Reap(id uuid.UUID) (ProcessInfo, bool) {
	i := s.Find(id)
	if i < 0 {
		return ProcessInfo{}, false
	}
	p := s.Processes[i]

	switch p.Role {
	case RoleReader:
		if p.Phase == PhaseHolding && s.ActiveReaders > 0 {
			s.ActiveReaders--
		}
	case RoleWriter:
		switch p.Phase {
		case PhaseHolding:
			s.WriterState = WriterNone
			s.FlushRequest = false
		case PhaseRequesting:
			if s.WriterState == WriterRequest {
				s.WriterState = WriterNone
			}
		}
	}

	s.Processes = append(s.Processes[:i], s.Processes[i+1:]...)
	if s.RefCount > 0 {
		s.RefCount--
	}
	return p, true
}

// HoldingReaders counts registered readers currently counted in ActiveReaders.
func (s *State) HoldingReaders() int {
	n := 0
	for _, p := range s.Processes {
		if p.Role == RoleReader && p.Phase == PhaseHolding {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	c := *s
	c.Processes = append([]ProcessInfo(nil), s.Processes...)
	return &c
}

// -----------------------------------------------------------------------------
// Binary layout
// -----------------------------------------------------------------------------

const (
	// MaxPathLen is the longest canonical data path a segment can record.
	MaxPathLen = 1024

	layoutVersion = 1
)

var magic = [8]byte{'S', 'W', 'M', 'R', 'S', 'E', 'G', '1'}

// header is the fixed little-endian prefix of a segment file. The registry
// follows it as MaxProcesses fixed-size entry records.
type header struct {
	Magic         [8]byte
	Version       uint32
	MaxProcesses  uint32
	RefCount      uint32
	WriterState   uint32
	ActiveReaders uint32
	FlushRequest  uint32
	Seq           uint64
	PathLen       uint32
	Path          [MaxPathLen]byte
	NumProcesses  uint32
}

type entry struct {
	UUID      [16]byte
	LastAlive int64
	PID       int32
	Role      uint8
	Phase     uint8
	_         [2]byte
}

var (
	headerSize = binary.Size(header{})
	entrySize  = binary.Size(entry{})
)

// SegmentSize returns the byte size of a segment with room for maxProcesses entries.
func SegmentSize(maxProcesses int) int {
	return headerSize + maxProcesses*entrySize
}

// Encode serializes s into its fixed-size segment layout.
func (s *State) Encode() ([]byte, error) {
	if len(s.Path) > MaxPathLen {
		return nil, fmt.Errorf("path of %d bytes exceeds %d", len(s.Path), MaxPathLen)
	}
	if len(s.Processes) > s.MaxProcesses {
		return nil, fmt.Errorf("%d processes exceed capacity %d", len(s.Processes), s.MaxProcesses)
	}

	h := header{
		Magic:         magic,
		Version:       layoutVersion,
		MaxProcesses:  uint32(s.MaxProcesses),
		RefCount:      s.RefCount,
		WriterState:   uint32(s.WriterState),
		ActiveReaders: s.ActiveReaders,
		Seq:           s.Seq,
		PathLen:       uint32(len(s.Path)),
		NumProcesses:  uint32(len(s.Processes)),
	}
	if s.FlushRequest {
		h.FlushRequest = 1
	}
	copy(h.Path[:], s.Path)

	buf := bytes.NewBuffer(make([]byte, 0, SegmentSize(s.MaxProcesses)))
	if err := binary.Write(buf, binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	for i := 0; i < s.MaxProcesses; i++ {
		var e entry
		if i < len(s.Processes) {
			p := s.Processes[i]
			e = entry{
				UUID:      p.UUID,
				LastAlive: p.LastAlive.UnixNano(),
				PID:       int32(p.PID),
				Role:      uint8(p.Role),
				Phase:     uint8(p.Phase),
			}
		}
		if err := binary.Write(buf, binary.LittleEndian, &e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode parses a segment image produced by Encode.
func Decode(data []byte) (*State, error) {
	if len(data) < headerSize {
		return nil, errors.NewSegmentError(
			fmt.Sprintf("segment is %d bytes, header needs %d", len(data), headerSize), errors.ErrSegmentCorrupted)
	}

	r := bytes.NewReader(data)
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, errors.NewSegmentError("read header", errors.Join(errors.ErrSegmentCorrupted, err))
	}
	if h.Magic != magic {
		return nil, errors.NewSegmentError("bad magic", errors.ErrSegmentCorrupted)
	}
	if h.Version != layoutVersion {
		return nil, errors.NewSegmentError(
			fmt.Sprintf("unsupported layout version %d", h.Version), errors.ErrSegmentCorrupted)
	}
	if h.PathLen > MaxPathLen || h.NumProcesses > h.MaxProcesses {
		return nil, errors.NewSegmentError("header out of range", errors.ErrSegmentCorrupted)
	}
	if len(data) < SegmentSize(int(h.MaxProcesses)) {
		return nil, errors.NewSegmentError("truncated registry", errors.ErrSegmentCorrupted)
	}

	s := &State{
		MaxProcesses:  int(h.MaxProcesses),
		RefCount:      h.RefCount,
		WriterState:   WriterState(h.WriterState),
		ActiveReaders: h.ActiveReaders,
		FlushRequest:  h.FlushRequest != 0,
		Seq:           h.Seq,
		Path:          string(h.Path[:h.PathLen]),
		Processes:     make([]ProcessInfo, 0, h.NumProcesses),
	}
	for i := uint32(0); i < h.NumProcesses; i++ {
		var e entry
		if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
			return nil, errors.NewSegmentError("read registry", errors.Join(errors.ErrSegmentCorrupted, err))
		}
		s.Processes = append(s.Processes, ProcessInfo{
			UUID:      uuid.UUID(e.UUID),
			LastAlive: time.Unix(0, e.LastAlive),
			PID:       int(e.PID),
			Role:      Role(e.Role),
			Phase:     Phase(e.Phase),
		})
	}
	return s, nil
}
