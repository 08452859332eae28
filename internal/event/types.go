package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "reader.refresh", "process.reaped")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type identifiers.
const (
	TypeRefresh            = "reader.refresh"
	TypeCloseRequested     = "reader.close_requested"
	TypeWriterStateChanged = "writer.state_changed"
	TypeFlushCompleted     = "writer.flush_completed"
	TypeProcessReaped      = "process.reaped"
	TypeClientBlocked      = "client.blocked"
)

// -----------------------------------------------------------------------------
// Reader Events
// -----------------------------------------------------------------------------

// RefreshReason says why a reader should re-read the file.
type RefreshReason string

const (
	// RefreshFlushed means the writer completed a flush this reader requested.
	RefreshFlushed RefreshReason = "flushed"
	// RefreshWriterClosed means the writer closed the file.
	RefreshWriterClosed RefreshReason = "writer_closed"
)

// RefreshEvent tells a reader host that newly flushed data is available.
type RefreshEvent struct {
	baseEvent
	File     string
	ClientID string
	Reason   RefreshReason
}

// NewRefreshEvent creates a RefreshEvent.
func NewRefreshEvent(file, clientID string, reason RefreshReason) RefreshEvent {
	return RefreshEvent{
		baseEvent: newBaseEvent(TypeRefresh),
		File:      file,
		ClientID:  clientID,
		Reason:    reason,
	}
}

// CloseRequestedEvent tells a reader host that a writer waits for it to close.
type CloseRequestedEvent struct {
	baseEvent
	File     string
	ClientID string
}

// NewCloseRequestedEvent creates a CloseRequestedEvent.
func NewCloseRequestedEvent(file, clientID string) CloseRequestedEvent {
	return CloseRequestedEvent{
		baseEvent: newBaseEvent(TypeCloseRequested),
		File:      file,
		ClientID:  clientID,
	}
}

// -----------------------------------------------------------------------------
// Writer Events
// -----------------------------------------------------------------------------

// WriterStateChangedEvent is emitted by the client that changed the shared writer state.
type WriterStateChangedEvent struct {
	baseEvent
	File     string
	ClientID string
	From     string
	To       string
}

// NewWriterStateChangedEvent creates a WriterStateChangedEvent.
func NewWriterStateChangedEvent(file, clientID, from, to string) WriterStateChangedEvent {
	return WriterStateChangedEvent{
		baseEvent: newBaseEvent(TypeWriterStateChanged),
		File:      file,
		ClientID:  clientID,
		From:      from,
		To:        to,
	}
}

// FlushCompletedEvent is emitted by a writer after serving a flush request.
type FlushCompletedEvent struct {
	baseEvent
	File     string
	ClientID string
	Duration time.Duration
}

// NewFlushCompletedEvent creates a FlushCompletedEvent.
func NewFlushCompletedEvent(file, clientID string, d time.Duration) FlushCompletedEvent {
	return FlushCompletedEvent{
		baseEvent: newBaseEvent(TypeFlushCompleted),
		File:      file,
		ClientID:  clientID,
		Duration:  d,
	}
}

// -----------------------------------------------------------------------------
// Liveness Events
// -----------------------------------------------------------------------------

// ProcessReapedEvent is emitted by the client whose heartbeat reaped a stale peer.
type ProcessReapedEvent struct {
	baseEvent
	File     string
	ReaperID string
	ReapedID string
	PID      int
	Role     string
	Phase    string
	Age      time.Duration
}

// NewProcessReapedEvent creates a ProcessReapedEvent.
func NewProcessReapedEvent(file, reaperID, reapedID string, pid int, role, phase string, age time.Duration) ProcessReapedEvent {
	return ProcessReapedEvent{
		baseEvent: newBaseEvent(TypeProcessReaped),
		File:      file,
		ReaperID:  reaperID,
		ReapedID:  reapedID,
		PID:       pid,
		Role:      role,
		Phase:     phase,
		Age:       age,
	}
}

// ClientBlockedEvent is emitted each time a protocol wait passes another
// blocking-message threshold.
type ClientBlockedEvent struct {
	baseEvent
	File     string
	ClientID string
	Role     string
	Waiting  string // what the client waits for
	Waited   time.Duration
}

// NewClientBlockedEvent creates a ClientBlockedEvent.
func NewClientBlockedEvent(file, clientID, role, waiting string, waited time.Duration) ClientBlockedEvent {
	return ClientBlockedEvent{
		baseEvent: newBaseEvent(TypeClientBlocked),
		File:      file,
		ClientID:  clientID,
		Role:      role,
		Waiting:   waiting,
		Waited:    waited,
	}
}
