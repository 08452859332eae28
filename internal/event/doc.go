// Package event provides the pub-sub bus that carries coordination events
// from a client's background goroutines to its host.
//
// A reader's listener never calls into host code directly; it publishes a
// [RefreshEvent] or [CloseRequestedEvent] and the host decides on which
// goroutine to act. Writers and heartbeats publish state changes, flush
// completions and reaped peers the same way, which the CLI uses for
// progress output.
//
// # Event Types
//
//   - reader.refresh, reader.close_requested
//   - writer.state_changed, writer.flush_completed
//   - process.reaped
//   - client.blocked
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers are called synchronously on
// the publishing goroutine and protected against panics.
//
// # Basic Usage
//
//	bus := event.NewBus()
//	bus.Subscribe(event.TypeRefresh, func(e event.Event) {
//	    refresh := e.(event.RefreshEvent)
//	    work <- refresh.File
//	})
package event
