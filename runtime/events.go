// Package runtime provides the event model and the owner loop that
// serializes every mutation of a session's recording state.
package runtime

import (
	"sync/atomic"
	"time"
)

// EventKind identifies the type of event emitted by a session.
type EventKind string

const (
	// EventSessionStarted is emitted when a session is created.
	EventSessionStarted EventKind = "session.started"

	// EventSessionClosed is emitted when a session shuts down.
	EventSessionClosed EventKind = "session.closed"

	// EventTraceAppended is emitted when a statement is added to the trace.
	// Payload: statement, index, version, id.
	EventTraceAppended EventKind = "trace.appended"

	// EventTraceReplaced is emitted when a statement is rewritten in place,
	// including collapsed value sets.
	EventTraceReplaced EventKind = "trace.replaced"

	// EventTraceErased is emitted when a statement is removed.
	EventTraceErased EventKind = "trace.erased"

	// EventTraceCleared is emitted when the trace is reset.
	EventTraceCleared EventKind = "trace.cleared"

	// EventCallStarted is emitted before a tracked method body runs.
	EventCallStarted EventKind = "call.started"

	// EventCallFinished is emitted after a tracked method body returns.
	EventCallFinished EventKind = "call.finished"

	// EventCallFailed is emitted when binding, validation, conversion or
	// the body itself fails. Nothing is recorded.
	EventCallFailed EventKind = "call.failed"

	// EventFieldChanged is emitted when a tracked field takes a new value.
	EventFieldChanged EventKind = "field.changed"

	// EventUndoApplied is emitted after a successful undo.
	EventUndoApplied EventKind = "undo.applied"

	// EventUndoFailed is emitted when a reverse action fails.
	EventUndoFailed EventKind = "undo.failed"

	// EventRedoApplied is emitted after a successful redo.
	EventRedoApplied EventKind = "redo.applied"

	// EventRedoFailed is emitted when redo cannot re-execute a command.
	EventRedoFailed EventKind = "redo.failed"

	// EventHistoryCleared is emitted when a non-undoable call clears the
	// undo stack.
	EventHistoryCleared EventKind = "history.cleared"

	// EventDeferredStarted is emitted when a deferred body is dispatched.
	EventDeferredStarted EventKind = "deferred.started"

	// EventDeferredProgress is emitted for values relayed from a worker.
	EventDeferredProgress EventKind = "deferred.progress"

	// EventDeferredFinished is emitted when a deferred body resolves.
	EventDeferredFinished EventKind = "deferred.finished"

	// EventDeferredErrored is emitted when a deferred body fails.
	EventDeferredErrored EventKind = "deferred.errored"

	// EventDeferredAborted is emitted when a deferred call is cancelled.
	EventDeferredAborted EventKind = "deferred.aborted"

	// EventMacroSaved is emitted when a snapshot of the macro is archived.
	EventMacroSaved EventKind = "macro.saved"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// IsTrace reports whether k is one of the trace mutation kinds.
func (k EventKind) IsTrace() bool {
	switch k {
	case EventTraceAppended, EventTraceReplaced, EventTraceErased, EventTraceCleared:
		return true
	}
	return false
}

// Event is a structured record of what happened in a session. Trace
// events carry enough payload to rebuild the macro from history.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// SessionID is the unique identifier for the session.
	SessionID string

	// Node is the qualified path of the node involved (e.g. ui.child).
	Node string

	// Method is the method or field name involved.
	Method string

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration of the call that produced the event.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per session (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, sessionID string) Event {
	return Event{
		Kind:      kind,
		SessionID: sessionID,
		Time:      time.Now(),
		Payload:   make(map[string]any),
	}
}

// WithNode sets the node path and method name on the event.
func (e Event) WithNode(node, method string) Event {
	e.Node = node
	e.Method = method
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior.
// Typical uses include enriching emitted events (for example with trace metadata).
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing sessions
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// The channel should have sufficient buffer to avoid blocking.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}

// EmitterOptions configures NewEmitter.
type EmitterOptions struct {
	// Handler receives every event after sequencing.
	Handler EventHandler

	// Publisher distributes events to subscribers (typically a bus).
	Publisher EventPublisher

	// Decorator wraps the sequencing emitter.
	Decorator EventEmitterDecorator
}

// NewEmitter returns an emitter that stamps a per-session sequence number
// and forwards each event to the publisher and handler.
func NewEmitter(opts EmitterOptions) EventEmitter {
	var seq atomic.Uint64
	emit := func(e Event) {
		e.Seq = seq.Add(1)
		if opts.Publisher != nil {
			opts.Publisher.Publish(e)
		}
		if opts.Handler != nil {
			opts.Handler(e)
		}
	}
	if opts.Decorator != nil {
		return opts.Decorator(emit)
	}
	return emit
}
