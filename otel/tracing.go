// Package otel provides OpenTelemetry integration for petalmacro session
// events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalmacro/runtime"
)

// TracingHandler translates session events into OpenTelemetry spans. A
// session is a root span; each tracked call and each deferred call is a
// child span. Trace, undo and field events become span events on the
// innermost open span.
type TracingHandler struct {
	tracer trace.Tracer

	mu           sync.RWMutex
	sessionSpans map[string]trace.Span      // sessionID -> span
	sessionCtxs  map[string]context.Context // sessionID -> context (for child spans)
	callSpans    map[string][]trace.Span    // sessionID:node.method -> open spans, innermost last
	deferred     map[string]trace.Span      // sessionID:call_id -> span
	open         map[string][]trace.Span    // sessionID -> open child spans, innermost last
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from session events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:       tracer,
		sessionSpans: make(map[string]trace.Span),
		sessionCtxs:  make(map[string]context.Context),
		callSpans:    make(map[string][]trace.Span),
		deferred:     make(map[string]trace.Span),
		open:         make(map[string][]trace.Span),
	}
}

// Handle processes an event and creates or ends spans accordingly. It is
// a runtime.EventHandler.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventSessionStarted:
		h.handleSessionStarted(e)
	case runtime.EventSessionClosed:
		h.handleSessionClosed(e)
	case runtime.EventCallStarted:
		h.handleCallStarted(e)
	case runtime.EventCallFinished:
		h.endCall(e, nil)
	case runtime.EventCallFailed:
		msg := payloadString(e, "error", "call failed")
		h.endCall(e, &msg)
	case runtime.EventDeferredStarted:
		h.handleDeferredStarted(e)
	case runtime.EventDeferredFinished:
		h.endDeferred(e, nil)
	case runtime.EventDeferredErrored, runtime.EventDeferredAborted:
		msg := payloadString(e, "error", string(e.Kind))
		h.endDeferred(e, &msg)
	default:
		h.addEvent(e)
	}
}

func (h *TracingHandler) handleSessionStarted(e runtime.Event) {
	ctx, span := h.tracer.Start(context.Background(), "session:"+e.SessionID,
		trace.WithAttributes(
			attribute.String("petalmacro.session_id", e.SessionID),
		),
		trace.WithTimestamp(e.Time),
	)
	if root := payloadString(e, "root", ""); root != "" {
		span.SetAttributes(attribute.String("petalmacro.root", root))
	}

	h.mu.Lock()
	h.sessionSpans[e.SessionID] = span
	h.sessionCtxs[e.SessionID] = ctx
	h.mu.Unlock()
}

// handleSessionClosed ends the session span and any child spans left open.
func (h *TracingHandler) handleSessionClosed(e runtime.Event) {
	prefix := e.SessionID + ":"

	h.mu.Lock()
	span, ok := h.sessionSpans[e.SessionID]
	delete(h.sessionSpans, e.SessionID)
	delete(h.sessionCtxs, e.SessionID)
	delete(h.open, e.SessionID)
	var orphans []trace.Span
	for k, spans := range h.callSpans {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			orphans = append(orphans, spans...)
			delete(h.callSpans, k)
		}
	}
	for k, s := range h.deferred {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			orphans = append(orphans, s)
			delete(h.deferred, k)
		}
	}
	h.mu.Unlock()

	for _, s := range orphans {
		s.SetStatus(codes.Error, "session closed")
		s.End(trace.WithTimestamp(e.Time))
	}
	if ok {
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(e.Time))
	}
}

func (h *TracingHandler) startChild(e runtime.Event, name string, attrs ...attribute.KeyValue) trace.Span {
	h.mu.RLock()
	parent, ok := h.sessionCtxs[e.SessionID]
	h.mu.RUnlock()
	if !ok {
		parent = context.Background()
	}

	attrs = append([]attribute.KeyValue{
		attribute.String("petalmacro.session_id", e.SessionID),
		attribute.String("petalmacro.node", e.Node),
		attribute.String("petalmacro.method", e.Method),
	}, attrs...)
	_, span := h.tracer.Start(parent, name,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)
	return span
}

func (h *TracingHandler) handleCallStarted(e runtime.Event) {
	span := h.startChild(e, "call:"+e.Node+"."+e.Method)

	key := callKey(e)
	h.mu.Lock()
	h.callSpans[key] = append(h.callSpans[key], span)
	h.open[e.SessionID] = append(h.open[e.SessionID], span)
	h.mu.Unlock()
}

// endCall ends the innermost open span of the call. A failure before the
// body ran has no span and is ignored.
func (h *TracingHandler) endCall(e runtime.Event, errMsg *string) {
	key := callKey(e)

	h.mu.Lock()
	spans := h.callSpans[key]
	if len(spans) == 0 {
		h.mu.Unlock()
		return
	}
	span := spans[len(spans)-1]
	if len(spans) == 1 {
		delete(h.callSpans, key)
	} else {
		h.callSpans[key] = spans[:len(spans)-1]
	}
	h.popOpen(e.SessionID, span)
	h.mu.Unlock()

	span.SetAttributes(attribute.String("petalmacro.duration", e.Elapsed.String()))
	if u, ok := e.Payload["undoable"].(bool); ok {
		span.SetAttributes(attribute.Bool("petalmacro.undoable", u))
	}
	finish(span, e, errMsg)
}

func (h *TracingHandler) handleDeferredStarted(e runtime.Event) {
	id := payloadString(e, "call_id", "")
	span := h.startChild(e, "deferred:"+e.Node+"."+e.Method,
		attribute.String("petalmacro.call_id", id))

	h.mu.Lock()
	h.deferred[e.SessionID+":"+id] = span
	h.open[e.SessionID] = append(h.open[e.SessionID], span)
	h.mu.Unlock()
}

func (h *TracingHandler) endDeferred(e runtime.Event, errMsg *string) {
	key := e.SessionID + ":" + payloadString(e, "call_id", "")

	h.mu.Lock()
	span, ok := h.deferred[key]
	if ok {
		delete(h.deferred, key)
		h.popOpen(e.SessionID, span)
	}
	h.mu.Unlock()

	if ok {
		span.SetAttributes(attribute.String("petalmacro.duration", e.Elapsed.String()))
		finish(span, e, errMsg)
	}
}

// addEvent attaches e to the innermost open span of its session.
func (h *TracingHandler) addEvent(e runtime.Event) {
	span := h.innermost(e)
	if span == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("petalmacro.event_kind", string(e.Kind)),
	}
	if e.Node != "" {
		attrs = append(attrs, attribute.String("petalmacro.node", e.Node))
	}
	if stmt := payloadString(e, "statement", ""); stmt != "" {
		attrs = append(attrs, attribute.String("petalmacro.statement", stmt))
	}
	if msg := payloadString(e, "error", ""); msg != "" {
		attrs = append(attrs, attribute.String("petalmacro.error", msg))
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) innermost(e runtime.Event) trace.Span {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if stack := h.open[e.SessionID]; len(stack) > 0 {
		return stack[len(stack)-1]
	}
	return h.sessionSpans[e.SessionID]
}

// popOpen removes span from the session's open stack. Callers hold h.mu.
func (h *TracingHandler) popOpen(sessionID string, span trace.Span) {
	stack := h.open[sessionID]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == span {
			h.open[sessionID] = append(stack[:i], stack[i+1:]...)
			return
		}
	}
}

// ActiveSpanContext returns the SpanContext of the innermost open call or
// deferred span of a session, falling back to the session span. Returns
// an empty SpanContext when the session has no span.
func (h *TracingHandler) ActiveSpanContext(sessionID string) trace.SpanContext {
	h.mu.RLock()
	stack := h.open[sessionID]
	if len(stack) > 0 {
		sc := stack[len(stack)-1].SpanContext()
		h.mu.RUnlock()
		return sc
	}
	span, ok := h.sessionSpans[sessionID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveSessionSpanContext returns the SpanContext of the session span.
func (h *TracingHandler) ActiveSessionSpanContext(sessionID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.sessionSpans[sessionID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func finish(span trace.Span, e runtime.Event, errMsg *string) {
	if errMsg != nil {
		span.SetStatus(codes.Error, *errMsg)
		span.RecordError(spanError(*errMsg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func callKey(e runtime.Event) string {
	return e.SessionID + ":" + e.Node + "." + e.Method
}

func payloadString(e runtime.Event, key, fallback string) string {
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return fallback
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
