package otel

import (
	"github.com/petal-labs/petalmacro/runtime"
)

// EnrichEmitter wraps an EventEmitter with OpenTelemetry trace context.
// Each event is stamped with the innermost open call or deferred span of
// its session, or the session span when no call is running. When no span
// is active, the event passes through unchanged.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		if e.SessionID != "" {
			sc := tracing.ActiveSpanContext(e.SessionID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}

// Decorator returns a runtime.EventEmitterDecorator that applies
// EnrichEmitter, for use in session options.
func Decorator(tracing *TracingHandler) runtime.EventEmitterDecorator {
	return func(next runtime.EventEmitter) runtime.EventEmitter {
		return EnrichEmitter(next, tracing)
	}
}
