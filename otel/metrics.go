package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalmacro/runtime"
)

// MetricsHandler translates session events into OpenTelemetry metrics:
// call counts and latencies, undo and redo outcomes, recorded statements
// and deferred call durations.
type MetricsHandler struct {
	calls            metric.Int64Counter
	callFailures     metric.Int64Counter
	callDuration     metric.Float64Histogram
	statements       metric.Int64Counter
	history          metric.Int64Counter
	deferredDuration metric.Float64Histogram
	saves            metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	calls, err := meter.Int64Counter("petalmacro.calls",
		metric.WithDescription("Number of tracked method calls that ran"),
	)
	if err != nil {
		return nil, err
	}

	callFail, err := meter.Int64Counter("petalmacro.call.failures",
		metric.WithDescription("Number of tracked method calls that failed"),
	)
	if err != nil {
		return nil, err
	}

	callDur, err := meter.Float64Histogram("petalmacro.call.duration",
		metric.WithDescription("Duration of tracked method bodies in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stmts, err := meter.Int64Counter("petalmacro.trace.statements",
		metric.WithDescription("Number of statements appended to macro traces"),
	)
	if err != nil {
		return nil, err
	}

	history, err := meter.Int64Counter("petalmacro.history.operations",
		metric.WithDescription("Number of undo and redo operations"),
	)
	if err != nil {
		return nil, err
	}

	defDur, err := meter.Float64Histogram("petalmacro.deferred.duration",
		metric.WithDescription("Duration of deferred calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	saves, err := meter.Int64Counter("petalmacro.macro.saves",
		metric.WithDescription("Number of archived macro snapshots"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		calls:            calls,
		callFailures:     callFail,
		callDuration:     callDur,
		statements:       stmts,
		history:          history,
		deferredDuration: defDur,
		saves:            saves,
	}, nil
}

// Handle processes an event and records the matching metrics. It is a
// runtime.EventHandler.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	switch e.Kind {
	case runtime.EventCallFinished:
		undoable, _ := e.Payload["undoable"].(bool)
		attrs := metric.WithAttributes(
			attribute.String("method", e.Method),
			attribute.Bool("undoable", undoable),
		)
		h.calls.Add(ctx, 1, attrs)
		h.callDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	case runtime.EventCallFailed:
		h.callFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", e.Method),
		))
	case runtime.EventTraceAppended:
		h.statements.Add(ctx, 1)
	case runtime.EventUndoApplied:
		h.historyOp(ctx, "undo", "ok")
	case runtime.EventUndoFailed:
		h.historyOp(ctx, "undo", "failed")
	case runtime.EventRedoApplied:
		h.historyOp(ctx, "redo", "ok")
	case runtime.EventRedoFailed:
		h.historyOp(ctx, "redo", "failed")
	case runtime.EventDeferredFinished:
		h.deferredOutcome(ctx, e, "finished")
	case runtime.EventDeferredErrored:
		h.deferredOutcome(ctx, e, "errored")
	case runtime.EventDeferredAborted:
		h.deferredOutcome(ctx, e, "aborted")
	case runtime.EventMacroSaved:
		h.saves.Add(ctx, 1)
	}
}

func (h *MetricsHandler) historyOp(ctx context.Context, op, outcome string) {
	h.history.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func (h *MetricsHandler) deferredOutcome(ctx context.Context, e runtime.Event, outcome string) {
	h.deferredDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("method", e.Method),
		attribute.String("outcome", outcome),
	))
}
