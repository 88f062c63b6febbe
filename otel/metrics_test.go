package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	petalotel "github.com/petal-labs/petalmacro/otel"
	"github.com/petal-labs/petalmacro/runtime"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

// sumByAttr totals an int64 sum metric for data points carrying key=value.
// An empty key totals every point.
func sumByAttr(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	if m == nil {
		t.Fatal("metric not found")
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s has data %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if key != "" {
			v, ok := dp.Attributes.Value(attribute.Key(key))
			if !ok || v.Emit() != value {
				continue
			}
		}
		total += dp.Value
	}
	return total
}

func newMetricsHandler(t *testing.T) (*petalotel.MetricsHandler, *metric.ManualReader) {
	t.Helper()
	reader, mp := newTestMeter()
	h, err := petalotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}
	return h, reader
}

func TestMetricsHandler_Calls(t *testing.T) {
	h, reader := newMetricsHandler(t)

	h.Handle(runtime.NewEvent(runtime.EventCallFinished, "s-1").
		WithNode("ui", "f").
		WithElapsed(150*time.Millisecond).
		WithPayload("undoable", true))
	h.Handle(runtime.NewEvent(runtime.EventCallFinished, "s-1").
		WithNode("ui", "g").
		WithElapsed(50*time.Millisecond).
		WithPayload("undoable", false))
	h.Handle(runtime.NewEvent(runtime.EventCallFailed, "s-1").
		WithNode("ui", "f").
		WithPayload("error", "boom"))

	rm := collectMetrics(t, reader)

	calls := findMetric(rm, "petalmacro.calls")
	if got := sumByAttr(t, calls, "", ""); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
	if got := sumByAttr(t, calls, "undoable", "true"); got != 1 {
		t.Errorf("undoable calls = %d, want 1", got)
	}
	if got := sumByAttr(t, findMetric(rm, "petalmacro.call.failures"), "method", "f"); got != 1 {
		t.Errorf("failures of f = %d, want 1", got)
	}

	dur := findMetric(rm, "petalmacro.call.duration")
	if dur == nil {
		t.Fatal("call duration metric not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data %T, want Histogram[float64]", dur.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("duration samples = %d, want 2", count)
	}
}

func TestMetricsHandler_HistoryAndTrace(t *testing.T) {
	h, reader := newMetricsHandler(t)

	for _, k := range []runtime.EventKind{
		runtime.EventTraceAppended,
		runtime.EventTraceAppended,
		runtime.EventTraceReplaced,
		runtime.EventUndoApplied,
		runtime.EventUndoFailed,
		runtime.EventRedoApplied,
		runtime.EventMacroSaved,
	} {
		h.Handle(runtime.NewEvent(k, "s-1"))
	}

	rm := collectMetrics(t, reader)

	if got := sumByAttr(t, findMetric(rm, "petalmacro.trace.statements"), "", ""); got != 2 {
		t.Errorf("statements = %d, want 2", got)
	}
	history := findMetric(rm, "petalmacro.history.operations")
	if got := sumByAttr(t, history, "op", "undo"); got != 2 {
		t.Errorf("undo ops = %d, want 2", got)
	}
	if got := sumByAttr(t, history, "outcome", "failed"); got != 1 {
		t.Errorf("failed ops = %d, want 1", got)
	}
	if got := sumByAttr(t, findMetric(rm, "petalmacro.macro.saves"), "", ""); got != 1 {
		t.Errorf("saves = %d, want 1", got)
	}
}

func TestMetricsHandler_DeferredOutcomes(t *testing.T) {
	h, reader := newMetricsHandler(t)

	h.Handle(runtime.NewEvent(runtime.EventDeferredFinished, "s-1").WithNode("ui", "slow").WithElapsed(time.Second))
	h.Handle(runtime.NewEvent(runtime.EventDeferredAborted, "s-1").WithNode("ui", "slow").WithElapsed(time.Millisecond))

	rm := collectMetrics(t, reader)
	m := findMetric(rm, "petalmacro.deferred.duration")
	if m == nil {
		t.Fatal("deferred duration metric not found")
	}
	hist := m.Data.(metricdata.Histogram[float64])
	outcomes := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		v, _ := dp.Attributes.Value("outcome")
		outcomes[v.AsString()] += dp.Count
	}
	if outcomes["finished"] != 1 || outcomes["aborted"] != 1 {
		t.Errorf("outcomes = %v, want one finished and one aborted", outcomes)
	}
}

func TestMetricsHandler_IgnoresOtherEvents(t *testing.T) {
	h, reader := newMetricsHandler(t)
	h.Handle(runtime.NewEvent(runtime.EventSessionStarted, "s-1"))
	h.Handle(runtime.NewEvent(runtime.EventFieldChanged, "s-1"))

	rm := collectMetrics(t, reader)
	if m := findMetric(rm, "petalmacro.calls"); m != nil {
		t.Errorf("unexpected calls metric: %+v", m)
	}
}
