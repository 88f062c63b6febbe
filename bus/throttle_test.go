package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalmacro/runtime"
)

type recorder struct {
	mu     sync.Mutex
	events []runtime.Event
}

func (r *recorder) emit(e runtime.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []runtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runtime.Event, len(r.events))
	copy(out, r.events)
	return out
}

func progress(callID string, v int) runtime.Event {
	return runtime.NewEvent(runtime.EventDeferredProgress, "s-1").
		WithPayload("call_id", callID).
		WithPayload("value", v)
}

func deferredEvent(kind runtime.EventKind, callID string) runtime.Event {
	return runtime.NewEvent(kind, "s-1").WithPayload("call_id", callID)
}

func TestThrottle_PassThrough(t *testing.T) {
	var r recorder
	te := NewThrottledEmitter(r.emit, ThrottleConfig{CoalesceInterval: time.Hour})
	defer te.Close()

	kinds := []runtime.EventKind{
		runtime.EventSessionStarted,
		runtime.EventCallStarted,
		runtime.EventTraceAppended,
		runtime.EventDeferredStarted,
	}
	for _, k := range kinds {
		te.Emit(runtime.NewEvent(k, "s-1"))
	}

	got := r.snapshot()
	if len(got) != len(kinds) {
		t.Fatalf("got %d events, want %d", len(got), len(kinds))
	}
	for i, k := range kinds {
		if got[i].Kind != k {
			t.Errorf("event %d: got kind %v, want %v", i, got[i].Kind, k)
		}
	}
}

func TestThrottle_CoalescesProgressPerCall(t *testing.T) {
	var r recorder
	te := NewThrottledEmitter(r.emit, ThrottleConfig{CoalesceInterval: 50 * time.Millisecond})

	for i := range 10 {
		te.Emit(progress("a", i))
		te.Emit(progress("b", 100+i))
	}
	if n := len(r.snapshot()); n != 0 {
		t.Fatalf("got %d events before flush, want 0", n)
	}

	time.Sleep(150 * time.Millisecond)
	te.Close()

	latest := map[string]int{}
	for _, e := range r.snapshot() {
		latest[e.Payload["call_id"].(string)] = e.Payload["value"].(int)
	}
	if latest["a"] != 9 || latest["b"] != 109 {
		t.Errorf("latest values = %v, want a=9 b=109", latest)
	}
	if got := len(r.snapshot()); got != 2 {
		t.Errorf("got %d events, want 2", got)
	}
}

func TestThrottle_FlushesBeforeFinish(t *testing.T) {
	var r recorder
	te := NewThrottledEmitter(r.emit, ThrottleConfig{CoalesceInterval: time.Hour})
	defer te.Close()

	te.Emit(progress("a", 1))
	te.Emit(progress("b", 1))
	te.Emit(progress("a", 2))
	te.Emit(deferredEvent(runtime.EventDeferredFinished, "a"))

	got := r.snapshot()
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Kind != runtime.EventDeferredProgress || got[0].Payload["value"] != 2 {
		t.Errorf("first event = %v %v, want latest progress of a", got[0].Kind, got[0].Payload)
	}
	if got[1].Kind != runtime.EventDeferredFinished {
		t.Errorf("second event = %v, want %v", got[1].Kind, runtime.EventDeferredFinished)
	}
}

func TestThrottle_AbortDropsNothing(t *testing.T) {
	var r recorder
	te := NewThrottledEmitter(r.emit, ThrottleConfig{CoalesceInterval: time.Hour})
	defer te.Close()

	te.Emit(progress("a", 1))
	te.Emit(deferredEvent(runtime.EventDeferredAborted, "a"))
	te.Emit(progress("c", 1))
	te.Emit(deferredEvent(runtime.EventDeferredErrored, "c"))

	if got := len(r.snapshot()); got != 4 {
		t.Errorf("got %d events, want 4", got)
	}
}

func TestThrottle_CloseFlushesAndIsIdempotent(t *testing.T) {
	var r recorder
	te := NewThrottledEmitter(r.emit, ThrottleConfig{CoalesceInterval: time.Hour})

	te.Emit(progress("a", 1))
	te.Close()
	te.Close()

	if got := len(r.snapshot()); got != 1 {
		t.Fatalf("got %d events after Close, want 1", got)
	}

	te.Emit(progress("a", 2))
	if got := len(r.snapshot()); got != 1 {
		t.Errorf("progress after Close was emitted")
	}
}

func TestThrottle_DefaultInterval(t *testing.T) {
	te := NewThrottledEmitter(func(runtime.Event) {}, ThrottleConfig{})
	defer te.Close()
	if te.interval != 100*time.Millisecond {
		t.Errorf("interval = %v, want 100ms", te.interval)
	}
}

func TestDecoratorWrapsEmitter(t *testing.T) {
	var r recorder
	decorate, closeAll := Decorator(ThrottleConfig{CoalesceInterval: time.Hour})

	emit := runtime.NewEmitter(runtime.EmitterOptions{
		Handler:   r.emit,
		Decorator: decorate,
	})
	emit(progress("a", 1))
	emit(progress("a", 2))
	closeAll()

	got := r.snapshot()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Seq != 1 {
		t.Errorf("Seq = %d, want 1 (sequenced after coalescing)", got[0].Seq)
	}
}

func TestThrottle_WindowReopens(t *testing.T) {
	var r recorder
	te := NewThrottledEmitter(r.emit, ThrottleConfig{CoalesceInterval: 20 * time.Millisecond})
	defer te.Close()

	te.Emit(progress("a", 1))
	time.Sleep(80 * time.Millisecond)
	te.Emit(progress("a", 2))
	time.Sleep(80 * time.Millisecond)

	got := r.snapshot()
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Payload["value"] != 1 || got[1].Payload["value"] != 2 {
		t.Errorf("values = %v, %v", got[0].Payload["value"], got[1].Payload["value"])
	}
}
