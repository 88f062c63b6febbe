package runtime

import (
	"sync"
	"testing"
	"time"
)

type recordingPublisher struct {
	events []Event
}

func (p *recordingPublisher) Publish(e Event) {
	p.events = append(p.events, e)
}

func TestNewEmitter_SequencesAndFansOut(t *testing.T) {
	pub := &recordingPublisher{}
	var handled []uint64
	var decorated int
	emit := NewEmitter(EmitterOptions{
		Publisher: pub,
		Handler:   func(e Event) { handled = append(handled, e.Seq) },
		Decorator: func(next EventEmitter) EventEmitter {
			return func(e Event) {
				decorated++
				next(e.WithPayload("decorated", true))
			}
		},
	})

	for range 3 {
		emit(NewEvent(EventTraceAppended, "s1"))
	}
	if len(pub.events) != 3 || decorated != 3 {
		t.Fatalf("published %d, decorated %d", len(pub.events), decorated)
	}
	for i, e := range pub.events {
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d Seq = %d", i, e.Seq)
		}
		if e.Payload["decorated"] != true {
			t.Errorf("event %d not decorated", i)
		}
	}
	if len(handled) != 3 || handled[2] != 3 {
		t.Errorf("handled = %v", handled)
	}
}

func TestEventBuilders(t *testing.T) {
	e := NewEvent(EventCallFinished, "s1").
		WithNode("ui.child", "f").
		WithElapsed(time.Second).
		WithPayload("statement", "ui.child.f()")
	if e.Node != "ui.child" || e.Method != "f" || e.Elapsed != time.Second {
		t.Errorf("event = %+v", e)
	}
	if e.Payload["statement"] != "ui.child.f()" {
		t.Errorf("payload = %v", e.Payload)
	}
	var zero Event
	if zero.WithPayload("k", 1).Payload["k"] != 1 {
		t.Error("WithPayload on zero event")
	}
}

func TestEventKind_IsTrace(t *testing.T) {
	for _, k := range []EventKind{EventTraceAppended, EventTraceReplaced, EventTraceErased, EventTraceCleared} {
		if !k.IsTrace() {
			t.Errorf("%s.IsTrace() = false", k)
		}
	}
	if EventCallFinished.IsTrace() {
		t.Error("call.finished is a trace event")
	}
}

func TestMultiAndChannelHandlers(t *testing.T) {
	ch := make(chan Event, 1)
	var n int
	h := MultiEventHandler(ChannelEventHandler(ch), nil, func(Event) { n++ })
	h(NewEvent(EventUndoApplied, "s"))
	h(NewEvent(EventRedoApplied, "s")) // channel full: dropped
	if n != 2 || len(ch) != 1 {
		t.Errorf("n=%d len(ch)=%d", n, len(ch))
	}
}

func TestNewEmitter_ConcurrentSequence(t *testing.T) {
	const goroutines, perGoroutine = 20, 50

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	emit := NewEmitter(EmitterOptions{
		Handler: func(e Event) {
			mu.Lock()
			seen[e.Seq] = true
			mu.Unlock()
		},
	})

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				emit(NewEvent(EventDeferredProgress, "s1"))
			}
		}()
	}
	wg.Wait()

	for seq := uint64(1); seq <= goroutines*perGoroutine; seq++ {
		if !seen[seq] {
			t.Fatalf("missing sequence number %d", seq)
		}
	}
	if len(seen) != goroutines*perGoroutine {
		t.Errorf("got %d distinct sequence numbers", len(seen))
	}
}

func TestNewEmitter_IndependentSequences(t *testing.T) {
	var a, b []uint64
	emitA := NewEmitter(EmitterOptions{Handler: func(e Event) { a = append(a, e.Seq) }})
	emitB := NewEmitter(EmitterOptions{Handler: func(e Event) { b = append(b, e.Seq) }})

	emitA(NewEvent(EventSessionStarted, "a"))
	emitA(NewEvent(EventTraceAppended, "a"))
	emitB(NewEvent(EventSessionStarted, "b"))

	if len(a) != 2 || a[1] != 2 || len(b) != 1 || b[0] != 1 {
		t.Errorf("sequences a=%v b=%v", a, b)
	}
}
