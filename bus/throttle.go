package bus

import (
	"sync"
	"time"

	"github.com/petal-labs/petalmacro/runtime"
)

// ThrottleConfig configures a ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is the window over which one deferred call's
	// progress reports collapse into one (default 100ms).
	CoalesceInterval time.Duration
}

// ThrottledEmitter coalesces deferred.progress events per deferred call.
// The first report of a call opens a window; the latest report seen when
// the window closes is emitted. A call's pending report is emitted before
// its finished, errored or aborted event. Other events pass through
// synchronously.
type ThrottledEmitter struct {
	emit     runtime.EventEmitter
	interval time.Duration

	// flushMu orders a call's pending progress ahead of its end event.
	flushMu sync.Mutex

	mu      sync.Mutex
	windows map[string]*progressWindow
	closed  bool
}

type progressWindow struct {
	latest runtime.Event
	timer  *time.Timer
}

// NewThrottledEmitter wraps emit.
func NewThrottledEmitter(emit runtime.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		windows:  make(map[string]*progressWindow),
	}
}

// Emit forwards e, holding deferred.progress back until its window closes.
// Progress emitted after Close is dropped.
func (te *ThrottledEmitter) Emit(e runtime.Event) {
	key := progressKey(e)
	switch {
	case e.Kind == runtime.EventDeferredProgress:
		te.hold(key, e)
	case isDeferredEnd(e.Kind):
		te.flush(key)
		te.emit(e)
	default:
		te.emit(e)
	}
}

func (te *ThrottledEmitter) hold(key string, e runtime.Event) {
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.closed {
		return
	}
	if w, ok := te.windows[key]; ok {
		w.latest = e
		return
	}
	te.windows[key] = &progressWindow{
		latest: e,
		timer:  time.AfterFunc(te.interval, func() { te.flush(key) }),
	}
}

// take removes and returns the pending report of key.
func (te *ThrottledEmitter) take(key string) (runtime.Event, bool) {
	te.mu.Lock()
	defer te.mu.Unlock()
	w, ok := te.windows[key]
	if !ok {
		return runtime.Event{}, false
	}
	delete(te.windows, key)
	w.timer.Stop()
	return w.latest, true
}

func (te *ThrottledEmitter) flush(key string) {
	te.flushMu.Lock()
	defer te.flushMu.Unlock()
	if e, ok := te.take(key); ok {
		te.emit(e)
	}
}

// Close emits every pending report and stops accepting progress. Calling
// it again does nothing.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	keys := make([]string, 0, len(te.windows))
	for k := range te.windows {
		keys = append(keys, k)
	}
	te.mu.Unlock()

	for _, k := range keys {
		te.flush(k)
	}
}

// Decorator returns a runtime.EventEmitterDecorator that routes a
// session's events through a ThrottledEmitter, and a func that closes
// every emitter it created.
func Decorator(cfg ThrottleConfig) (runtime.EventEmitterDecorator, func()) {
	var (
		mu      sync.Mutex
		created []*ThrottledEmitter
	)
	decorate := func(next runtime.EventEmitter) runtime.EventEmitter {
		te := NewThrottledEmitter(next, cfg)
		mu.Lock()
		created = append(created, te)
		mu.Unlock()
		return te.Emit
	}
	closeAll := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, te := range created {
			te.Close()
		}
		created = nil
	}
	return decorate, closeAll
}

func progressKey(e runtime.Event) string {
	id, _ := e.Payload["call_id"].(string)
	return e.SessionID + "/" + id
}

func isDeferredEnd(k runtime.EventKind) bool {
	switch k {
	case runtime.EventDeferredFinished, runtime.EventDeferredErrored, runtime.EventDeferredAborted:
		return true
	}
	return false
}
