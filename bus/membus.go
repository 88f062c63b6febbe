package bus

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/petalmacro/runtime"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
	// Logger reports subscribers that fall behind (default: slog.Default).
	Logger *slog.Logger
}

// MemBus fans events out to buffered channel subscriptions. A subscriber
// that falls behind loses events rather than blocking the publisher.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[string][]*memSub // by session ID; allSessions holds SubscribeAll
	bufSize int
	logger  *slog.Logger
	closed  bool
}

// allSessions keys the subscribers that receive every session's events.
const allSessions = ""

// NewMemBus creates an empty bus.
func NewMemBus(config MemBusConfig) *MemBus {
	b := &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: config.SubscriberBufferSize,
		logger:  config.Logger,
	}
	if b.bufSize <= 0 {
		b.bufSize = 256
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Publish delivers event to its session's subscribers and to the
// SubscribeAll subscribers. It never blocks and is a no-op after Close.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	keys := []string{allSessions}
	if event.SessionID != allSessions {
		keys = append(keys, event.SessionID)
	}
	for _, key := range keys {
		for _, sub := range b.subs[key] {
			b.deliver(sub, event)
		}
	}
}

// Subscribe receives the events of one session until the subscription or
// the bus is closed.
func (b *MemBus) Subscribe(sessionID string) Subscription {
	return b.subscribe(sessionID)
}

// SubscribeAll receives the events of every session.
func (b *MemBus) SubscribeAll() Subscription {
	return b.subscribe(allSessions)
}

func (b *MemBus) subscribe(key string) *memSub {
	sub := &memSub{ch: make(chan runtime.Event, b.bufSize)}
	sub.detach = func() { b.unsubscribe(key, sub) }

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[key] = append(b.subs[key], sub)
	return sub
}

func (b *MemBus) unsubscribe(key string, sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rest := slices.DeleteFunc(b.subs[key], func(s *memSub) bool { return s == sub })
	if len(rest) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = rest
	}
}

// Close closes every subscription. Later calls return nil.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	clear(b.subs)
	return nil
}

// deliver sends event to sub and warns the first time sub drops one.
func (b *MemBus) deliver(sub *memSub, event runtime.Event) {
	if sub.send(event) || sub.dropped.Add(1) != 1 {
		return
	}
	b.logger.Warn("event bus subscriber is full, dropping events",
		"session_id", event.SessionID,
		"seq", event.Seq,
		"buffer", b.bufSize,
	)
}

// Dropped reports how many events were not delivered to sub because its
// buffer was full. sub must come from a MemBus.
func Dropped(sub Subscription) uint64 {
	if ms, ok := sub.(*memSub); ok {
		return ms.dropped.Load()
	}
	return 0
}

type memSub struct {
	ch      chan runtime.Event
	detach  func()
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func (s *memSub) Events() <-chan runtime.Event { return s.ch }

// Close detaches the subscription from its bus and closes the channel.
func (s *memSub) Close() error {
	s.detach()
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send reports whether event fit in the buffer. Sends to a closed
// subscription are discarded and count as delivered.
func (s *memSub) send(event runtime.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// Compile-time interface checks.
var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
