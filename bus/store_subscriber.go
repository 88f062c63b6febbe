package bus

import (
	"context"
	"errors"
	"log/slog"

	"github.com/petal-labs/petalmacro/runtime"
)

// StoreSubscriber writes events to an EventStore. Its Handle method is a
// runtime.EventHandler, so it can be passed straight to a session.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
	kinds  map[runtime.EventKind]bool
}

// StoreSubscriberOption configures a StoreSubscriber.
type StoreSubscriberOption func(*StoreSubscriber)

// WithKinds restricts the subscriber to the given event kinds. Other
// events are ignored.
func WithKinds(kinds ...runtime.EventKind) StoreSubscriberOption {
	return func(s *StoreSubscriber) {
		if s.kinds == nil {
			s.kinds = make(map[runtime.EventKind]bool, len(kinds))
		}
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
}

// NewStoreSubscriber creates a StoreSubscriber. A nil logger uses
// slog.Default.
func NewStoreSubscriber(store EventStore, logger *slog.Logger, opts ...StoreSubscriberOption) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &StoreSubscriber{store: store, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle persists one event. Store failures are logged, not returned; a
// redelivered event is logged at debug level only.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	if s.kinds != nil && !s.kinds[event.Kind] {
		return
	}
	err := s.store.Append(context.Background(), event)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateSeq):
		s.logger.Debug("event already stored",
			"session_id", event.SessionID,
			"seq", event.Seq,
		)
	default:
		s.logger.Error("failed to persist event",
			"session_id", event.SessionID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Drain persists every event of sub until the subscription closes.
func (s *StoreSubscriber) Drain(sub Subscription) {
	for e := range sub.Events() {
		s.Handle(e)
	}
}
