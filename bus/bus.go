// Package bus distributes session events to subscribers and persists
// them, so observers such as the SSE handler, the CLI and remote
// consumers see every trace change, call and undo step.
package bus

import "github.com/petal-labs/petalmacro/runtime"

// EventBus routes session events from recorders to live observers.
type EventBus interface {
	// Publish hands event to the subscribers of its session and to the
	// SubscribeAll subscribers. It must not block the recording session.
	Publish(event runtime.Event)

	// Subscribe follows one session. Close the Subscription when done.
	Subscribe(sessionID string) Subscription

	// SubscribeAll follows every session. Close the Subscription when done.
	SubscribeAll() Subscription

	// Close ends every subscription; later publishes are dropped.
	Close() error
}

// Subscription is a live feed of events.
type Subscription interface {
	// Events is closed when the subscription or its bus is closed.
	Events() <-chan runtime.Event

	// Close detaches the subscription. Calling it again is harmless.
	Close() error
}
