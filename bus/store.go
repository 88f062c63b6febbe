package bus

import (
	"context"
	"errors"
	"time"

	"github.com/petal-labs/petalmacro/runtime"
)

// ErrDuplicateSeq is returned by Append when the session already has an
// event with the same sequence number.
var ErrDuplicateSeq = errors.New("bus: duplicate event sequence")

// EventStore persists the events of recording sessions so their history
// can be replayed and their macro rebuilt.
type EventStore interface {
	// Append stores an event. It returns ErrDuplicateSeq when the session
	// already holds that sequence number.
	Append(ctx context.Context, event runtime.Event) error

	// List returns events for a session in sequence order.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq for a session (0 if no events).
	LatestSeq(ctx context.Context, sessionID string) (uint64, error)

	// SessionIDs returns the sessions that have events, sorted.
	SessionIDs(ctx context.Context) ([]string, error)
}

// SessionSummary describes the stored history of one session.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Events    int       `json:"events"`
	LatestSeq uint64    `json:"latest_seq"`
	FirstTime time.Time `json:"first_time"`
	LastTime  time.Time `json:"last_time"`
	// Closed is set once session.closed has been stored.
	Closed bool `json:"closed"`
}

// Summarizer is implemented by stores that can summarize sessions without
// listing every event.
type Summarizer interface {
	Summaries(ctx context.Context) ([]SessionSummary, error)
}

// Summarize returns a summary per stored session, sorted by session ID.
func Summarize(ctx context.Context, store EventStore) ([]SessionSummary, error) {
	if s, ok := store.(Summarizer); ok {
		return s.Summaries(ctx)
	}
	ids, err := store.SessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SessionSummary, 0, len(ids))
	for _, id := range ids {
		events, err := store.List(ctx, id, 0, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, summarize(id, events))
	}
	return out, nil
}

func summarize(sessionID string, events []runtime.Event) SessionSummary {
	sum := SessionSummary{SessionID: sessionID, Events: len(events)}
	for i, e := range events {
		sum.LatestSeq = max(sum.LatestSeq, e.Seq)
		if i == 0 || e.Time.Before(sum.FirstTime) {
			sum.FirstTime = e.Time
		}
		if e.Time.After(sum.LastTime) {
			sum.LastTime = e.Time
		}
		if e.Kind == runtime.EventSessionClosed {
			sum.Closed = true
		}
	}
	return sum
}
