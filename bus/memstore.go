package bus

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/petal-labs/petalmacro/runtime"
)

// MemEventStore keeps events in memory, ordered by sequence number per
// session. It is safe for concurrent use.
type MemEventStore struct {
	mu       sync.RWMutex
	sessions map[string][]runtime.Event
}

// NewMemEventStore creates an empty in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		sessions: make(map[string][]runtime.Event),
	}
}

// Append inserts event at its sequence position. Events may arrive out of
// order, as they do from a throttled or remote emitter.
func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.sessions[event.SessionID]
	i := searchSeq(events, event.Seq)
	if i < len(events) && events[i].Seq == event.Seq {
		return ErrDuplicateSeq
	}
	s.sessions[event.SessionID] = slices.Insert(events, i, event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, sessionID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.sessions[sessionID]
	events = events[searchSeq(events, afterSeq+1):]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	if len(events) == 0 {
		return nil, nil
	}
	return slices.Clone(events), nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, sessionID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.sessions[sessionID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

func (s *MemEventStore) SessionIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Summaries implements Summarizer.
func (s *MemEventStore) Summaries(ctx context.Context) ([]SessionSummary, error) {
	ids, _ := s.SessionIDs(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, summarize(id, s.sessions[id]))
	}
	return out, nil
}

// searchSeq returns the index of the first event with Seq >= seq.
func searchSeq(events []runtime.Event, seq uint64) int {
	return sort.Search(len(events), func(i int) bool { return events[i].Seq >= seq })
}

// Compile-time interface checks.
var (
	_ EventStore = (*MemEventStore)(nil)
	_ Summarizer = (*MemEventStore)(nil)
)
