package bus

import (
	"context"
	"fmt"
	"slices"

	"github.com/petal-labs/petalmacro/runtime"
)

// Macro is the script of a session as reconstructed from its events.
type Macro struct {
	SessionID  string
	Statements []string
	Version    uint64
	LastSeq    uint64
}

// RebuildMacro replays the trace events of one session in sequence order
// and returns the resulting script. Non-trace events are ignored. An
// append landing below the current length means the trace dropped its
// oldest lines to stay bounded, and the same lines are dropped here.
func RebuildMacro(events []runtime.Event) (Macro, error) {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b runtime.Event) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	var m Macro
	for _, e := range sorted {
		if m.SessionID == "" {
			m.SessionID = e.SessionID
		} else if e.SessionID != m.SessionID {
			return Macro{}, fmt.Errorf("rebuild: mixed sessions %q and %q", m.SessionID, e.SessionID)
		}
		m.LastSeq = e.Seq
		if !e.Kind.IsTrace() {
			continue
		}
		if v, ok := uintOf(e.Payload["version"]); ok {
			m.Version = v
		}
		if e.Kind == runtime.EventTraceCleared {
			m.Statements = m.Statements[:0]
			continue
		}

		idx, ok := intOf(e.Payload["index"])
		if !ok {
			return Macro{}, fmt.Errorf("rebuild: event %d (%s) has no index", e.Seq, e.Kind)
		}
		text, _ := e.Payload["statement"].(string)
		n := len(m.Statements)

		switch e.Kind {
		case runtime.EventTraceAppended:
			if idx < n {
				m.Statements = slices.Delete(m.Statements, 0, n-idx)
			}
			m.Statements = append(m.Statements, text)
		case runtime.EventTraceReplaced:
			if idx < 0 || idx >= n {
				return Macro{}, fmt.Errorf("rebuild: event %d replaces line %d of %d", e.Seq, idx, n)
			}
			m.Statements[idx] = text
		case runtime.EventTraceErased:
			if idx < 0 || idx >= n {
				return Macro{}, fmt.Errorf("rebuild: event %d erases line %d of %d", e.Seq, idx, n)
			}
			m.Statements = slices.Delete(m.Statements, idx, idx+1)
		}
	}
	return m, nil
}

// LoadMacro lists a session's events from store and rebuilds its script.
func LoadMacro(ctx context.Context, store EventStore, sessionID string) (Macro, error) {
	events, err := store.List(ctx, sessionID, 0, 0)
	if err != nil {
		return Macro{}, err
	}
	m, err := RebuildMacro(events)
	if err != nil {
		return Macro{}, err
	}
	m.SessionID = sessionID
	return m, nil
}

// intOf reads a number that may have been through a JSON round trip.
func intOf(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func uintOf(v any) (uint64, bool) {
	n, ok := intOf(v)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}
