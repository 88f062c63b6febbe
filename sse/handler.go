// Package sse serves session events to HTTP clients as Server-Sent Events
// and exposes the macro of a session rebuilt from its stored events.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/petalmacro/bus"
	"github.com/petal-labs/petalmacro/runtime"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// sseEvent is the JSON form of a session event on the stream.
type sseEvent struct {
	Kind      string         `json:"kind"`
	SessionID string         `json:"session_id"`
	Node      string         `json:"node,omitempty"`
	Method    string         `json:"method,omitempty"`
	Time      time.Time      `json:"time"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

func toSSEEvent(e runtime.Event) sseEvent {
	return sseEvent{
		Kind:      string(e.Kind),
		SessionID: e.SessionID,
		Node:      e.Node,
		Method:    e.Method,
		Time:      e.Time,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		Seq:       e.Seq,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
}

// SSEHandler streams the events of one session. It first replays stored
// events from the EventStore, then follows live events on the EventBus.
// Events already sent (by sequence number) are skipped.
//
// The handler expects a "session_id" path value and an optional "after"
// query parameter holding the last sequence number the client has seen.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every 15 seconds. The stream
// closes after a session.closed event or when the client disconnects.
type SSEHandler struct {
	store     bus.EventStore
	bus       bus.EventBus
	heartbeat time.Duration
}

// NewSSEHandler creates a new SSEHandler with the given EventStore and EventBus.
func NewSSEHandler(store bus.EventStore, eb bus.EventBus) *SSEHandler {
	return &SSEHandler{
		store:     store,
		bus:       eb,
		heartbeat: HeartbeatInterval,
	}
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	afterSeq, err := parseAfter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so nothing published in between is lost.
	sub := h.bus.Subscribe(sessionID)
	defer sub.Close()

	cur := &cursor{last: afterSeq}
	if err := h.replayStored(ctx, w, flusher, sessionID, cur); err != nil || cur.done {
		return
	}
	h.streamLive(ctx, w, flusher, sub, cur)
}

// cursor tracks how far a session's event stream has been consumed. Both
// the stored replay and the live bus can carry the same event; the cursor
// admits each sequence number once and nothing after session.closed.
type cursor struct {
	last uint64
	done bool
}

// admit reports whether e is new and moves the cursor past it.
func (c *cursor) admit(e runtime.Event) bool {
	if c.done || e.Seq <= c.last {
		return false
	}
	c.last = e.Seq
	c.done = e.Kind == runtime.EventSessionClosed
	return true
}

func parseAfter(r *http.Request) (uint64, error) {
	s := r.URL.Query().Get("after")
	if s == "" {
		if id := r.Header.Get("Last-Event-ID"); id != "" {
			s = id
		} else {
			return 0, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.New("invalid after parameter")
	}
	return n, nil
}

// replayStored writes the stored events past cur to the stream.
func (h *SSEHandler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sessionID string,
	cur *cursor,
) error {
	events, err := h.store.List(ctx, sessionID, cur.last, 0)
	if err != nil {
		return err
	}
	for _, evt := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !cur.admit(evt) {
			continue
		}
		if err := writeSSEEvent(w, evt); err != nil {
			return err
		}
		flusher.Flush()
		if cur.done {
			return nil
		}
	}
	return nil
}

// streamLive follows the subscription until the session closes or the
// client goes away.
func (h *SSEHandler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	cur *cursor,
) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for !cur.done {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if !cur.admit(evt) {
				continue
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, evt runtime.Event) error {
	data, err := json.Marshal(toSSEEvent(evt))
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}

// macroResponse is the JSON body of the macro endpoint.
type macroResponse struct {
	SessionID  string   `json:"session_id"`
	Version    uint64   `json:"version"`
	LastSeq    uint64   `json:"last_seq"`
	Closed     bool     `json:"closed"`
	Statements []string `json:"statements"`
}

// MacroHandler serves the macro of a session, rebuilt from its stored
// trace events up to session.closed. It answers text/plain when the client asks for it with
// ?format=text or an Accept header, and JSON otherwise.
type MacroHandler struct {
	store bus.EventStore
}

// NewMacroHandler creates a MacroHandler reading from store.
func NewMacroHandler(store bus.EventStore) *MacroHandler {
	return &MacroHandler{store: store}
}

// ServeHTTP implements http.Handler.
func (h *MacroHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}

	stored, err := h.store.List(r.Context(), sessionID, 0, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Lines recorded after session.closed are not part of the macro.
	cur := &cursor{}
	var events []runtime.Event
	for _, e := range stored {
		if cur.admit(e) {
			events = append(events, e)
		}
	}
	if cur.last == 0 {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	m, err := bus.RebuildMacro(events)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if wantsText(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, line := range m.Statements {
			fmt.Fprintln(w, line)
		}
		return
	}

	stmts := m.Statements
	if stmts == nil {
		stmts = []string{}
	}
	writeJSON(w, http.StatusOK, macroResponse{
		SessionID:  sessionID,
		Version:    m.Version,
		LastSeq:    cur.last,
		Closed:     cur.done,
		Statements: stmts,
	})
}

func wantsText(r *http.Request) bool {
	if r.URL.Query().Get("format") == "text" {
		return true
	}
	return strings.HasPrefix(r.Header.Get("Accept"), "text/plain")
}

// SessionsHandler lists the sessions that have stored events. With
// ?detail=1 it returns a summary per session instead of bare IDs.
type SessionsHandler struct {
	store bus.EventStore
}

// ServeHTTP implements http.Handler.
func (h *SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if detail, _ := strconv.ParseBool(r.URL.Query().Get("detail")); detail {
		sums, err := bus.Summarize(r.Context(), h.store)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if sums == nil {
			sums = []bus.SessionSummary{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sums})
		return
	}

	ids, err := h.store.SessionIDs(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

// Register mounts the session routes on mux:
//
//	GET /sessions
//	GET /sessions/{session_id}/events
//	GET /sessions/{session_id}/macro
func Register(mux *http.ServeMux, store bus.EventStore, eb bus.EventBus) {
	mux.Handle("GET /sessions", &SessionsHandler{store: store})
	mux.Handle("GET /sessions/{session_id}/events", NewSSEHandler(store, eb))
	mux.Handle("GET /sessions/{session_id}/macro", NewMacroHandler(store))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
