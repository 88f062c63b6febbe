// Package macro records statements into an ordered trace and renders them
// as an executable script. Nested nodes record through a View that
// qualifies every statement with the node's path on the shared root trace.
package macro

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xiaq/persistent/vector"

	"github.com/petal-labs/petalmacro/symbol"
)

// DefaultMaxLen is the default number of statements a trace keeps.
const DefaultMaxLen = 100000

// ErrIndexOutOfRange is wrapped by IndexError.
var ErrIndexOutOfRange = errors.New("trace index out of range")

// IndexError reports an out-of-range trace edit.
type IndexError struct {
	Op    string
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%s at %d: trace has %d statements: %v", e.Op, e.Index, e.Len, ErrIndexOutOfRange)
}

func (e *IndexError) Unwrap() error {
	return ErrIndexOutOfRange
}

// Entry is one recorded statement. IDs increase monotonically and are
// never reused, so an entry can be found again after earlier lines were
// trimmed or erased.
type Entry struct {
	ID   uint64
	Stmt symbol.Symbol
	Text string
}

// Op names a trace mutation.
type Op string

const (
	OpAppend  Op = "append"
	OpReplace Op = "replace"
	OpErase   Op = "erase"
	OpClear   Op = "clear"
)

// Change describes one mutation. Snapshot is the state after it.
type Change struct {
	Op       Op
	Index    int
	Entry    Entry
	Snapshot Snapshot
}

// Observer is notified after every mutation, outside the trace lock.
type Observer func(Change)

// Option configures a Trace.
type Option func(*Trace)

// WithMaxLen bounds the trace; the oldest statements are dropped first.
// n <= 0 keeps DefaultMaxLen.
func WithMaxLen(n int) Option {
	return func(t *Trace) {
		if n > 0 {
			t.maxLen = n
		}
	}
}

// WithTimestampHeader renders a "# recorded at" comment above the script,
// stamped with the time of the first statement.
func WithTimestampHeader(now func() time.Time) Option {
	return func(t *Trace) {
		if now == nil {
			now = time.Now
		}
		t.now = now
	}
}

// WithLogger sets the logger used for trimming diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trace) {
		t.logger = logger
	}
}

// Trace is an ordered log of statements. It is safe for concurrent use,
// but callers that need read-modify-write sequences (undo, collapsing
// sets) are expected to serialize their writes on a single owner.
type Trace struct {
	mu        sync.RWMutex
	entries   vector.Vector
	dropped   int // head entries hidden by SubVector since the last compaction
	nextID    uint64
	version   uint64
	maxLen    int
	now       func() time.Time
	header    string
	lastSetID uint64
	lastSet   symbol.Symbol
	observers map[int]Observer
	obsSeq    int
	logger    *slog.Logger
}

// NewTrace creates an empty trace.
func NewTrace(opts ...Option) *Trace {
	t := &Trace{
		entries:   vector.Empty,
		nextID:    1,
		maxLen:    DefaultMaxLen,
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Observe registers fn and returns a function that removes it.
func (t *Trace) Observe(fn Observer) (cancel func()) {
	t.mu.Lock()
	id := t.obsSeq
	t.obsSeq++
	t.observers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

// Append adds stmt at the end and returns its index. Statements that
// cannot be rendered are rejected and nothing is recorded.
func (t *Trace) Append(stmt symbol.Symbol) (int, error) {
	e, err := newEntry(stmt)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	idx := t.appendLocked(&e)
	t.lastSet, t.lastSetID = nil, 0
	ch := t.changeLocked(OpAppend, idx)
	obs := t.observersLocked()
	t.mu.Unlock()
	notify(obs, ch)
	return ch.Index, nil
}

// RecordSet records target = value. Consecutive sets of the same target
// collapse into a single line; collapsed reports whether the previous
// line was replaced.
func (t *Trace) RecordSet(target, value symbol.Symbol) (idx int, collapsed bool, err error) {
	e, err := newEntry(&symbol.Assign{Target: target, Value: value})
	if err != nil {
		return 0, false, err
	}
	t.mu.Lock()
	n := t.entries.Len()
	op := OpAppend
	if n > 0 && t.lastSet != nil && symbol.Equal(t.lastSet, target) && t.lastIDLocked() == t.lastSetID {
		e.ID = t.lastSetID
		t.entries = t.entries.Assoc(n-1, e)
		t.version++
		idx, op, collapsed = n-1, OpReplace, true
	} else {
		idx = t.appendLocked(&e)
	}
	t.lastSet, t.lastSetID = target, e.ID
	ch := t.changeLocked(op, idx)
	obs := t.observersLocked()
	t.mu.Unlock()
	notify(obs, ch)
	return ch.Index, collapsed, nil
}

// AppendOrReplaceLast appends stmt, or replaces the last statement when
// match reports it as a repeat of stmt.
func (t *Trace) AppendOrReplaceLast(stmt symbol.Symbol, match func(last symbol.Symbol) bool) (idx int, replaced bool, err error) {
	e, err := newEntry(stmt)
	if err != nil {
		return 0, false, err
	}
	t.mu.Lock()
	n := t.entries.Len()
	op := OpAppend
	if last, ok := t.lastLocked(); ok && match != nil && match(last.Stmt) {
		e.ID = last.ID
		t.entries = t.entries.Assoc(n-1, e)
		t.version++
		idx, op, replaced = n-1, OpReplace, true
	} else {
		idx = t.appendLocked(&e)
	}
	t.lastSet, t.lastSetID = nil, 0
	ch := t.changeLocked(op, idx)
	obs := t.observersLocked()
	t.mu.Unlock()
	notify(obs, ch)
	return ch.Index, replaced, nil
}

// Replace overwrites the statement at index. The entry keeps its ID.
func (t *Trace) Replace(index int, stmt symbol.Symbol) error {
	e, err := newEntry(stmt)
	if err != nil {
		return err
	}
	t.mu.Lock()
	old, ok := entryAt(t.entries, index)
	if !ok {
		n := t.entries.Len()
		t.mu.Unlock()
		return &IndexError{Op: "replace", Index: index, Len: n}
	}
	e.ID = old.ID
	t.entries = t.entries.Assoc(index, e)
	t.version++
	if e.ID == t.lastSetID {
		t.lastSet, t.lastSetID = nil, 0
	}
	ch := t.changeLocked(OpReplace, index)
	obs := t.observersLocked()
	t.mu.Unlock()
	notify(obs, ch)
	return nil
}

// Erase removes the statement at index.
func (t *Trace) Erase(index int) error {
	t.mu.Lock()
	n := t.entries.Len()
	if index < 0 || index >= n {
		t.mu.Unlock()
		return &IndexError{Op: "erase", Index: index, Len: n}
	}
	ch := t.eraseLocked(index)
	obs := t.observersLocked()
	t.mu.Unlock()
	notify(obs, ch)
	return nil
}

// EraseID removes the entry with the given ID. It reports false when the
// entry is no longer in the trace.
func (t *Trace) EraseID(id uint64) bool {
	t.mu.Lock()
	index, ok := t.indexOfLocked(id)
	if !ok {
		t.mu.Unlock()
		return false
	}
	ch := t.eraseLocked(index)
	obs := t.observersLocked()
	t.mu.Unlock()
	notify(obs, ch)
	return true
}

// Pop removes and returns the last entry.
func (t *Trace) Pop() (Entry, bool) {
	t.mu.Lock()
	last, ok := t.lastLocked()
	if !ok {
		t.mu.Unlock()
		return Entry{}, false
	}
	ch := t.eraseLocked(t.entries.Len() - 1)
	obs := t.observersLocked()
	t.mu.Unlock()
	notify(obs, ch)
	return last, true
}

// Clear removes every statement. IDs keep increasing afterwards.
func (t *Trace) Clear() {
	t.mu.Lock()
	t.entries = vector.Empty
	t.dropped = 0
	t.header = ""
	t.version++
	t.lastSet, t.lastSetID = nil, 0
	ch := t.changeLocked(OpClear, -1)
	obs := t.observersLocked()
	t.mu.Unlock()
	notify(obs, ch)
}

// Len returns the number of statements.
func (t *Trace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries.Len()
}

// At returns the entry at index.
func (t *Trace) At(index int) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return entryAt(t.entries, index)
}

// Last returns the newest entry.
func (t *Trace) Last() (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastLocked()
}

// IndexOf returns the current index of the entry with the given ID.
func (t *Trace) IndexOf(id uint64) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.indexOfLocked(id)
}

// Snapshot returns an immutable view of the current state.
func (t *Trace) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// Render returns the script, one statement per line.
func (t *Trace) Render() string {
	return t.Snapshot().Render()
}

// Version increases on every mutation.
func (t *Trace) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

func newEntry(stmt symbol.Symbol) (Entry, error) {
	if stmt == nil {
		return Entry{}, errors.New("macro: nil statement")
	}
	text, err := symbol.Render(stmt)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Stmt: stmt, Text: text}, nil
}

// appendLocked assigns e its ID and appends it.
func (t *Trace) appendLocked(e *Entry) int {
	if t.entries.Len() == 0 && t.now != nil && t.header == "" {
		t.header = "recorded at " + t.now().Format(time.RFC3339)
	}
	e.ID = t.nextID
	t.nextID++
	t.entries = t.entries.Cons(*e)
	t.version++
	t.trimLocked()
	return t.entries.Len() - 1
}

// trimLocked drops head entries beyond maxLen. SubVector keeps the
// dropped prefix reachable, so the vector is rebuilt once the hidden
// prefix grows as large as the live part.
func (t *Trace) trimLocked() {
	n := t.entries.Len()
	if n <= t.maxLen {
		return
	}
	over := n - t.maxLen
	t.entries = t.entries.SubVector(over, n)
	t.dropped += over
	if t.dropped >= t.maxLen {
		t.entries = rebuild(t.entries)
		t.dropped = 0
		t.logger.Debug("compacted macro trace", "len", t.entries.Len())
	}
}

func (t *Trace) eraseLocked(index int) Change {
	erased, _ := entryAt(t.entries, index)
	n := t.entries.Len()
	if index == n-1 {
		t.entries = t.entries.Pop()
	} else {
		v := vector.Empty
		i := 0
		for it := t.entries.Iterator(); it.HasElem(); it.Next() {
			if i != index {
				v = v.Cons(it.Elem())
			}
			i++
		}
		t.entries = v
		t.dropped = 0
	}
	t.version++
	if erased.ID == t.lastSetID {
		t.lastSet, t.lastSetID = nil, 0
	}
	return Change{Op: OpErase, Index: index, Entry: erased, Snapshot: t.snapshotLocked()}
}

func (t *Trace) changeLocked(op Op, index int) Change {
	ch := Change{Op: op, Index: index, Snapshot: t.snapshotLocked()}
	if index >= 0 {
		ch.Entry, _ = entryAt(t.entries, index)
	}
	return ch
}

func (t *Trace) snapshotLocked() Snapshot {
	return Snapshot{entries: t.entries, version: t.version, header: t.header}
}

func (t *Trace) observersLocked() []Observer {
	if len(t.observers) == 0 {
		return nil
	}
	ids := make([]int, 0, len(t.observers))
	for id := range t.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids) // registration order
	out := make([]Observer, len(ids))
	for i, id := range ids {
		out[i] = t.observers[id]
	}
	return out
}

func (t *Trace) lastLocked() (Entry, bool) {
	n := t.entries.Len()
	if n == 0 {
		return Entry{}, false
	}
	return entryAt(t.entries, n-1)
}

func (t *Trace) lastIDLocked() uint64 {
	e, _ := t.lastLocked()
	return e.ID
}

// indexOfLocked binary-searches by ID; entries are stored in ID order.
func (t *Trace) indexOfLocked(id uint64) (int, bool) {
	lo, hi := 0, t.entries.Len()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		e, _ := entryAt(t.entries, mid)
		switch {
		case e.ID == id:
			return mid, true
		case e.ID < id:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0, false
}

func notify(obs []Observer, ch Change) {
	for _, fn := range obs {
		fn(ch)
	}
}

func entryAt(v vector.Vector, i int) (Entry, bool) {
	if i < 0 {
		return Entry{}, false
	}
	e, ok := v.Index(i)
	if !ok {
		return Entry{}, false
	}
	return e.(Entry), true
}

func rebuild(v vector.Vector) vector.Vector {
	out := vector.Empty
	for it := v.Iterator(); it.HasElem(); it.Next() {
		out = out.Cons(it.Elem())
	}
	return out
}

// Snapshot is an immutable, version-stamped view of a trace. It is safe to
// read from any goroutine.
type Snapshot struct {
	entries vector.Vector
	version uint64
	header  string
}

// Len returns the number of statements.
func (s Snapshot) Len() int {
	if s.entries == nil {
		return 0
	}
	return s.entries.Len()
}

// Version is the trace version this snapshot was taken at.
func (s Snapshot) Version() uint64 {
	return s.version
}

// At returns the entry at index.
func (s Snapshot) At(index int) (Entry, bool) {
	if s.entries == nil {
		return Entry{}, false
	}
	return entryAt(s.entries, index)
}

// Entries returns a copy of all entries in order.
func (s Snapshot) Entries() []Entry {
	out := make([]Entry, 0, s.Len())
	if s.entries == nil {
		return out
	}
	for it := s.entries.Iterator(); it.HasElem(); it.Next() {
		out = append(out, it.Elem().(Entry))
	}
	return out
}

// Statements returns the statements in order.
func (s Snapshot) Statements() []symbol.Symbol {
	entries := s.Entries()
	out := make([]symbol.Symbol, len(entries))
	for i, e := range entries {
		out[i] = e.Stmt
	}
	return out
}

// Render returns the script text, one statement per line, preceded by
// the timestamp header when one is configured.
func (s Snapshot) Render() string {
	var sb strings.Builder
	if s.header != "" && s.Len() > 0 {
		sb.WriteString((&symbol.Comment{Text: s.header}).String())
		sb.WriteByte('\n')
	}
	for _, e := range s.Entries() {
		sb.WriteString(e.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Subset returns a snapshot holding the entries at indices, in the order
// given. Indices may repeat. With no indices it returns s unchanged.
func (s Snapshot) Subset(indices ...int) (Snapshot, error) {
	if len(indices) == 0 {
		return s, nil
	}
	v := vector.Empty
	for _, i := range indices {
		e, ok := s.At(i)
		if !ok {
			return Snapshot{}, &IndexError{Op: "subset", Index: i, Len: s.Len()}
		}
		v = v.Cons(e)
	}
	return Snapshot{entries: v, version: s.version, header: s.header}, nil
}
