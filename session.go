// Package petalmacro records calls and value changes on a tree of tracked
// nodes as a replayable macro, with undo and redo layered on the trace.
//
// A Session owns everything: the node arena, the trace, the undo engine
// and the stored-value registry. All of it is mutated on the session's
// owner goroutine; callers on any goroutine go through Call, Set, Undo
// and Redo, which hand work to the owner and wait.
//
//	s, _ := petalmacro.NewSession(petalmacro.Options{})
//	defer s.Close()
//	s.AddMethod(ctx, s.Root(), petalmacro.NewMethod("f", body,
//		petalmacro.Params(petalmacro.NewParam("x").WithDefault(0))))
//	s.Call(ctx, s.Root(), "f", petalmacro.Kw("x", 4.0))
//	fmt.Print(s.Render()) // ui.f(x=4.0)
package petalmacro

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/petal-labs/petalmacro/convert"
	"github.com/petal-labs/petalmacro/macro"
	"github.com/petal-labs/petalmacro/runtime"
	"github.com/petal-labs/petalmacro/symbol"
	"github.com/petal-labs/petalmacro/undo"
)

// Options configures a Session.
type Options struct {
	// ID is the session identifier. A random UUID is used when empty.
	ID string

	// Config holds recording defaults. DefaultConfig() when nil.
	Config *Config

	// Converter turns argument values into symbols. A clone of
	// convert.Default() when nil, so per-session rules do not leak.
	Converter *convert.Converter

	// Logger receives diagnostics. slog.Default() when nil.
	Logger *slog.Logger

	// EventHandler receives every session event.
	EventHandler runtime.EventHandler

	// EventBus distributes events to subscribers.
	EventBus runtime.EventPublisher

	// EventEmitterDecorator wraps the session emitter.
	EventEmitterDecorator runtime.EventEmitterDecorator

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
}

// Session is the root of a tracked node tree.
type Session struct {
	id      string
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	emit    runtime.EventEmitter
	loop    *runtime.Loop
	workers *runtime.Workers
	conv    *convert.Converter
	parsed  *lru.Cache

	// Owner-only state.
	tree   *tree
	trace  *macro.Trace
	engine *undo.Engine
	stored *StoredRegistry

	stopObserving func()
	closed        atomic.Bool
}

// NewSession creates a session whose root node records as cfg.RootName.
func NewSession(opts Options) (*Session, error) {
	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = opts.Config.withDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	conv := opts.Converter
	if conv == nil {
		conv = convert.Default().Clone()
	}
	conv.SetMaxInline(cfg.MaxInlineElements)

	parsed, err := lru.New(cfg.ReplayCacheSize)
	if err != nil {
		return nil, fmt.Errorf("replay cache: %w", err)
	}

	logger := opts.Logger.With("session_id", opts.ID)
	s := &Session{
		id:      opts.ID,
		cfg:     cfg,
		logger:  logger,
		now:     opts.Now,
		loop:    runtime.NewLoop(runtime.LoopConfig{Logger: logger}),
		workers: runtime.NewWorkers(cfg.MaxWorkers),
		conv:    conv,
		parsed:  parsed,
		tree:    newTree(cfg.RootName),
		stored:  NewStoredRegistry(cfg.StoredMaxSize),
	}
	s.emit = runtime.NewEmitter(runtime.EmitterOptions{
		Handler:   opts.EventHandler,
		Publisher: opts.EventBus,
		Decorator: opts.EventEmitterDecorator,
	})

	traceOpts := []macro.Option{
		macro.WithMaxLen(cfg.MacroMaxHistory),
		macro.WithLogger(logger),
	}
	if cfg.TimestampHeader {
		traceOpts = append(traceOpts, macro.WithTimestampHeader(opts.Now))
	}
	s.trace = macro.NewTrace(traceOpts...)
	s.engine = undo.NewEngine(s, undo.WithMaxDepth(cfg.UndoMaxHistory), undo.WithLogger(logger))
	s.stopObserving = s.trace.Observe(s.traceChanged)

	s.emit(s.event(runtime.EventSessionStarted).
		WithPayload("root", cfg.RootName))
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Config returns the effective configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// Root returns the handle of the root node.
func (s *Session) Root() Handle {
	return 0
}

// ObserveTrace registers fn for trace changes and returns a function that
// removes it. Each change carries the snapshot after it.
func (s *Session) ObserveTrace(fn macro.Observer) (cancel func()) {
	return s.trace.Observe(fn)
}

// Snapshot returns the current trace state.
func (s *Session) Snapshot() macro.Snapshot {
	return s.trace.Snapshot()
}

// Render returns the macro text, one statement per line.
func (s *Session) Render() string {
	return s.trace.Render()
}

// Close stops the owner loop. Calls made afterwards fail with
// ErrSessionClosed.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.stopObserving()
	err := s.loop.Close()
	s.emit(s.event(runtime.EventSessionClosed))
	return err
}

// do runs fn on the owner.
func (s *Session) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	err := s.loop.Do(ctx, fn)
	if err == runtime.ErrLoopClosed {
		return ErrSessionClosed
	}
	return err
}

// AddNode adds a child node named name under parent.
func (s *Session) AddNode(ctx context.Context, parent Handle, name string) (Handle, error) {
	var h Handle
	err := s.do(ctx, func(context.Context) error {
		var err error
		h, err = s.tree.add(parent, name)
		return err
	})
	return h, err
}

// AddMethod attaches m to node h.
func (s *Session) AddMethod(ctx context.Context, h Handle, m *Method) error {
	return s.do(ctx, func(context.Context) error {
		n, err := s.tree.get(h)
		if err != nil {
			return err
		}
		if err := checkName(n, m.name); err != nil {
			return err
		}
		n.methods[m.name] = m
		return nil
	})
}

// Lookup resolves a dotted node path such as "ui.child".
func (s *Session) Lookup(ctx context.Context, path string) (Handle, error) {
	var h Handle
	err := s.do(ctx, func(context.Context) error {
		var err error
		h, err = s.tree.lookup(path)
		return err
	})
	return h, err
}

// Path returns the qualified name of h, e.g. "ui.child".
func (s *Session) Path(ctx context.Context, h Handle) (string, error) {
	var path string
	err := s.do(ctx, func(context.Context) error {
		if _, err := s.tree.get(h); err != nil {
			return err
		}
		path = strings.Join(s.tree.path(h), ".")
		return nil
	})
	return path, err
}

// Children returns the child handles of h in creation order.
func (s *Session) Children(ctx context.Context, h Handle) ([]Handle, error) {
	var out []Handle
	err := s.do(ctx, func(context.Context) error {
		n, err := s.tree.get(h)
		if err != nil {
			return err
		}
		out = append(out, n.order...)
		return nil
	})
	return out, err
}

// History is a rendering of the undo and redo stacks, bottom first.
type History struct {
	Undo []string
	Redo []string
}

// History returns the current stacks.
func (s *Session) History(ctx context.Context) (History, error) {
	var h History
	err := s.do(ctx, func(context.Context) error {
		h.Undo = renderAll(s.engine.UndoStatements())
		h.Redo = renderAll(s.engine.RedoStatements())
		return nil
	})
	return h, err
}

// ClearHistory empties both stacks. The trace is unchanged.
func (s *Session) ClearHistory(ctx context.Context) error {
	return s.do(ctx, func(context.Context) error {
		s.engine.Clear()
		return nil
	})
}

// ClearMacro empties the trace and both stacks.
func (s *Session) ClearMacro(ctx context.Context) error {
	return s.do(ctx, func(context.Context) error {
		s.engine.Clear()
		s.trace.Clear()
		return nil
	})
}

// Undo reverses the newest undoable call and erases its statement. It is
// a no-op when there is nothing to undo.
func (s *Session) Undo(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		cmd, err := s.engine.Undo(withoutRecording(ctx))
		if cmd == nil {
			return err
		}
		if err != nil {
			s.emit(s.event(runtime.EventUndoFailed).
				WithPayload("statement", cmd.String()).
				WithPayload("error", err.Error()))
			return err
		}
		if !s.trace.EraseID(cmd.StatementID) {
			s.logger.Debug("undone statement no longer in trace",
				"statement", cmd.String(), "statement_id", cmd.StatementID)
		}
		s.emit(s.event(runtime.EventUndoApplied).
			WithPayload("statement", cmd.String()))
		return nil
	})
}

// Redo reapplies the newest undone call and re-appends its statement.
// It is a no-op when there is nothing to redo.
func (s *Session) Redo(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		cmd, err := s.engine.Redo(withoutRecording(ctx))
		if cmd == nil {
			return err
		}
		if err != nil {
			s.emit(s.event(runtime.EventRedoFailed).
				WithPayload("statement", cmd.String()).
				WithPayload("error", err.Error()))
			return err
		}
		idx, err := s.trace.Append(cmd.Stmt)
		if err != nil {
			return err
		}
		entry, _ := s.trace.At(idx)
		cmd.StatementID = entry.ID
		s.emit(s.event(runtime.EventRedoApplied).
			WithPayload("statement", cmd.String()))
		return nil
	})
}

// ReplaceStatement overwrites the statement at index. Undo and redo
// commands owning the line carry the new statement, so a redo replays it.
func (s *Session) ReplaceStatement(ctx context.Context, index int, stmt symbol.Symbol) error {
	return s.do(ctx, func(context.Context) error {
		if err := s.trace.Replace(index, stmt); err != nil {
			return err
		}
		entry, _ := s.trace.At(index)
		s.engine.Restate(entry.ID, entry.Stmt)
		return nil
	})
}

// EraseStatement removes the statement at index. Commands owning the line
// are dropped from both stacks; what the call did stays applied.
func (s *Session) EraseStatement(ctx context.Context, index int) error {
	return s.do(ctx, func(context.Context) error {
		entry, ok := s.trace.At(index)
		if !ok {
			return &macro.IndexError{Op: "erase", Index: index, Len: s.trace.Len()}
		}
		if err := s.trace.Erase(index); err != nil {
			return err
		}
		s.engine.Forget(entry.ID)
		return nil
	})
}

// recordHistory updates the stacks for a committed statement. merged
// reports that the statement replaced the previous line, in which case
// an undoable action folds into the command already owning that line.
func (s *Session) recordHistory(entry macro.Entry, action undo.Action, clearsHistory, merged bool) {
	if action.Undoable() {
		if top := s.engine.Top(); merged && top != nil && top.StatementID == entry.ID {
			top.Stmt = entry.Stmt
			top.Action = top.Action.Then(action)
			s.engine.RecordNonUndoable(undo.ClearRedo)
			return
		}
		if err := s.engine.RecordUndoable(&undo.Command{StatementID: entry.ID, Stmt: entry.Stmt, Action: action}); err != nil {
			s.logger.Error("record undoable", "statement", entry.Text, "error", err)
		}
		return
	}
	policy := s.cfg.Policy()
	if clearsHistory {
		policy = undo.ClearHistory
	}
	if policy == undo.ClearHistory && s.engine.UndoLen() > 0 {
		s.emit(s.event(runtime.EventHistoryCleared).
			WithPayload("statement", entry.Text))
	}
	s.engine.RecordNonUndoable(policy)
}

func (s *Session) traceChanged(ch macro.Change) {
	var kind runtime.EventKind
	switch ch.Op {
	case macro.OpAppend:
		kind = runtime.EventTraceAppended
	case macro.OpReplace:
		kind = runtime.EventTraceReplaced
	case macro.OpErase:
		kind = runtime.EventTraceErased
	case macro.OpClear:
		kind = runtime.EventTraceCleared
	default:
		return
	}
	e := s.event(kind).
		WithPayload("index", ch.Index).
		WithPayload("version", ch.Snapshot.Version())
	if ch.Op != macro.OpClear {
		e = e.WithPayload("id", ch.Entry.ID).
			WithPayload("statement", ch.Entry.Text)
	}
	s.emit(e)
}

func (s *Session) event(kind runtime.EventKind) runtime.Event {
	e := runtime.NewEvent(kind, s.id)
	e.Time = s.now()
	return e
}

// view returns the trace view of node h.
func (s *Session) view(h Handle) macro.View {
	return macro.NewView(s.trace, s.tree.symbol(h))
}

// convertValue converts v, referring to stored values by their variable.
func (s *Session) convertValue(v any) (symbol.Symbol, error) {
	if sym, ok := s.stored.Lookup(v); ok {
		return sym, nil
	}
	return s.conv.Convert(v)
}

func renderAll(stmts []symbol.Symbol) []string {
	out := make([]string, len(stmts))
	for i, st := range stmts {
		out[i] = st.String()
	}
	return out
}
