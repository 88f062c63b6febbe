package petalmacro

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/petal-labs/petalmacro/convert"
	"github.com/petal-labs/petalmacro/runtime"
	"github.com/petal-labs/petalmacro/symbol"
	"github.com/petal-labs/petalmacro/undo"
)

// callPlan is a prepared call: arguments resolved and, when recording,
// the statement already built.
type callPlan struct {
	h      Handle
	node   string
	m      *Method
	args   Args
	stmt   *symbol.Call
	record bool
}

// Call invokes method name on node h. Arguments are positional in
// parameter order unless passed with Kw.
//
// The statement is built before the body runs, so an argument that cannot
// be rendered fails the call with nothing executed. The body runs with
// recording suppressed; only the outermost call is recorded. On success
// the statement is appended to the trace and the undo stack is updated.
// A failing body records nothing.
//
// Deferred methods called from outside the owner run their body on a
// worker; Call still waits for the result.
func (s *Session) Call(ctx context.Context, h Handle, name string, args ...any) (any, error) {
	onOwner := s.loop.IsOwner(ctx)
	var (
		plan   *callPlan
		result any
		ran    bool
	)
	err := s.do(ctx, func(ctx context.Context) error {
		p, err := s.prepare(ctx, h, name, args)
		if err != nil {
			return err
		}
		plan = p
		if p.m.deferred && !onOwner {
			return nil
		}
		ran = true
		out, action, err := s.invoke(ctx, p)
		if err != nil {
			return err
		}
		result = out
		return s.commit(p, out, action)
	})
	if err != nil || ran {
		return result, err
	}
	return s.callDeferred(ctx, plan)
}

// prepare resolves arguments and builds the statement. Owner-only.
func (s *Session) prepare(ctx context.Context, h Handle, name string, in []any) (*callPlan, error) {
	n, err := s.tree.get(h)
	if err != nil {
		return nil, err
	}
	nodePath := strings.Join(s.tree.path(h), ".")
	m, ok := n.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, nodePath, name)
	}
	p := &callPlan{
		h:      h,
		node:   nodePath,
		m:      m,
		record: !m.noRecord && !recordingSuppressed(ctx),
	}
	fail := func(err error) (*callPlan, error) {
		s.emit(s.event(runtime.EventCallFailed).
			WithNode(nodePath, name).
			WithPayload("error", err.Error()))
		return nil, err
	}

	supplied, err := bindArgs(m, in)
	if err != nil {
		return fail(err)
	}

	values := make(map[string]any, len(m.params))
	if p.record {
		p.stmt = &symbol.Call{Func: symbol.Var(m.name)}
	}
	positional := true
	for _, prm := range m.params {
		v, ok := supplied[prm.Name]
		skipped, fromDefault := false, false
		switch {
		case ok && convert.IsSkip(v):
			v, ok, skipped = prm.Default, prm.HasDefault, true
		case !ok && prm.Bind != nil:
			if v, err = prm.Bind.Resolve(ctx, s, h); err != nil {
				return fail(fmt.Errorf("%w: %s.%s(%s): %w", ErrBind, nodePath, name, prm.Name, err))
			}
			ok = true
		case !ok && prm.HasDefault:
			v, ok, fromDefault = prm.Default, true, true
		case !ok:
			return fail(fmt.Errorf("%w: %s.%s(%s)", ErrMissingArgument, nodePath, name, prm.Name))
		}
		if ok && !skipped && !fromDefault && prm.Validator != nil {
			if v, err = prm.Validator(v); err != nil {
				return fail(fmt.Errorf("%w: %s.%s(%s): %w", ErrValidation, nodePath, name, prm.Name, err))
			}
		}
		if ok {
			values[prm.Name] = v
		}
		if !p.record {
			continue
		}

		sym, keep, err := s.recordArg(prm, v, skipped || !ok, fromDefault)
		if err != nil {
			return fail(fmt.Errorf("%s.%s(%s): %w", nodePath, name, prm.Name, err))
		}
		if !keep {
			positional = false
			continue
		}
		if prm.Kind == Positional && positional {
			p.stmt.Args = append(p.stmt.Args, sym)
			continue
		}
		positional = false
		p.stmt.Keywords = append(p.stmt.Keywords, symbol.Keyword{Name: prm.Name, Value: sym})
	}
	p.args = Args{values: values}
	return p, nil
}

// bindArgs maps call-site arguments to parameter names.
func bindArgs(m *Method, in []any) (map[string]any, error) {
	supplied := make(map[string]any, len(in))
	pos := 0
	for _, a := range in {
		name := ""
		if kw, ok := a.(symbol.KeywordValue); ok {
			if !m.hasParam(kw.Name) {
				return nil, fmt.Errorf("%w: %s has no parameter %q", ErrUnknownParam, m.name, kw.Name)
			}
			name, a = kw.Name, kw.Value
		} else {
			if pos >= len(m.params) {
				return nil, fmt.Errorf("%w: %s takes %d arguments", ErrUnknownParam, m.name, len(m.params))
			}
			name = m.params[pos].Name
			pos++
		}
		if _, dup := supplied[name]; dup {
			return nil, fmt.Errorf("%w: %s(%s)", ErrDuplicateArgument, m.name, name)
		}
		supplied[name] = a
	}
	return supplied, nil
}

func (m *Method) hasParam(name string) bool {
	for _, p := range m.params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// recordArg converts v for the statement. keep is false when the
// argument is left out: skipped, never recorded, or equal to the default
// under RecordAuto. RecordAlways records defaults too.
func (s *Session) recordArg(p Param, v any, skipped, fromDefault bool) (symbol.Symbol, bool, error) {
	if skipped || p.Record == RecordNever || (fromDefault && p.Record != RecordAlways) {
		return nil, false, nil
	}
	sym, err := s.convertValue(v)
	if err != nil {
		return nil, false, err
	}
	if p.Record == RecordAuto && p.HasDefault && s.isDefault(sym, v, p.Default) {
		return nil, false, nil
	}
	return sym, true, nil
}

func (s *Session) isDefault(sym symbol.Symbol, v, def any) bool {
	if ds, err := s.convertValue(def); err == nil {
		return symbol.Equal(sym, ds)
	}
	return reflect.DeepEqual(v, def)
}

// invoke runs the body with recording suppressed. Owner-only.
func (s *Session) invoke(ctx context.Context, p *callPlan) (any, undo.Action, error) {
	capture, ctx := takeCapture(ctx)
	ctx = withoutRecording(ctx)

	s.emit(s.event(runtime.EventCallStarted).WithNode(p.node, p.m.name))
	start := s.now()
	out, action, err := p.m.fn(ctx, p.args)
	elapsed := s.now().Sub(start)
	if err != nil {
		s.emit(s.event(runtime.EventCallFailed).
			WithNode(p.node, p.m.name).
			WithElapsed(elapsed).
			WithPayload("error", err.Error()))
		return nil, undo.NoReverse(), fmt.Errorf("%s.%s: %w", p.node, p.m.name, err)
	}
	s.emit(s.event(runtime.EventCallFinished).
		WithNode(p.node, p.m.name).
		WithElapsed(elapsed).
		WithPayload("undoable", action.Undoable()))
	if capture != nil {
		capture.add(action)
	}
	return out, action, nil
}

// commit records a finished call. Owner-only.
func (s *Session) commit(p *callPlan, result any, action undo.Action) error {
	if !p.record {
		return nil
	}
	stmt := s.view(p.h).Qualify(p.stmt)

	var (
		idx    int
		merged bool
		err    error
	)
	switch {
	case p.m.storable && result != nil:
		v := s.stored.Store(snakeTypeName(result), p.m.storeKey, result)
		idx, err = s.trace.Append(&symbol.Assign{Target: v, Value: stmt})
	case p.m.autoCall:
		callee := stmt.(*symbol.Call).Func
		idx, merged, err = s.trace.AppendOrReplaceLast(stmt, func(last symbol.Symbol) bool {
			c, ok := last.(*symbol.Call)
			return ok && symbol.Equal(c.Func, callee)
		})
	default:
		idx, err = s.trace.Append(stmt)
	}
	if err != nil {
		return err
	}
	entry, _ := s.trace.At(idx)
	s.recordHistory(entry, action, p.m.clearsHistory, merged)
	return nil
}
